package pump

import (
	"context"
	"sync"
	"time"

	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/subscribe"
)

// DefaultGCInterval is the lifecycle tick period spec.md §4.8 fixes at one
// second.
const DefaultGCInterval = time.Second

type exclusiveHandle struct {
	stop chan struct{}
}

type sharedHandle struct {
	stop chan struct{}
}

// sharedWant identifies one running shared-leader pump: a share-leader
// key can resolve to several concrete topics when its filter carries a
// wildcard, and each gets its own pump (and its own per-topic committed
// offset in storage, same as exclusive subscriptions do).
type sharedWant struct {
	key     string
	topicID string
}

// GC implements C10: every tick, it reconciles the set of running pumps
// against the subscription manager's current tables, stopping pumps whose
// subscriber is gone and starting pumps for subscribers that lack one.
type GC struct {
	Subs     *subscribe.Manager
	Deps     Deps
	Retained *message.RetainedStore
	Interval time.Duration
	Stop     chan struct{}
	OnError  func(error)

	mu        sync.Mutex
	exclusive map[string]*exclusiveHandle
	shared    map[sharedWant]*sharedHandle
}

// NewGC builds a GC with Interval defaulted to DefaultGCInterval.
func NewGC(subs *subscribe.Manager, deps Deps, retained *message.RetainedStore, stop chan struct{}, onError func(error)) *GC {
	return &GC{
		Subs:      subs,
		Deps:      deps,
		Retained:  retained,
		Interval:  DefaultGCInterval,
		Stop:      stop,
		OnError:   onError,
		exclusive: make(map[string]*exclusiveHandle),
		shared:    make(map[sharedWant]*sharedHandle),
	}
}

// Run ticks until Stop fires or ctx is canceled.
func (gc *GC) Run(ctx context.Context) {
	interval := gc.Interval
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-gc.Stop:
			gc.stopAll()
			return
		case <-ctx.Done():
			gc.stopAll()
			return
		case <-ticker.C:
			gc.reconcileExclusive(ctx)
			gc.reconcileShared(ctx)
		}
	}
}

type exclusiveWant struct {
	topicID string
	sub     subscribe.Subscriber
}

// reconcileExclusive resolves each exclusive filter to the concrete
// topic(s) it currently matches (MatchingTopics is the identity for a
// wildcard-free filter) and wants one Exclusive pump per (topic,
// subscriber) pair, so a wildcard subscription like "devices/+/temp"
// gets a pump per device topic actually published to, each reading and
// committing against its own topic log.
func (gc *GC) reconcileExclusive(ctx context.Context) {
	wanted := make(map[string]exclusiveWant)
	for _, filter := range gc.Subs.ListExclusiveTopics() {
		subs := gc.Subs.ListExclusive(filter)
		if len(subs) == 0 {
			continue
		}
		for _, topicID := range gc.Subs.MatchingTopics(filter) {
			for _, sub := range subs {
				wanted[topicID+"\x00"+sub.SubKey()] = exclusiveWant{topicID: topicID, sub: sub}
			}
		}
	}

	gc.mu.Lock()
	defer gc.mu.Unlock()

	for key, h := range gc.exclusive {
		if _, ok := wanted[key]; !ok {
			close(h.stop)
			delete(gc.exclusive, key)
		}
	}
	for key, w := range wanted {
		if _, ok := gc.exclusive[key]; ok {
			continue
		}
		stop := make(chan struct{})
		gc.exclusive[key] = &exclusiveHandle{stop: stop}
		p := &Exclusive{
			TopicID: w.topicID,
			Sub:     w.sub,
			Deps:    gc.Deps,
			Stop:    stop,
			OnError: gc.OnError,
		}
		go p.Run(ctx)
	}
}

// reconcileShared mirrors reconcileExclusive for shared-leader groups:
// GetShareLeader's TopicID is the filter path and may carry a wildcard,
// so it resolves through MatchingTopics into one pump per concrete topic
// the group's filter currently matches, each round-robining the same
// member list independently over its own topic log.
func (gc *GC) reconcileShared(ctx context.Context) {
	live := make(map[sharedWant]struct{})
	for _, key := range gc.Subs.ListShareLeaderKeys() {
		g, ok := gc.Subs.GetShareLeader(key)
		if !ok {
			continue
		}
		if len(g.SubList) == 0 {
			gc.Subs.DeleteEmptyShareLeader(key)
			continue
		}
		for _, topicID := range gc.Subs.MatchingTopics(g.TopicID) {
			live[sharedWant{key: key, topicID: topicID}] = struct{}{}
		}
	}

	gc.mu.Lock()
	defer gc.mu.Unlock()

	for w, h := range gc.shared {
		if _, ok := live[w]; !ok {
			close(h.stop)
			delete(gc.shared, w)
		}
	}
	for w := range live {
		if _, ok := gc.shared[w]; ok {
			continue
		}
		stop := make(chan struct{})
		gc.shared[w] = &sharedHandle{stop: stop}
		p := &Shared{
			Key:      w.key,
			TopicID:  w.topicID,
			Deps:     gc.Deps,
			Subs:     gc.Subs,
			Retained: gc.Retained,
			Stop:     stop,
			OnError:  gc.OnError,
		}
		go p.Run(ctx)
	}
}

func (gc *GC) stopAll() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for key, h := range gc.exclusive {
		close(h.stop)
		delete(gc.exclusive, key)
	}
	for key, h := range gc.shared {
		close(h.stop)
		delete(gc.shared, key)
	}
}
