package pump

import (
	"context"
	"time"

	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/storage"
	"github.com/driftmq/broker/internal/subscribe"
)

// membershipRefreshSleep is the pause taken when a shared group is
// momentarily empty of members, per spec.md §4.5.
const membershipRefreshSleep = 100 * time.Microsecond

func clampBatch(members int) int {
	r := members * 5
	if r < 100 {
		return 100
	}
	if r > 1000 {
		return 1000
	}
	return r
}

// Shared is one task per (share_leader_key, concrete topic), round-
// robining a shared subscription's messages across its member list with
// QoS retry and failover, per spec.md §4.5. TopicID is the resolved
// concrete topic this instance reads from — GetShareLeader's own
// TopicID is the group's filter path and may carry a wildcard, so the GC
// resolves it through Manager.MatchingTopics before building one Shared
// per matched topic.
type Shared struct {
	Key      string
	TopicID  string
	Deps     Deps
	Subs     *subscribe.Manager
	Retained *message.RetainedStore
	Stop     chan struct{}
	OnError  func(error)

	cursor  int
	members []subscribe.Subscriber
}

func (sh *Shared) groupID() string {
	return "share_" + sh.Key
}

// Run drives the pump body until Stop fires or the shared group itself is
// torn down (GC having removed it from the subscription manager).
func (sh *Shared) Run(ctx context.Context) {
	groupID := sh.groupID()

	for {
		select {
		case <-sh.Stop:
			return
		default:
		}

		g, ok := sh.Subs.GetShareLeader(sh.Key)
		if !ok {
			return
		}
		sh.members = g.SubList

		batch := clampBatch(len(sh.members))
		records, err := sh.Deps.Storage.Read(sh.TopicID, groupID, batch)
		if err != nil {
			sh.reportError(err)
			if !sh.sleepOrStop(EmptyReadSleep) {
				return
			}
			continue
		}
		if len(records) == 0 {
			if !sh.sleepOrStop(EmptyReadSleep) {
				return
			}
			continue
		}

		for _, r := range records {
			if !sh.deliverRecord(ctx, sh.TopicID, groupID, r) {
				return
			}
		}
	}
}

// deliverRecord runs one record through the round-robin attempt loop. It
// returns false if Stop fired mid-delivery and the caller should exit Run.
func (sh *Shared) deliverRecord(ctx context.Context, topicID, groupID string, r storage.Record) bool {
	msg, err := message.DecodeRecord(r.Data)
	if err != nil {
		sh.reportError(err)
		if cerr := sh.Deps.Storage.CommitGroupOffset(topicID, groupID, r.Offset); cerr != nil {
			sh.reportError(cerr)
		}
		return true
	}

	commit := func() error {
		return sh.Deps.Storage.CommitGroupOffset(topicID, groupID, r.Offset)
	}

	attempts := 0
	for attempts <= len(sh.members) {
		select {
		case <-sh.Stop:
			return false
		default:
		}

		if len(sh.members) == 0 {
			time.Sleep(membershipRefreshSleep)
			g, ok := sh.Subs.GetShareLeader(sh.Key)
			if !ok {
				return false
			}
			sh.members = g.SubList
			sh.cursor = 0
			continue
		}
		if sh.cursor >= len(sh.members) {
			g, ok := sh.Subs.GetShareLeader(sh.Key)
			if !ok {
				return false
			}
			sh.members = g.SubList
			sh.cursor = 0
			continue
		}

		sub := sh.members[sh.cursor]
		sh.cursor++

		result, err := deliverAs("shared", ctx, sh.Deps, sh.Stop, sub, msg, commit)
		switch result {
		case droppedNoLocal:
			if cerr := commit(); cerr != nil {
				sh.reportError(cerr)
			}
			return true
		case delivered:
			return true
		case failed:
			sh.reportError(err)
			attempts++
		}
	}

	// |members| failed attempts exhausted: drop the record but still
	// commit its offset, per spec.md §4.5, so one wedged member can never
	// stall the whole group.
	sh.Deps.metrics().IncDropped("shared", "all_members_failed")
	if cerr := commit(); cerr != nil {
		sh.reportError(cerr)
	}
	return true
}

func (sh *Shared) reportError(err error) {
	if sh.OnError != nil && err != nil {
		sh.OnError(err)
	}
}

func (sh *Shared) sleepOrStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-sh.Stop:
		return false
	case <-timer.C:
		return true
	}
}
