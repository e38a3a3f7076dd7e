// Package keepalive implements the keep-alive heartbeat sweeper (spec
// component C5): a sharded heartbeat table scanned on a fixed tick,
// injecting a DISCONNECT for any connection whose heartbeat has gone
// stale.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/subscribe"
)

// DefaultSweepInterval is T_sweep from spec.md §4.3.
const DefaultSweepInterval = 5 * time.Second

// Entry is one tracked connection's heartbeat state.
type Entry struct {
	ConnectionID  string
	ClientID      string
	Protocol      subscribe.Protocol
	KeepAliveSecs uint16
	LastSeen      time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// Manager is the sharded heartbeat table. Sharding follows the same
// contention-reduction reasoning as internal/metadata's cache: many
// connection goroutines call Touch concurrently and should rarely block
// on each other.
type Manager struct {
	shards []*shard
}

// NewManager builds a Manager with shardCount shards; the sweeper bounds
// its parallel scan to shardCount via a semaphore of the same size.
func NewManager(shardCount int) *Manager {
	m := &Manager{shards: make([]*shard, shardCount)}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return m
}

func (m *Manager) shardFor(connectionID string) *shard {
	var h uint32
	for i := 0; i < len(connectionID); i++ {
		h = h*31 + uint32(connectionID[i])
	}
	return m.shards[h%uint32(len(m.shards))]
}

// Register starts tracking a connection's heartbeat.
func (m *Manager) Register(e Entry) {
	s := m.shardFor(e.ConnectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ConnectionID] = e
}

// Unregister stops tracking a connection, called on disconnect.
func (m *Manager) Unregister(connectionID string) {
	s := m.shardFor(connectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, connectionID)
}

// Touch records a heartbeat at the given time, never moving LastSeen
// backwards (spec.md §3 invariant 5).
func (m *Manager) Touch(connectionID string, at time.Time) {
	s := m.shardFor(connectionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[connectionID]
	if !ok || at.Before(e.LastSeen) {
		return
	}
	e.LastSeen = at
	s.entries[connectionID] = e
}

// RequestRouter delivers a built DISCONNECT to the connection identified,
// routed by protocol version exactly like the request queues
// original_source's keep_alive.rs splits into MQTT4 and MQTT5 channels.
type RequestRouter interface {
	RouteMQTT4(connectionID string, pkt *packets.DisconnectPacket) error
	RouteMQTT5(connectionID string, pkt *packets.DisconnectPacket) error
}

// RunInfo records one sweep's timing, mirroring original_source's
// KeepAliveRunInfo.
type RunInfo struct {
	StartTime time.Time
	EndTime   time.Time
}

func (r RunInfo) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// MetricsSink receives sweep timing and disconnect counts. Implementations
// typically wrap a prometheus collector (see internal/metrics).
type MetricsSink interface {
	ObserveSweepDuration(d time.Duration)
	IncStaleDisconnects()
}

// noopSink is used when no MetricsSink is supplied.
type noopSink struct{}

func (noopSink) ObserveSweepDuration(time.Duration) {}
func (noopSink) IncStaleDisconnects()                {}

// Sweeper runs the periodic stale-connection scan.
type Sweeper struct {
	mgr      *Manager
	router   RequestRouter
	metrics  MetricsSink
	interval time.Duration

	// graceFactor multiplies each connection's keep-alive seconds to get
	// the staleness threshold; spec.md's redesign flags expose this as
	// HeartbeatGraceFactor (default 2) instead of hardcoding 2x.
	graceFactor float64
}

// NewSweeper builds a Sweeper over mgr, delivering stale-connection
// DISCONNECTs through router. metrics may be nil.
func NewSweeper(mgr *Manager, router RequestRouter, metrics MetricsSink, interval time.Duration, graceFactor float64) *Sweeper {
	if metrics == nil {
		metrics = noopSink{}
	}
	if graceFactor <= 0 {
		graceFactor = 2.0
	}
	return &Sweeper{mgr: mgr, router: router, metrics: metrics, interval: interval, graceFactor: graceFactor}
}

// Run blocks, sweeping every s.interval, until stop fires.
func (s *Sweeper) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce scans every shard in parallel, bounded by a semaphore sized
// to the shard count, and waits for every shard's scan to finish before
// returning (original_source polls available_permits == shard_num; a
// sync.WaitGroup gives the same "wait for all workers done" barrier
// without polling).
func (s *Sweeper) sweepOnce(ctx context.Context) {
	info := RunInfo{StartTime: time.Now()}
	defer func() {
		info.EndTime = time.Now()
		s.metrics.ObserveSweepDuration(info.Duration())
	}()

	n := int64(len(s.mgr.shards))
	sem := semaphore.NewWeighted(n)
	now := time.Now()

	var wg sync.WaitGroup
	for _, sh := range s.mgr.shards {
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(sh *shard) {
			defer sem.Release(1)
			defer wg.Done()
			s.scanShard(sh, now)
		}(sh)
	}
	wg.Wait()
}

func (s *Sweeper) scanShard(sh *shard, now time.Time) {
	sh.mu.Lock()
	stale := make([]Entry, 0)
	for _, e := range sh.entries {
		maxAge := time.Duration(float64(e.KeepAliveSecs) * s.graceFactor * float64(time.Second))
		if maxAge > 0 && now.Sub(e.LastSeen) > maxAge {
			stale = append(stale, e)
		}
	}
	sh.mu.Unlock()

	for _, e := range stale {
		s.disconnectStale(e)
	}
}

func (s *Sweeper) disconnectStale(e Entry) {
	pkt := &packets.DisconnectPacket{
		ReasonCode: packets.ReasonCodeAdministrativeAction,
		Version:    uint8(e.Protocol),
		Properties: &packets.Properties{
			ReasonString: "keep-alive timeout",
			UserProperties: []packets.UserProperty{
				{Key: "heartbeat_close", Value: "true"},
			},
		},
	}

	var err error
	if e.Protocol == subscribe.MQTT5 {
		err = s.router.RouteMQTT5(e.ConnectionID, pkt)
	} else {
		err = s.router.RouteMQTT4(e.ConnectionID, pkt)
	}
	if err != nil {
		// Channel-send errors are logged and skipped, never panicked on,
		// per spec.md §4.3.
		slog.Warn("keepalive: route DISCONNECT", "connection_id", e.ConnectionID, "client_id", e.ClientID, "err", err)
		return
	}
	s.metrics.IncStaleDisconnects()
	s.mgr.Unregister(e.ConnectionID)
}
