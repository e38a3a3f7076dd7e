package keepalive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/subscribe"
)

type recordingRouter struct {
	mu     sync.Mutex
	mqtt4  []string
	mqtt5  []string
}

func (r *recordingRouter) RouteMQTT4(connectionID string, pkt *packets.DisconnectPacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt4 = append(r.mqtt4, connectionID)
	return nil
}

func (r *recordingRouter) RouteMQTT5(connectionID string, pkt *packets.DisconnectPacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pkt.ReasonCode != packets.ReasonCodeAdministrativeAction {
		panic("expected AdministrativeAction reason code")
	}
	r.mqtt5 = append(r.mqtt5, connectionID)
	return nil
}

func TestSweeperDisconnectsStaleConnections(t *testing.T) {
	mgr := NewManager(4)
	mgr.Register(Entry{
		ConnectionID:  "conn-stale",
		Protocol:      subscribe.MQTT5,
		KeepAliveSecs: 1,
		LastSeen:      time.Now().Add(-10 * time.Second),
	})
	mgr.Register(Entry{
		ConnectionID:  "conn-fresh",
		Protocol:      subscribe.MQTT4,
		KeepAliveSecs: 60,
		LastSeen:      time.Now(),
	})

	router := &recordingRouter{}
	sweeper := NewSweeper(mgr, router, nil, time.Hour, 2.0)
	sweeper.sweepOnce(context.Background())

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.mqtt5) != 1 || router.mqtt5[0] != "conn-stale" {
		t.Fatalf("expected conn-stale disconnected via MQTT5, got %v", router.mqtt5)
	}
	if len(router.mqtt4) != 0 {
		t.Fatalf("expected conn-fresh to survive, got mqtt4 disconnects %v", router.mqtt4)
	}
}

func TestSweeperUnregistersAfterDisconnect(t *testing.T) {
	mgr := NewManager(2)
	mgr.Register(Entry{ConnectionID: "c1", Protocol: subscribe.MQTT4, KeepAliveSecs: 1, LastSeen: time.Now().Add(-time.Minute)})

	sweeper := NewSweeper(mgr, &recordingRouter{}, nil, time.Hour, 2.0)
	sweeper.sweepOnce(context.Background())

	found := false
	for _, sh := range mgr.shards {
		sh.mu.Lock()
		if _, ok := sh.entries["c1"]; ok {
			found = true
		}
		sh.mu.Unlock()
	}
	if found {
		t.Fatalf("expected stale connection to be unregistered after disconnect")
	}
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	mgr := NewManager(1)
	now := time.Now()
	mgr.Register(Entry{ConnectionID: "c1", LastSeen: now})

	mgr.Touch("c1", now.Add(-time.Hour))
	sh := mgr.shardFor("c1")
	sh.mu.Lock()
	got := sh.entries["c1"].LastSeen
	sh.mu.Unlock()
	if !got.Equal(now) {
		t.Fatalf("Touch moved LastSeen backwards: %v", got)
	}
}

func TestRunStopsOnStopChannel(t *testing.T) {
	mgr := NewManager(1)
	sweeper := NewSweeper(mgr, &recordingRouter{}, nil, time.Millisecond, 2.0)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background(), stop)
		close(done)
	}()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sweeper.Run did not exit after stop was closed")
	}
}
