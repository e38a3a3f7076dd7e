package pump

import (
	"context"
	"testing"
	"time"

	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/qos"
	"github.com/driftmq/broker/internal/storage"
	"github.com/driftmq/broker/internal/subscribe"
)

func joinShare(t *testing.T, mgr *subscribe.Manager, clientID string) {
	t.Helper()
	err := mgr.ParseSubscribe(subscribe.MQTT5, clientID, "t", []subscribe.FilterSpec{
		{Filter: "$share/g/t", QoS: 0},
	})
	if err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}
}

func TestSharedFairnessRoundRobin(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	appendMessages(t, adapter, "t", []*message.Message{
		{Topic: "t", Payload: []byte("1"), QoS: 0},
		{Topic: "t", Payload: []byte("2"), QoS: 0},
		{Topic: "t", Payload: []byte("3"), QoS: 0},
		{Topic: "t", Payload: []byte("4"), QoS: 0},
		{Topic: "t", Payload: []byte("5"), QoS: 0},
		{Topic: "t", Payload: []byte("6"), QoS: 0},
	})

	mgr := subscribe.NewManager(subscribe.LocalLeaderResolver{}, subscribe.NoopForwarder{})
	joinShare(t, mgr, "m1")
	joinShare(t, mgr, "m2")
	joinShare(t, mgr, "m3")

	resolver := newFakeConnResolver()
	resolver.set("m1", "conn-m1")
	resolver.set("m2", "conn-m2")
	resolver.set("m3", "conn-m3")
	registry := qos.NewRegistry()
	sender := newFakeSender(registry, map[string]string{
		"conn-m1": "m1", "conn-m2": "m2", "conn-m3": "m3",
	})

	deps := Deps{
		Storage:       adapter,
		Ledgers:       registry,
		Sender:        sender,
		Conns:         resolver,
		AckTimeout:    50 * time.Millisecond,
		MaxAckRetries: 1,
		ClusterMaxQoS: func() uint8 { return 2 },
	}

	key := subscribe.ShareLeaderKey("g", "t")
	sh := &Shared{Key: key, Deps: deps, Subs: mgr, Retained: message.NewRetainedStore(), Stop: make(chan struct{})}

	go sh.Run(context.Background())
	defer close(sh.Stop)

	waitForCommit(t, adapter, "t", sh.groupID(), 6)

	wantOrder := []string{"conn-m1", "conn-m2", "conn-m3", "conn-m1", "conn-m2", "conn-m3"}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 6 {
		t.Fatalf("expected 6 delivered packets, got %d", len(sender.sent))
	}
	for i, want := range wantOrder {
		if sender.sent[i].connID != want {
			t.Fatalf("record %d: expected delivery to %s, got %s", i, want, sender.sent[i].connID)
		}
	}
}

func TestSharedFailoverSkipsTimedOutMember(t *testing.T) {
	adapter := storage.NewMemoryAdapter()
	appendMessages(t, adapter, "t", []*message.Message{
		{Topic: "t", Payload: []byte("1"), QoS: 1},
		{Topic: "t", Payload: []byte("2"), QoS: 1},
	})

	mgr := subscribe.NewManager(subscribe.LocalLeaderResolver{}, subscribe.NoopForwarder{})
	joinShare(t, mgr, "m1")
	joinShare(t, mgr, "m2")

	resolver := newFakeConnResolver()
	resolver.set("m1", "conn-m1")
	resolver.set("m2", "conn-m2")
	registry := qos.NewRegistry()
	sender := newFakeSender(registry, map[string]string{
		"conn-m1": "m1", "conn-m2": "m2",
	})
	sender.noAckFor["m1"] = true

	deps := Deps{
		Storage:       adapter,
		Ledgers:       registry,
		Sender:        sender,
		Conns:         resolver,
		AckTimeout:    10 * time.Millisecond,
		MaxAckRetries: 0,
		ClusterMaxQoS: func() uint8 { return 2 },
	}

	key := subscribe.ShareLeaderKey("g", "t")
	sh := &Shared{Key: key, Deps: deps, Subs: mgr, Retained: message.NewRetainedStore(), Stop: make(chan struct{})}

	go sh.Run(context.Background())
	defer close(sh.Stop)

	waitForCommit(t, adapter, "t", sh.groupID(), 2)

	m1Deliveries, m2Deliveries := 0, 0
	sender.mu.Lock()
	for _, s := range sender.sent {
		if _, ok := s.pkt.(*packets.PublishPacket); !ok {
			continue
		}
		switch s.connID {
		case "conn-m1":
			m1Deliveries++
		case "conn-m2":
			m2Deliveries++
		}
	}
	sender.mu.Unlock()

	if m2Deliveries != 2 {
		t.Fatalf("expected 2 publishes delivered to m2, got %d", m2Deliveries)
	}
	_ = m1Deliveries // m1 is attempted (and times out) but never completes a delivery
}
