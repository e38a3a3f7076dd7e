package subscribe

import "testing"

func newTestManager() *Manager {
	return NewManager(LocalLeaderResolver{}, NoopForwarder{})
}

func TestParseSubscribeExclusive(t *testing.T) {
	m := newTestManager()
	err := m.ParseSubscribe(MQTT5, "c1", "sensors/temp", []FilterSpec{
		{Filter: "sensors/temp", QoS: 1},
	})
	if err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}

	subs := m.ListExclusive("sensors/temp")
	if len(subs) != 1 || subs[0].ClientID != "c1" {
		t.Fatalf("unexpected exclusive subscribers: %+v", subs)
	}
}

func TestParseSubscribeSharedLocalLeader(t *testing.T) {
	m := newTestManager()
	err := m.ParseSubscribe(MQTT5, "c1", "sensors/temp", []FilterSpec{
		{Filter: "$share/g1/sensors/temp", QoS: 1},
	})
	if err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}
	err = m.ParseSubscribe(MQTT5, "c2", "sensors/temp", []FilterSpec{
		{Filter: "$share/g1/sensors/temp", QoS: 1},
	})
	if err != nil {
		t.Fatalf("ParseSubscribe c2: %v", err)
	}

	key := ShareLeaderKey("g1", "sensors/temp")
	g, ok := m.GetShareLeader(key)
	if !ok {
		t.Fatalf("expected local shared-leader group to exist")
	}
	if len(g.SubList) != 2 {
		t.Fatalf("expected 2 members, got %d: %+v", len(g.SubList), g.SubList)
	}
}

func TestParseSubscribeResubscribeUpdatesInPlace(t *testing.T) {
	m := newTestManager()
	m.ParseSubscribe(MQTT5, "c1", "a/b", []FilterSpec{{Filter: "$share/g1/a/b", QoS: 0}})
	m.ParseSubscribe(MQTT5, "c1", "a/b", []FilterSpec{{Filter: "$share/g1/a/b", QoS: 2}})

	key := ShareLeaderKey("g1", "a/b")
	g, _ := m.GetShareLeader(key)
	if len(g.SubList) != 1 || g.SubList[0].QoS != 2 {
		t.Fatalf("expected resubscribe to update in place, got %+v", g.SubList)
	}
}

func TestRemoveSubscribeExclusive(t *testing.T) {
	m := newTestManager()
	m.ParseSubscribe(MQTT5, "c1", "a/b", []FilterSpec{{Filter: "a/b", QoS: 0}})
	m.RemoveSubscribe("c1", []string{"a/b"})

	if subs := m.ListExclusive("a/b"); len(subs) != 0 {
		t.Fatalf("expected no exclusive subscribers after remove, got %+v", subs)
	}
}

func TestRemoveSubscribeSharedLeavesEmptyGroupForGC(t *testing.T) {
	m := newTestManager()
	m.ParseSubscribe(MQTT5, "c1", "a/b", []FilterSpec{{Filter: "$share/g1/a/b", QoS: 0}})
	m.RemoveSubscribe("c1", []string{"$share/g1/a/b"})

	key := ShareLeaderKey("g1", "a/b")
	g, ok := m.GetShareLeader(key)
	if !ok {
		t.Fatalf("expected group entry to remain until GC, got gone")
	}
	if len(g.SubList) != 0 {
		t.Fatalf("expected no members left, got %+v", g.SubList)
	}

	if !m.DeleteEmptyShareLeader(key) {
		t.Fatalf("expected DeleteEmptyShareLeader to remove the now-empty group")
	}
	if _, ok := m.GetShareLeader(key); ok {
		t.Fatalf("expected group to be gone after GC delete")
	}
}

func TestInvalidFilterRejected(t *testing.T) {
	m := newTestManager()
	err := m.ParseSubscribe(MQTT5, "c1", "a/b", []FilterSpec{{Filter: "a/#/b"}})
	if err == nil {
		t.Fatalf("expected error for malformed filter")
	}
}

func TestMatchingTopicsLiteralFilterIsIdentity(t *testing.T) {
	m := newTestManager()
	got := m.MatchingTopics("sensors/temp")
	if len(got) != 1 || got[0] != "sensors/temp" {
		t.Fatalf("expected identity for a wildcard-free filter, got %+v", got)
	}
}

func TestMatchingTopicsWildcardResolvesRegisteredTopics(t *testing.T) {
	m := newTestManager()
	if got := m.MatchingTopics("devices/+/temp"); len(got) != 0 {
		t.Fatalf("expected no matches before any topic is registered, got %+v", got)
	}

	m.RegisterTopic("devices/a/temp")
	m.RegisterTopic("devices/b/temp")
	m.RegisterTopic("devices/a/humidity")

	got := m.MatchingTopics("devices/+/temp")
	if len(got) != 2 {
		t.Fatalf("expected 2 matching topics, got %+v", got)
	}
	for _, want := range []string{"devices/a/temp", "devices/b/temp"} {
		found := false
		for _, g := range got {
			if g == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q among matches, got %+v", want, got)
		}
	}
}

type remoteResolver struct{}

func (remoteResolver) IsLocalLeader(string) bool { return false }

type recordingForwarder struct {
	calls int
}

func (f *recordingForwarder) Forward(string, string, Subscriber) error {
	f.calls++
	return nil
}

func TestParseSubscribeSharedRemoteLeaderForwards(t *testing.T) {
	fwd := &recordingForwarder{}
	m := NewManager(remoteResolver{}, fwd)

	err := m.ParseSubscribe(MQTT5, "c1", "a/b", []FilterSpec{{Filter: "$share/g1/a/b", QoS: 1}})
	if err != nil {
		t.Fatalf("ParseSubscribe: %v", err)
	}
	if fwd.calls != 1 {
		t.Fatalf("expected forward to be called once, got %d", fwd.calls)
	}

	key := ShareLeaderKey("g1", "a/b")
	if _, ok := m.GetShareLeader(key); ok {
		t.Fatalf("expected no local shared-leader group when leader is remote")
	}
}
