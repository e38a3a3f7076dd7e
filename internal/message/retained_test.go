package message

import "testing"

func TestRetainedStorePutAndMatch(t *testing.T) {
	s := NewRetainedStore()
	s.Put(&Message{Topic: "sensors/room1/temp", Payload: []byte("21"), Retain: true})
	s.Put(&Message{Topic: "sensors/room2/temp", Payload: []byte("19"), Retain: true})

	got := s.Match("sensors/+/temp")
	if len(got) != 2 {
		t.Fatalf("expected 2 retained matches, got %d", len(got))
	}

	if len(s.Match("sensors/room1/temp")) != 1 {
		t.Fatalf("expected exact topic match")
	}

	if len(s.Match("other/#")) != 0 {
		t.Fatalf("expected no match for unrelated filter")
	}
}

func TestRetainedStoreEmptyPayloadClears(t *testing.T) {
	s := NewRetainedStore()
	s.Put(&Message{Topic: "a/b", Payload: []byte("x"), Retain: true})
	if s.Len() != 1 {
		t.Fatalf("expected 1 retained entry")
	}

	s.Put(&Message{Topic: "a/b", Payload: nil, Retain: true})
	if s.Len() != 0 {
		t.Fatalf("expected empty-payload publish to clear retained entry, len=%d", s.Len())
	}
}

func TestRetainedStoreDelete(t *testing.T) {
	s := NewRetainedStore()
	s.Put(&Message{Topic: "a/b", Payload: []byte("x"), Retain: true})
	s.Delete("a/b")
	if s.Len() != 0 {
		t.Fatalf("expected delete to remove entry")
	}
}
