package qos

import "testing"

func TestRegistryGetReturnsSameLedgerForSameClient(t *testing.T) {
	r := NewRegistry()
	a := r.Get("c1")
	b := r.Get("c1")
	if a != b {
		t.Fatalf("expected same ledger instance for repeated Get")
	}
}

func TestRegistryDisconnectSignalsWaiters(t *testing.T) {
	r := NewRegistry()
	l := r.Get("c1")
	_, w, _ := l.Allocate()

	r.Disconnect("c1")

	select {
	case <-w.Done():
	default:
		t.Fatalf("expected waiter to complete on Disconnect")
	}

	l2 := r.Get("c1")
	if l2 == l {
		t.Fatalf("expected a fresh ledger after Disconnect")
	}
}
