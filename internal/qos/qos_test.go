package qos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftmq/broker/internal/brokererr"
)

func TestLedgerAllocateSkipsInFlight(t *testing.T) {
	l := NewLedger()
	pkid1, _, err := l.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	pkid2, _, err := l.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pkid1 == pkid2 {
		t.Fatalf("expected distinct pkids, got %d twice", pkid1)
	}
	if l.InFlightCount() != 2 {
		t.Fatalf("expected 2 in flight, got %d", l.InFlightCount())
	}
}

func TestLedgerCompleteFreesSlot(t *testing.T) {
	l := NewLedger()
	pkid, w, _ := l.Allocate()

	if !l.Complete(pkid, nil) {
		t.Fatalf("expected Complete to find the waiter")
	}
	select {
	case <-w.Done():
	default:
		t.Fatalf("expected waiter to be done after Complete")
	}
	if l.InFlightCount() != 0 {
		t.Fatalf("expected 0 in flight after complete, got %d", l.InFlightCount())
	}

	if l.Complete(pkid, nil) {
		t.Fatalf("expected second Complete for the same pkid to report false")
	}
}

func TestLedgerDisconnectAllSignalsWaiters(t *testing.T) {
	l := NewLedger()
	_, w1, _ := l.Allocate()
	_, w2, _ := l.Allocate()

	l.DisconnectAll()

	for _, w := range []*Waiter{w1, w2} {
		select {
		case <-w.Done():
			if !errors.Is(w.Err(), brokererr.ErrDisconnected) {
				t.Fatalf("expected ErrDisconnected, got %v", w.Err())
			}
		default:
			t.Fatalf("expected waiter to be completed by DisconnectAll")
		}
	}
	if l.InFlightCount() != 0 {
		t.Fatalf("expected ledger empty after DisconnectAll")
	}
}

func TestRunQoS1SucceedsOnFirstAck(t *testing.T) {
	l := NewLedger()
	stop := make(chan struct{})

	var gotPkid uint16
	err := RunQoS1(context.Background(), l, stop, time.Second, 2, func(dup bool, pkid uint16) error {
		gotPkid = pkid
		go l.Complete(pkid, nil)
		return nil
	})
	if err != nil {
		t.Fatalf("RunQoS1: %v", err)
	}
	if gotPkid == 0 {
		t.Fatalf("expected a pkid to be allocated")
	}
}

func TestRunQoS1FailsAfterMaxRetries(t *testing.T) {
	l := NewLedger()
	stop := make(chan struct{})
	var sends int32

	err := RunQoS1(context.Background(), l, stop, 20*time.Millisecond, 2, func(dup bool, pkid uint16) error {
		atomic.AddInt32(&sends, 1)
		return nil // never ack
	})
	if !errors.Is(err, brokererr.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if atomic.LoadInt32(&sends) != 3 { // initial + 2 retries
		t.Fatalf("expected 3 send attempts, got %d", sends)
	}
	if l.InFlightCount() != 0 {
		t.Fatalf("expected pkid freed after failure, got %d in flight", l.InFlightCount())
	}
}

func TestRunQoS1StopsOnDisconnect(t *testing.T) {
	l := NewLedger()
	stop := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stop)
	}()

	err := RunQoS1(context.Background(), l, stop, time.Second, 3, func(dup bool, pkid uint16) error {
		return nil
	})
	if !errors.Is(err, brokererr.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestRunQoS2CommitsBeforePubrel(t *testing.T) {
	l := NewLedger()
	stop := make(chan struct{})

	var events []string
	var pkidSeen uint16

	hooks := QoS2Hooks{
		SendPublish: func(dup bool, pkid uint16) error {
			events = append(events, "publish")
			pkidSeen = pkid
			go l.Complete(pkid, nil) // simulate PUBREC arriving
			return nil
		},
		CommitOffset: func() error {
			events = append(events, "commit")
			return nil
		},
		SendPubrel: func(pkid uint16) error {
			events = append(events, "pubrel")
			go l.Complete(pkid, nil) // simulate PUBCOMP arriving
			return nil
		},
	}

	err := RunQoS2(context.Background(), l, stop, time.Second, 2, hooks)
	if err != nil {
		t.Fatalf("RunQoS2: %v", err)
	}
	if pkidSeen == 0 {
		t.Fatalf("expected a pkid to be used")
	}
	if len(events) != 3 || events[0] != "publish" || events[1] != "commit" || events[2] != "pubrel" {
		t.Fatalf("unexpected event order: %v", events)
	}
}

func TestRunQoS2FailsAfterMaxPubrelRetries(t *testing.T) {
	l := NewLedger()
	stop := make(chan struct{})
	var pubrelSends int32

	hooks := QoS2Hooks{
		SendPublish: func(dup bool, pkid uint16) error {
			go l.Complete(pkid, nil)
			return nil
		},
		CommitOffset: func() error { return nil },
		SendPubrel: func(pkid uint16) error {
			atomic.AddInt32(&pubrelSends, 1)
			return nil // never ack PUBCOMP
		},
	}

	err := RunQoS2(context.Background(), l, stop, 10*time.Millisecond, 1, hooks)
	if !errors.Is(err, brokererr.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if int(pubrelSends) != MaxPubrelRetries {
		t.Fatalf("expected %d pubrel sends, got %d", MaxPubrelRetries, pubrelSends)
	}
}
