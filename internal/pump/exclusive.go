package pump

import (
	"context"
	"time"

	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/subscribe"
)

// Exclusive is one task per (topic_id, subscriber), keyed by sub_key, per
// spec.md §4.4.
type Exclusive struct {
	TopicID string
	Sub     subscribe.Subscriber
	Deps    Deps
	Stop    chan struct{}

	// OnError is called (never with nil) whenever a batch read or
	// record decode fails; the pump itself never panics on these,
	// matching spec.md §7's "nothing in the core panics on a network or
	// storage error". May be nil.
	OnError func(error)
}

// GroupID is this pump's storage consumer-group id.
func (e *Exclusive) GroupID() string {
	return "exclusive_" + e.Sub.ClientID + "_" + e.TopicID
}

// Run drives the pump body until Stop fires.
func (e *Exclusive) Run(ctx context.Context) {
	groupID := e.GroupID()

	for {
		select {
		case <-e.Stop:
			return
		default:
		}

		records, err := e.Deps.Storage.Read(e.TopicID, groupID, RecordBatchSize)
		if err != nil {
			e.reportError(err)
			if !e.sleepOrStop(EmptyReadSleep) {
				return
			}
			continue
		}
		if len(records) == 0 {
			if !e.sleepOrStop(EmptyReadSleep) {
				return
			}
			continue
		}

		for _, r := range records {
			msg, err := message.DecodeRecord(r.Data)
			if err != nil {
				// A malformed record can never be redelivered
				// successfully; commit past it rather than wedge the
				// pump forever on one poison record.
				e.reportError(err)
				_ = e.Deps.Storage.CommitGroupOffset(e.TopicID, groupID, r.Offset)
				continue
			}

			offset := r.Offset
			commit := func() error {
				return e.Deps.Storage.CommitGroupOffset(e.TopicID, groupID, offset)
			}

			result, err := deliverAs("exclusive", ctx, e.Deps, e.Stop, e.Sub, msg, commit)
			switch result {
			case droppedNoLocal:
				if cerr := commit(); cerr != nil {
					e.reportError(cerr)
				}
			case delivered:
				// already committed inside deliver
			case failed:
				// Per spec.md §4.6, an exclusive pump logs and drops on
				// FAIL; the offset stays uncommitted so the same record
				// is retried on the next tick, and log ordering is
				// preserved by not advancing past it to later records in
				// this batch.
				e.Deps.metrics().IncDropped("exclusive", "ack_timeout")
				e.reportError(err)
				goto nextTick
			}
		}
	nextTick:
	}
}

func (e *Exclusive) reportError(err error) {
	if e.OnError != nil && err != nil {
		e.OnError(err)
	}
}

// sleepOrStop sleeps for d, returning false early (and not sleeping the
// full duration) if Stop fires first.
func (e *Exclusive) sleepOrStop(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.Stop:
		return false
	case <-timer.C:
		return true
	}
}
