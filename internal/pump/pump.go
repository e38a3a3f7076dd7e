// Package pump implements the per-subscriber delivery loops: the
// exclusive push pump (C6), the shared-leader push pump (C7), and the
// lifecycle GC that starts and stops them (C10).
package pump

import (
	"context"
	"time"

	"github.com/driftmq/broker/internal/brokererr"
	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/qos"
	"github.com/driftmq/broker/internal/storage"
	"github.com/driftmq/broker/internal/subscribe"
)

// RecordBatchSize is N from spec.md §4.4's exclusive-pump pseudocode, and
// the starting point for R = clamp(|members|*5, 100, 1000) in §4.5.
const RecordBatchSize = 5

// EmptyReadSleep is the pause a pump takes after an empty read before
// trying again.
const EmptyReadSleep = 500 * time.Millisecond

// Sender is the subset of internal/connmgr.Manager a pump needs: deliver
// a packet to a connection.
type Sender interface {
	Send(connectionID string, pkt packets.Packet) error
}

// ConnResolver is the subset of internal/metadata.Cache a pump needs:
// find a client's current connection.
type ConnResolver interface {
	ConnectionID(clientID string) (string, bool)
}

// Deps bundles everything exclusive and shared-leader pumps share, so
// constructing either one is a single struct literal instead of a long
// parameter list.
type Deps struct {
	Storage       storage.Adapter
	Ledgers       *qos.Registry
	Sender        Sender
	Conns         ConnResolver
	AckTimeout    time.Duration
	MaxAckRetries int
	ClusterMaxQoS func() uint8
	Metrics       Metrics
}

// Metrics receives per-delivery counts, the seam internal/metrics hangs its
// Prometheus collectors off of. Never required: a nil Deps.Metrics is
// treated as a no-op, the same pattern internal/keepalive uses for its own
// MetricsSink.
type Metrics interface {
	IncDelivered(kind, qos string)
	IncDropped(kind, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncDelivered(string, string) {}
func (noopMetrics) IncDropped(string, string)   {}

func (d Deps) metrics() Metrics {
	if d.Metrics == nil {
		return noopMetrics{}
	}
	return d.Metrics
}

func effectiveQoS(clusterMaxQoS, subQoS, msgQoS uint8) uint8 {
	q := subQoS
	if msgQoS < q {
		q = msgQoS
	}
	if clusterMaxQoS < q {
		q = clusterMaxQoS
	}
	return q
}

// buildPublish applies spec.md §4.4's build_publish rule: nolocal
// filtering, effective QoS, and the preserve-retain rule. It returns nil
// if the record must be dropped (nolocal self-match) without an error,
// matching "publish is None" in the pseudocode.
func buildPublish(sub subscribe.Subscriber, msg *message.Message, clusterMaxQoS uint8) *packets.PublishPacket {
	if sub.NoLocal && sub.ClientID == msg.ClientID {
		return nil
	}
	effQoS := effectiveQoS(clusterMaxQoS, sub.QoS, msg.QoS)
	retain := msg.Retain && sub.PreserveRetain
	return msg.ToPublish(uint8(sub.Protocol), 0, false, effQoS, retain, sub.SubscriptionID)
}

// deliverResult distinguishes "nolocal dropped this record" (still
// commit, no QoS machine ran) from "record delivered" (the QoS machine
// already committed internally) from "delivery failed" (caller decides
// whether to commit, retry, or forfeit to another member).
type deliverResult int

const (
	delivered deliverResult = iota
	droppedNoLocal
	failed
)

// deliver builds a PUBLISH for sub from msg and pushes it through the
// matching C8 state machine, calling commit at exactly the point
// spec.md's invariant 2 requires: immediately for QoS 0, after PUBACK for
// QoS 1, after PUBREC for QoS 2.
func deliver(ctx context.Context, d Deps, stop <-chan struct{}, sub subscribe.Subscriber, msg *message.Message, commit func() error) (deliverResult, error) {
	return deliverAs("", ctx, d, stop, sub, msg, commit)
}

// deliverAs is deliver with a pump-kind label ("exclusive" or "shared")
// attached to its metrics, so exclusive.go and shared.go can distinguish
// their counters without deliver's core logic knowing which pump called it.
func deliverAs(kind string, ctx context.Context, d Deps, stop <-chan struct{}, sub subscribe.Subscriber, msg *message.Message, commit func() error) (deliverResult, error) {
	pkt := buildPublish(sub, msg, d.ClusterMaxQoS())
	if pkt == nil {
		d.metrics().IncDropped(kind, "nolocal")
		return droppedNoLocal, nil
	}

	connID, ok := d.Conns.ConnectionID(sub.ClientID)
	if !ok {
		return failed, brokererr.New(brokererr.ErrConnectionGone, sub.ClientID, msg.Topic, 0, nil)
	}
	ledger := d.Ledgers.Get(sub.ClientID)
	qosLabel := qosLabelFor(pkt.QoS)

	switch pkt.QoS {
	case 0:
		if err := d.Sender.Send(connID, pkt); err != nil {
			return failed, brokererr.New(brokererr.ErrChannelClosed, sub.ClientID, msg.Topic, 0, err)
		}
		if err := commit(); err != nil {
			return failed, brokererr.New(brokererr.ErrStorage, sub.ClientID, msg.Topic, 0, err)
		}
		d.metrics().IncDelivered(kind, qosLabel)
		return delivered, nil

	case 1:
		err := qos.RunQoS1(ctx, ledger, stop, d.AckTimeout, d.MaxAckRetries, func(dup bool, pkid uint16) error {
			pkt.Dup = dup
			pkt.PacketID = pkid
			return d.Sender.Send(connID, pkt)
		})
		if err != nil {
			return failed, brokererr.New(brokererr.ErrAckTimeout, sub.ClientID, msg.Topic, pkt.PacketID, err)
		}
		if err := commit(); err != nil {
			return failed, brokererr.New(brokererr.ErrStorage, sub.ClientID, msg.Topic, pkt.PacketID, err)
		}
		d.metrics().IncDelivered(kind, qosLabel)
		return delivered, nil

	case 2:
		err := qos.RunQoS2(ctx, ledger, stop, d.AckTimeout, d.MaxAckRetries, qos.QoS2Hooks{
			SendPublish: func(dup bool, pkid uint16) error {
				pkt.Dup = dup
				pkt.PacketID = pkid
				return d.Sender.Send(connID, pkt)
			},
			CommitOffset: commit,
			SendPubrel: func(pkid uint16) error {
				return d.Sender.Send(connID, &packets.PubrelPacket{PacketID: pkid, Version: uint8(sub.Protocol)})
			},
		})
		if err != nil {
			// The offset may already be committed (PUBREC matched before
			// the bounded PUBREL/PUBCOMP loop gave up); this is reported
			// as a failed delivery purely for metrics/logging purposes.
			return failed, brokererr.New(brokererr.ErrAckTimeout, sub.ClientID, msg.Topic, pkt.PacketID, err)
		}
		d.metrics().IncDelivered(kind, qosLabel)
		return delivered, nil
	}
	return failed, brokererr.New(brokererr.ErrFatal, sub.ClientID, msg.Topic, 0, nil)
}

func qosLabelFor(qos uint8) string {
	switch qos {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "2"
	}
}
