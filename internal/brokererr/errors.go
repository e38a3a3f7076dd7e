// Package brokererr defines the error kinds shared across the subscription
// delivery engine (spec.md §7 "Error Handling Design").
package brokererr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every push/ack-path error wraps one of these so
// callers can classify failures with errors.Is without string matching.
var (
	// ErrStorage indicates a failure reading/writing/committing against the
	// topic log. Pumps sleep 500ms and retry.
	ErrStorage = errors.New("storage error")

	// ErrAckTimeout indicates a QoS 1 PUBACK or QoS 2 PUBREC/PUBCOMP was not
	// received within the ack timeout. Shared-leader pumps forward to the
	// next member; exclusive pumps log and drop.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrPacketLengthExceeded indicates a built PUBLISH exceeds the
	// destination connection's configured max packet size.
	ErrPacketLengthExceeded = errors.New("packet length exceeded")

	// ErrConnectionGone indicates the target client has no live connection_id.
	ErrConnectionGone = errors.New("connection gone")

	// ErrChannelClosed indicates the egress channel for a connection is
	// closed; treated as transient, retried next tick.
	ErrChannelClosed = errors.New("egress channel closed")

	// ErrAuthBackend indicates the authentication store is unreachable.
	// CONNECT is rejected with reason ServerUnavailable.
	ErrAuthBackend = errors.New("authentication backend unavailable")

	// ErrFatal indicates an internal invariant violation. The owning pump
	// exits; the lifecycle GC removes it and a fresh pump is started.
	ErrFatal = errors.New("fatal internal error")

	// ErrDisconnected signals an ack waiter that its client disconnected
	// before the ack arrived.
	ErrDisconnected = errors.New("client disconnected")
)

// PushError wraps one of the sentinel kinds above with delivery context
// (which client/topic/pkid it happened for), mirroring the teacher's
// MqttError (reason-code + message + parent) shape.
type PushError struct {
	Kind     error
	ClientID string
	Topic    string
	Pkid     uint16
	Cause    error
}

func (e *PushError) Error() string {
	msg := fmt.Sprintf("%s: client=%s topic=%s", e.Kind, e.ClientID, e.Topic)
	if e.Pkid != 0 {
		msg += fmt.Sprintf(" pkid=%d", e.Pkid)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *PushError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Kind
}

// Is lets errors.Is(err, brokererr.ErrAckTimeout) match a *PushError built
// with that kind, without requiring the exact same Cause.
func (e *PushError) Is(target error) bool {
	return e.Kind == target
}

// New constructs a PushError for the given kind and context.
func New(kind error, clientID, topic string, pkid uint16, cause error) *PushError {
	return &PushError{Kind: kind, ClientID: clientID, Topic: topic, Pkid: pkid, Cause: cause}
}
