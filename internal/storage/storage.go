// Package storage defines the message-log contract the delivery engine
// reads from and writes to (spec component C1), plus two adapters: an
// in-memory reference implementation and a durable bbolt-backed one.
package storage

import (
	"fmt"
	"math/big"
)

// Offset is the 128-bit monotonically increasing position of a record
// within a topic's log. big.Int is the only stdlib type wide enough; an
// Offset is always non-negative.
type Offset struct {
	v *big.Int
}

// ZeroOffset is the log position before the first record.
func ZeroOffset() Offset { return Offset{v: big.NewInt(0)} }

// OffsetFromUint64 builds an Offset from a plain counter, the common case
// for adapters that never need the full 128 bits.
func OffsetFromUint64(n uint64) Offset {
	return Offset{v: new(big.Int).SetUint64(n)}
}

// Next returns the offset one past o.
func (o Offset) Next() Offset {
	return Offset{v: new(big.Int).Add(o.v, big.NewInt(1))}
}

// Cmp compares two offsets the way big.Int.Cmp does: -1, 0, 1.
func (o Offset) Cmp(other Offset) int {
	return o.v.Cmp(other.v)
}

// String renders the offset in decimal, the form ParseOffset reads back;
// bbolt keys use Bytes instead.
func (o Offset) String() string {
	if o.v == nil {
		return "0"
	}
	return o.v.String()
}

// Bytes returns a big-endian, fixed-width (16 byte) encoding suitable as a
// bbolt key component, so lexicographic byte order matches numeric order.
func (o Offset) Bytes() []byte {
	buf := make([]byte, 16)
	o.v.FillBytes(buf)
	return buf
}

// OffsetFromBytes is the inverse of Bytes.
func OffsetFromBytes(b []byte) Offset {
	return Offset{v: new(big.Int).SetBytes(b)}
}

// ParseOffset parses the decimal form produced by String.
func ParseOffset(s string) (Offset, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Offset{}, fmt.Errorf("storage: invalid offset %q", s)
	}
	return Offset{v: v}, nil
}

// Record is one entry in a topic log: an opaque payload (an encoded
// message.Message, though this package does not depend on that to avoid an
// import cycle) tagged with its log position.
type Record struct {
	Offset Offset
	Data   []byte
}

// Adapter is the message storage contract spec.md's external interfaces
// section names: append, read-from-offset, commit-group-offset over a
// topic log. Implementations must guarantee: reads return records strictly
// after the group's committed offset; commits are idempotent and strictly
// monotonic per (topic, group).
type Adapter interface {
	// Append adds records to topic's log, assigning each the next offset.
	Append(topicID string, payloads [][]byte) error

	// Read returns up to n records on topic strictly after group's
	// committed offset, in log order.
	Read(topicID, groupID string, n int) ([]Record, error)

	// CommitGroupOffset advances group's committed offset on topic to
	// offset. Committing an offset not greater than the current one is a
	// no-op (idempotent), never an error.
	CommitGroupOffset(topicID, groupID string, offset Offset) error

	// CommittedOffset reports group's current committed offset on topic,
	// ZeroOffset if the group has never committed.
	CommittedOffset(topicID, groupID string) (Offset, error)
}
