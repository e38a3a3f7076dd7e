// Package message defines the broker's in-memory and on-log representation
// of a published MQTT application message (spec component C1's payload
// unit) and the retained-message store (spec component C9).
package message

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/driftmq/broker/internal/packets"
)

// Message is a decoded MQTT application message, independent of any single
// PUBLISH packet that carries it. It is what gets appended to a topic log
// and what a pump re-wraps into an outgoing PublishPacket for each
// subscriber.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      uint8
	Retain   bool
	ClientID string // originating publisher, used for the "no local" rule

	// MQTT v5 fields. Zero values mean "absent" for optional ones.
	PayloadFormatIndicator uint8
	MessageExpiryInterval  uint32
	ContentType            string
	ResponseTopic          string
	CorrelationData        []byte
	UserProperties         []packets.UserProperty
}

// FromPublish builds a Message from a decoded PUBLISH packet.
func FromPublish(p *packets.PublishPacket) *Message {
	m := &Message{
		Topic:    p.Topic,
		Payload:  append([]byte(nil), p.Payload...),
		QoS:      p.QoS,
		Retain:   p.Retain,
	}
	if p.Properties != nil {
		m.PayloadFormatIndicator = p.Properties.PayloadFormatIndicator
		m.MessageExpiryInterval = p.Properties.MessageExpiryInterval
		m.ContentType = p.Properties.ContentType
		m.ResponseTopic = p.Properties.ResponseTopic
		m.CorrelationData = append([]byte(nil), p.Properties.CorrelationData...)
		m.UserProperties = append([]packets.UserProperty(nil), p.Properties.UserProperties...)
	}
	return m
}

// ToPublish builds an outgoing PUBLISH packet carrying this message to a
// specific subscriber. qos is the already-negotiated min(cluster_qos,
// subscribe.qos, msg.qos); retain reflects the subscribe option's
// retain-as-published rule, not m.Retain directly.
func (m *Message) ToPublish(version uint8, pkid uint16, dup bool, qos uint8, retain bool, subscriptionID int) *packets.PublishPacket {
	pkt := &packets.PublishPacket{
		Dup:      dup,
		QoS:      qos,
		Retain:   retain,
		Topic:    m.Topic,
		PacketID: pkid,
		Payload:  m.Payload,
		Version:  version,
	}
	if version >= 5 {
		props := &packets.Properties{
			PayloadFormatIndicator: m.PayloadFormatIndicator,
			MessageExpiryInterval:  m.MessageExpiryInterval,
			ContentType:            m.ContentType,
			ResponseTopic:          m.ResponseTopic,
			CorrelationData:        m.CorrelationData,
			UserProperties:         m.UserProperties,
		}
		if subscriptionID > 0 {
			props.SubscriptionIdentifier = []int{subscriptionID}
		}
		pkt.Properties = props
	}
	return pkt
}

// record is the on-log envelope: everything needed to reconstruct a Message
// plus the metadata a consumer-group offset cursor needs (none beyond the
// slot index itself, which the storage adapter assigns).
type record struct {
	Topic                  string                 `json:"topic"`
	Payload                []byte                 `json:"payload"`
	QoS                    uint8                  `json:"qos"`
	Retain                 bool                   `json:"retain"`
	ClientID               string                 `json:"client_id,omitempty"`
	PayloadFormatIndicator uint8                  `json:"pfi,omitempty"`
	MessageExpiryInterval  uint32                 `json:"expiry,omitempty"`
	ContentType            string                 `json:"content_type,omitempty"`
	ResponseTopic          string                 `json:"response_topic,omitempty"`
	CorrelationData        []byte                 `json:"correlation_data,omitempty"`
	UserProperties         []packets.UserProperty `json:"user_properties,omitempty"`
}

// recordMagic prefixes every encoded record so a reader can detect format
// drift across broker versions instead of silently decoding garbage.
const recordMagic uint8 = 0x4D // 'M'

// EncodeRecord serializes m into the byte slice appended to a topic log.
func EncodeRecord(m *Message) ([]byte, error) {
	body, err := json.Marshal(record{
		Topic:                  m.Topic,
		Payload:                m.Payload,
		QoS:                    m.QoS,
		Retain:                 m.Retain,
		ClientID:               m.ClientID,
		PayloadFormatIndicator: m.PayloadFormatIndicator,
		MessageExpiryInterval:  m.MessageExpiryInterval,
		ContentType:            m.ContentType,
		ResponseTopic:          m.ResponseTopic,
		CorrelationData:        m.CorrelationData,
		UserProperties:         m.UserProperties,
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	out := make([]byte, 0, len(body)+5)
	out = append(out, recordMagic)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out, nil
}

// DecodeRecord parses a byte slice previously produced by EncodeRecord.
func DecodeRecord(buf []byte) (*Message, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("decode record: short buffer (%d bytes)", len(buf))
	}
	if buf[0] != recordMagic {
		return nil, fmt.Errorf("decode record: bad magic byte 0x%02x", buf[0])
	}
	n := binary.BigEndian.Uint32(buf[1:5])
	if int(n) != len(buf)-5 {
		return nil, fmt.Errorf("decode record: length mismatch, header says %d, have %d", n, len(buf)-5)
	}
	var r record
	if err := json.Unmarshal(buf[5:], &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &Message{
		Topic:                  r.Topic,
		Payload:                r.Payload,
		QoS:                    r.QoS,
		Retain:                 r.Retain,
		ClientID:               r.ClientID,
		PayloadFormatIndicator: r.PayloadFormatIndicator,
		MessageExpiryInterval:  r.MessageExpiryInterval,
		ContentType:            r.ContentType,
		ResponseTopic:          r.ResponseTopic,
		CorrelationData:        r.CorrelationData,
		UserProperties:         r.UserProperties,
	}, nil
}
