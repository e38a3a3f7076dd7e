package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/driftmq/broker/internal/auth"
	"github.com/driftmq/broker/internal/engine"
	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/subscribe"
)

// session drives one accepted connection through CONNECT, then loops
// reading packets until the peer disconnects or the listener shuts down.
// Grounded on the teacher's client.go readLoop/logicLoop split, collapsed
// server-side into a single goroutine per connection since the broker has
// no client-style outbound request queue to multiplex against.
type session struct {
	broker       *engine.Broker
	conn         net.Conn
	logger       *slog.Logger
	clientID     string
	connectionID string
	version      uint8
}

func newSession(b *engine.Broker, conn net.Conn, logger *slog.Logger) *session {
	return &session{broker: b, conn: conn, logger: logger}
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	if err := s.handleConnect(); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("connect failed", "err", err, "remote", s.conn.RemoteAddr())
		}
		return
	}
	defer s.broker.UnregisterConnection(s.clientID, s.connectionID)

	for {
		pkt, err := packets.ReadPacket(s.conn, s.version, 0)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read packet", "client_id", s.clientID, "err", err)
			}
			return
		}
		s.broker.Touch(s.connectionID)

		if err := s.dispatch(ctx, pkt); err != nil {
			s.logger.Warn("dispatch", "client_id", s.clientID, "type", pkt.Type(), "err", err)
			return
		}
	}
}

func (s *session) handleConnect() error {
	pkt, err := packets.ReadPacket(s.conn, 5, 0)
	if err != nil {
		return err
	}
	connect, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		return errors.New("first packet was not CONNECT")
	}

	s.version = connect.ProtocolLevel
	s.clientID = connect.ClientID
	if s.clientID == "" {
		s.clientID = uuid.NewString()
	}

	ok, authErr := s.broker.Authenticate(auth.Login{Username: connect.Username, Password: connect.Password})
	if authErr != nil {
		_, _ = (&packets.ConnackPacket{ReturnCode: packets.ReasonCodeServerUnavailable}).WriteTo(s.conn)
		return authErr
	}
	if !ok {
		_, _ = (&packets.ConnackPacket{ReturnCode: packets.ReasonCodeBadUsernameOrPassword}).WriteTo(s.conn)
		return errors.New("authentication rejected")
	}

	protocol := subscribe.MQTT4
	if s.version >= 5 {
		protocol = subscribe.MQTT5
	}
	s.connectionID = s.broker.RegisterConnection(s.conn, s.clientID, protocol, connect.KeepAlive)

	_, err = (&packets.ConnackPacket{ReturnCode: packets.ReasonCodeSuccess}).WriteTo(s.conn)
	return err
}

func (s *session) dispatch(ctx context.Context, pkt packets.Packet) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return s.handlePublish(ctx, p)
	case *packets.SubscribePacket:
		return s.handleSubscribe(p)
	case *packets.UnsubscribePacket:
		return s.handleUnsubscribe(p)
	case *packets.PingreqPacket:
		_, err := (&packets.PingrespPacket{}).WriteTo(s.conn)
		return err
	case *packets.PubackPacket:
		s.broker.QoSRegistry.Get(s.clientID).Complete(p.PacketID, nil)
		return nil
	case *packets.PubrecPacket:
		s.broker.QoSRegistry.Get(s.clientID).Complete(p.PacketID, nil)
		return nil
	case *packets.PubrelPacket:
		s.broker.QoSRegistry.Get(s.clientID).Complete(p.PacketID, nil)
		return nil
	case *packets.PubcompPacket:
		s.broker.QoSRegistry.Get(s.clientID).Complete(p.PacketID, nil)
		return nil
	case *packets.DisconnectPacket:
		return io.EOF
	default:
		return nil
	}
}

func (s *session) handlePublish(ctx context.Context, p *packets.PublishPacket) error {
	msg := message.FromPublish(p)
	msg.ClientID = s.clientID

	if err := s.broker.Publish(ctx, p.Topic, msg); err != nil {
		return err
	}

	switch p.QoS {
	case 1:
		_, err := (&packets.PubackPacket{PacketID: p.PacketID, Version: s.version}).WriteTo(s.conn)
		return err
	case 2:
		_, err := (&packets.PubrecPacket{PacketID: p.PacketID, Version: s.version}).WriteTo(s.conn)
		return err
	default:
		return nil
	}
}

func (s *session) handleSubscribe(p *packets.SubscribePacket) error {
	filters := make([]subscribe.FilterSpec, len(p.Topics))
	returnCodes := make([]uint8, len(p.Topics))
	for i, topic := range p.Topics {
		qos := p.QoS[i]
		filters[i] = subscribe.FilterSpec{
			Filter: topic,
			QoS:    qos,
		}
		if i < len(p.NoLocal) {
			filters[i].NoLocal = p.NoLocal[i]
		}
		if i < len(p.RetainAsPublished) {
			filters[i].PreserveRetain = p.RetainAsPublished[i]
		}
		if i < len(p.RetainHandling) {
			filters[i].RetainForwardRule = subscribe.RetainForwardRule(p.RetainHandling[i])
		}
		returnCodes[i] = qos
	}

	protocol := subscribe.MQTT4
	if s.version >= 5 {
		protocol = subscribe.MQTT5
	}
	if err := s.broker.Subscribe(protocol, s.clientID, p.Topics[0], filters); err != nil {
		for i := range returnCodes {
			returnCodes[i] = packets.ReasonCodeUnspecifiedError
		}
	}

	_, err := (&packets.SubackPacket{PacketID: p.PacketID, ReturnCodes: returnCodes, Version: s.version}).WriteTo(s.conn)
	return err
}

func (s *session) handleUnsubscribe(p *packets.UnsubscribePacket) error {
	s.broker.Unsubscribe(s.clientID, p.Topics)
	_, err := (&packets.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: make([]uint8, len(p.Topics)), Version: s.version}).WriteTo(s.conn)
	return err
}
