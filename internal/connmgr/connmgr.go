// Package connmgr implements the connection manager spec.md §6 names as a
// consumed external interface: send(connection_id, packet),
// get_connect_protocol(connection_id), and a stop broadcast for graceful
// shutdown. It is the one place net.Conn and internal/packets meet, so
// that codec package stays genuinely exercised rather than a dangling
// dependency.
package connmgr

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/driftmq/broker/internal/brokererr"
	"github.com/driftmq/broker/internal/packets"
)

// outgoingBufferSize is the egress channel's bounded capacity spec.md §5
// calls the "backpressure" policy: sends beyond this block the pump,
// which is the intended backpressure signal rather than an unbounded
// queue.
const outgoingBufferSize = 256

// conn is one live connection's write-side state: a single writer
// goroutine draining an outgoing channel, the same shape the teacher's
// client.go uses for its own c.outgoing-to-single-writer path, turned
// inside out (one per accepted connection instead of one per dialed
// client).
type conn struct {
	id       string
	clientID string
	protocol uint8
	netConn  net.Conn

	outgoing chan packets.Packet
	stop     chan struct{}
	closeOne sync.Once
}

func (c *conn) writerLoop() {
	for {
		select {
		case <-c.stop:
			return
		case pkt, ok := <-c.outgoing:
			if !ok {
				return
			}
			if _, err := pkt.WriteTo(c.netConn); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOne.Do(func() {
		close(c.stop)
		c.netConn.Close()
	})
}

// Manager tracks every live connection and implements the send/
// get-connect-protocol/stop-broadcast contract.
type Manager struct {
	mu    sync.RWMutex
	byID  map[string]*conn
}

// NewManager builds an empty connection manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[string]*conn)}
}

// Register adopts an accepted net.Conn, assigns it a connection id, and
// starts its writer goroutine. protocol is 4 or 5, known only once CONNECT
// has been decoded.
func (m *Manager) Register(netConn net.Conn, clientID string, protocol uint8) string {
	c := &conn{
		id:       uuid.NewString(),
		clientID: clientID,
		protocol: protocol,
		netConn:  netConn,
		outgoing: make(chan packets.Packet, outgoingBufferSize),
		stop:     make(chan struct{}),
	}

	m.mu.Lock()
	m.byID[c.id] = c
	m.mu.Unlock()

	go c.writerLoop()
	return c.id
}

// Send enqueues pkt for connectionID's writer goroutine. It returns
// brokererr.ErrConnectionGone if the connection is unknown and
// brokererr.ErrChannelClosed if the connection already stopped; on a full
// outgoing channel it blocks until the writer drains a slot or the
// connection stops. Both errors are transient from the caller's
// point of view and retried next pump tick per spec.md §7.
func (m *Manager) Send(connectionID string, pkt packets.Packet) error {
	m.mu.RLock()
	c, ok := m.byID[connectionID]
	m.mu.RUnlock()
	if !ok {
		return brokererr.New(brokererr.ErrConnectionGone, "", "", 0, fmt.Errorf("connection %s not registered", connectionID))
	}

	select {
	case <-c.stop:
		return brokererr.New(brokererr.ErrChannelClosed, c.clientID, "", 0, fmt.Errorf("connection %s stopped", connectionID))
	default:
	}

	select {
	case c.outgoing <- pkt:
		return nil
	case <-c.stop:
		return brokererr.New(brokererr.ErrChannelClosed, c.clientID, "", 0, fmt.Errorf("connection %s stopped", connectionID))
	}
}

// GetConnectProtocol reports the MQTT protocol version (4 or 5) negotiated
// on connectionID.
func (m *Manager) GetConnectProtocol(connectionID string) (uint8, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[connectionID]
	if !ok {
		return 0, false
	}
	return c.protocol, true
}

// Unregister stops and removes connectionID, closing its socket.
func (m *Manager) Unregister(connectionID string) {
	m.mu.Lock()
	c, ok := m.byID[connectionID]
	if ok {
		delete(m.byID, connectionID)
	}
	m.mu.Unlock()

	if ok {
		c.close()
	}
}

// StopAll broadcasts a stop to every live connection, for graceful
// shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.byID))
	for id, c := range m.byID {
		conns = append(conns, c)
		delete(m.byID, id)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Count reports how many connections are currently registered, used by
// tests and admin introspection.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
