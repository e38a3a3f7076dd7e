package pump

import (
	"sync"

	"github.com/driftmq/broker/internal/packets"
	"github.com/driftmq/broker/internal/qos"
)

type sentPacket struct {
	connID string
	pkt    packets.Packet
}

// fakeSender records every packet handed to it and, unless told to swallow
// acks for a client, immediately completes the matching ledger waiter —
// standing in for a real client's PUBACK/PUBREC/PUBCOMP round trip.
type fakeSender struct {
	mu           sync.Mutex
	sent         []sentPacket
	registry     *qos.Registry
	connToClient map[string]string
	noAckFor     map[string]bool
	failSendFor  map[string]bool
}

func newFakeSender(registry *qos.Registry, connToClient map[string]string) *fakeSender {
	return &fakeSender{
		registry:     registry,
		connToClient: connToClient,
		noAckFor:     make(map[string]bool),
		failSendFor:  make(map[string]bool),
	}
}

func (f *fakeSender) Send(connID string, pkt packets.Packet) error {
	clientID := f.connToClient[connID]

	f.mu.Lock()
	f.sent = append(f.sent, sentPacket{connID: connID, pkt: pkt})
	fail := f.failSendFor[clientID]
	noAck := f.noAckFor[clientID]
	f.mu.Unlock()

	if fail {
		return errNetworkDown
	}
	if noAck {
		return nil
	}

	switch p := pkt.(type) {
	case *packets.PublishPacket:
		if p.QoS > 0 {
			go f.registry.Get(clientID).Complete(p.PacketID, nil)
		}
	case *packets.PubrelPacket:
		go f.registry.Get(clientID).Complete(p.PacketID, nil)
	}
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeConnResolver struct {
	mu sync.RWMutex
	m  map[string]string
}

func newFakeConnResolver() *fakeConnResolver {
	return &fakeConnResolver{m: make(map[string]string)}
}

func (r *fakeConnResolver) set(clientID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[clientID] = connID
}

func (r *fakeConnResolver) ConnectionID(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.m[clientID]
	return id, ok
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errNetworkDown = stubErr("network down")
