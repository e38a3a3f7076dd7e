package connmgr

import (
	"net"
	"testing"
	"time"

	"github.com/driftmq/broker/internal/brokererr"
	"github.com/driftmq/broker/internal/packets"
)

func TestSendDeliversPacketOverWire(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	m := NewManager()
	id := m.Register(server, "c1", 5)

	readDone := make(chan *packets.PubackPacket, 1)
	go func() {
		pkt, err := packets.ReadPacket(client, 5, 0)
		if err != nil {
			t.Errorf("ReadPacket: %v", err)
			readDone <- nil
			return
		}
		readDone <- pkt.(*packets.PubackPacket)
	}()

	err := m.Send(id, &packets.PubackPacket{PacketID: 42, Version: 5})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-readDone:
		if got == nil || got.PacketID != 42 {
			t.Fatalf("unexpected packet: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestSendToUnknownConnectionReturnsConnectionGone(t *testing.T) {
	m := NewManager()
	err := m.Send("missing", &packets.PubackPacket{})
	if err == nil {
		t.Fatalf("expected an error")
	}
	pe, ok := err.(*brokererr.PushError)
	if !ok || pe.Kind != brokererr.ErrConnectionGone {
		t.Fatalf("expected ErrConnectionGone, got %v", err)
	}
}

func TestGetConnectProtocol(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	m := NewManager()
	id := m.Register(server, "c1", 4)

	v, ok := m.GetConnectProtocol(id)
	if !ok || v != 4 {
		t.Fatalf("expected protocol 4, got %d ok=%v", v, ok)
	}

	if _, ok := m.GetConnectProtocol("missing"); ok {
		t.Fatalf("expected false for unknown connection")
	}
}

func TestUnregisterClosesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	m := NewManager()
	id := m.Register(server, "c1", 5)
	m.Unregister(id)

	if m.Count() != 0 {
		t.Fatalf("expected 0 connections after unregister")
	}
	err := m.Send(id, &packets.PubackPacket{})
	if err == nil {
		t.Fatalf("expected send to a torn-down connection to fail")
	}
}

func TestStopAllClearsRegistry(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		client, server := net.Pipe()
		defer client.Close()
		m.Register(server, "c", 5)
	}
	if m.Count() != 3 {
		t.Fatalf("expected 3 registered connections")
	}
	m.StopAll()
	if m.Count() != 0 {
		t.Fatalf("expected 0 connections after StopAll")
	}
}
