package mq

import (
	"errors"
	"testing"
	"time"

	"github.com/tinfoilcode/mqgo/internal/packets"
)

func newLogicTestClient(store Persistence) *Client {
	opts := defaultOptions("tcp://localhost:1883")
	opts.Persistence = store
	return &Client{
		opts:          opts,
		pending:       make(map[uint16]*pendingOp),
		subscriptions: make(map[string]subscriptionEntry),
		outgoing:      make(chan packets.Packet, 10),
		incoming:      make(chan packets.Packet, 10),
		stop:          make(chan struct{}),
		outbound:      newInflightTable(),
		inbound:       newInflightTable(),
		recvQueue:     newReceivedQueue(),
	}
}

// seedOutbound installs an outbound in-flight publish with its pending op and
// persisted record, as internalPublish would have left it.
func seedOutbound(t *testing.T, c *Client, id uint16, qos uint8, next nextExpected) *token {
	t.Helper()

	pkt := &packets.PublishPacket{
		PacketID: id,
		Topic:    "t",
		Payload:  []byte("payload"),
		QoS:      qos,
		Version:  c.opts.ProtocolVersion,
	}
	tkn := newToken()
	c.pending[id] = &pendingOp{
		packet:    pkt,
		token:     tkn,
		qos:       qos,
		timestamp: time.Now(),
	}
	c.outbound.append(&inflightMessage{
		PacketID:  id,
		QoS:       qos,
		Pub:       newPublication(pkt.Topic, pkt.Payload),
		Next:      next,
		TouchedAt: time.Now(),
	})
	if c.opts.Persistence != nil {
		if err := persistOutboundPublish(c.opts.Persistence, pkt); err != nil {
			t.Fatalf("persistOutboundPublish: %v", err)
		}
		if next == expectPubcomp {
			pubrel := &packets.PubrelPacket{PacketID: id, Version: c.opts.ProtocolVersion}
			if err := persistPubrelMarker(c.opts.Persistence, pubrel); err != nil {
				t.Fatalf("persistPubrelMarker: %v", err)
			}
		}
	}
	return tkn
}

func TestHandlePuback(t *testing.T) {
	store := NewMemoryStore()
	c := newLogicTestClient(store)
	tkn := seedOutbound(t, c, 10, 1, expectPuback)

	c.handlePuback(&packets.PubackPacket{PacketID: 10})

	select {
	case <-tkn.Done():
		if tkn.Error() != nil {
			t.Errorf("expected no error, got %v", tkn.Error())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("token should be completed")
	}

	if _, ok := c.pending[10]; ok {
		t.Error("pending operation should be removed")
	}
	if c.outbound.has(10) {
		t.Error("outbound table should no longer hold id 10")
	}
	if store.ContainsKey(outboundKey(10)) {
		t.Error("persisted record should be removed on PUBACK")
	}
}

func TestHandlePubrec(t *testing.T) {
	store := NewMemoryStore()
	c := newLogicTestClient(store)
	seedOutbound(t, c, 11, 2, expectPubrec)

	c.handlePubrec(&packets.PubrecPacket{PacketID: 11})

	select {
	case p := <-c.outgoing:
		if _, ok := p.(*packets.PubrelPacket); !ok {
			t.Fatalf("expected PUBREL after PUBREC, got %T", p)
		}
	default:
		t.Fatal("no packet sent after PUBREC")
	}

	msg, ok := c.outbound.find(11)
	if !ok {
		t.Fatal("outbound message must remain in flight until PUBCOMP")
	}
	if msg.Next != expectPubcomp {
		t.Errorf("Next = %v, want expectPubcomp", msg.Next)
	}
	if !store.ContainsKey(pubrelKey(11)) {
		t.Error("PUBREL marker should be persisted")
	}
}

func TestHandlePubrel(t *testing.T) {
	store := NewMemoryStore()
	c := newLogicTestClient(store)

	inboundPkt := &packets.PublishPacket{
		PacketID: 7,
		Topic:    "q2",
		Payload:  []byte("x"),
		QoS:      2,
		Version:  c.opts.ProtocolVersion,
	}
	c.inbound.append(&inflightMessage{
		PacketID:  7,
		QoS:       2,
		Pub:       newPublication(inboundPkt.Topic, inboundPkt.Payload),
		Next:      expectPubrel,
		TouchedAt: time.Now(),
	})
	if err := persistInboundPublish(store, inboundPkt); err != nil {
		t.Fatalf("persistInboundPublish: %v", err)
	}

	c.handlePubrel(&packets.PubrelPacket{PacketID: 7})

	select {
	case p := <-c.outgoing:
		if _, ok := p.(*packets.PubcompPacket); !ok {
			t.Fatalf("expected PUBCOMP after PUBREL, got %T", p)
		}
	default:
		t.Fatal("no packet sent after PUBREL")
	}

	if c.inbound.has(7) {
		t.Error("inbound table should no longer hold id 7")
	}
	if store.ContainsKey(inboundKey(7)) {
		t.Error("persisted inbound record should be removed on PUBREL")
	}
}

func TestHandlePubcomp(t *testing.T) {
	store := NewMemoryStore()
	c := newLogicTestClient(store)
	tkn := seedOutbound(t, c, 12, 2, expectPubcomp)

	c.handlePubcomp(&packets.PubcompPacket{PacketID: 12})

	select {
	case <-tkn.Done():
		if tkn.Error() != nil {
			t.Errorf("expected no error, got %v", tkn.Error())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("token should be completed")
	}

	if _, ok := c.pending[12]; ok {
		t.Error("pending operation should be removed")
	}
	if c.outbound.has(12) {
		t.Error("outbound table should no longer hold id 12")
	}
	if store.ContainsKey(outboundKey(12)) || store.ContainsKey(pubrelKey(12)) {
		t.Error("both persisted records should be removed on PUBCOMP")
	}
}

// A duplicate QoS 2 PUBLISH for an id still in the inbound table re-sends
// PUBREC but is never delivered a second time.
func TestHandlePublishQoS2Duplicate(t *testing.T) {
	c := newLogicTestClient(nil)

	first := &packets.PublishPacket{
		PacketID: 3,
		Topic:    "dup",
		Payload:  []byte("once"),
		QoS:      2,
	}
	c.handlePublish(first)
	<-c.outgoing // PUBREC for the first delivery

	if c.recvQueue.len() != 1 {
		t.Fatalf("recvQueue len = %d after first delivery, want 1", c.recvQueue.len())
	}

	dup := &packets.PublishPacket{
		PacketID: 3,
		Topic:    "dup",
		Payload:  []byte("once"),
		QoS:      2,
		Dup:      true,
	}
	c.handlePublish(dup)

	select {
	case p := <-c.outgoing:
		if _, ok := p.(*packets.PubrecPacket); !ok {
			t.Fatalf("expected PUBREC for duplicate, got %T", p)
		}
	default:
		t.Fatal("no PUBREC sent for duplicate delivery")
	}

	if c.recvQueue.len() != 1 {
		t.Fatalf("recvQueue len = %d after duplicate, want 1 (no redelivery)", c.recvQueue.len())
	}
}

// A SUBACK must carry exactly one return code per requested topic; anything
// else fails the pending subscribe with ErrProtocolViolation.
func TestHandleSubackCountMismatch(t *testing.T) {
	c := newLogicTestClient(nil)

	tkn := newToken()
	c.pending[21] = &pendingOp{
		packet: &packets.SubscribePacket{
			PacketID: 21,
			Topics:   []string{"a", "b"},
			QoS:      []uint8{1, 1},
		},
		token:     tkn,
		timestamp: time.Now(),
	}

	c.handleSuback(&packets.SubackPacket{PacketID: 21, ReturnCodes: []uint8{0}})

	select {
	case <-tkn.Done():
		if !errors.Is(tkn.Error(), ErrProtocolViolation) {
			t.Errorf("err = %v, want ErrProtocolViolation", tkn.Error())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("token should be completed on a malformed SUBACK")
	}
	if _, ok := c.pending[21]; ok {
		t.Error("pending operation should be removed")
	}
}

// An expired QoS 1/2 publish is resent as PUBLISH with DUP set; one whose
// PUBREL already went out is resent as PUBREL instead.
func TestRetryPendingResendsByHandshakeStage(t *testing.T) {
	c := newLogicTestClient(nil)
	seedOutbound(t, c, 1, 1, expectPuback)
	seedOutbound(t, c, 2, 2, expectPubcomp)
	c.outbound.each(func(m *inflightMessage) { m.TouchedAt = time.Time{} })

	c.retryPending()

	sawDupPublish := false
	sawPubrel := false
	for i := 0; i < 2; i++ {
		select {
		case p := <-c.outgoing:
			switch pkt := p.(type) {
			case *packets.PublishPacket:
				if !pkt.Dup {
					t.Error("resent PUBLISH must have DUP set")
				}
				sawDupPublish = true
			case *packets.PubrelPacket:
				sawPubrel = true
			default:
				t.Errorf("unexpected retransmission %T", p)
			}
		default:
			t.Fatal("expected two retransmissions")
		}
	}
	if !sawDupPublish || !sawPubrel {
		t.Errorf("retransmissions = dupPublish:%v pubrel:%v, want both", sawDupPublish, sawPubrel)
	}
}

// A fresh in-flight message is not retransmitted before RetryInterval.
func TestRetryPendingHonorsInterval(t *testing.T) {
	c := newLogicTestClient(nil)
	seedOutbound(t, c, 5, 1, expectPuback)

	c.retryPending()

	select {
	case p := <-c.outgoing:
		t.Fatalf("unexpected retransmission %T before the retry interval elapsed", p)
	default:
	}
}
