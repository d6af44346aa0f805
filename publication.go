package mq

import "sync/atomic"

// Publication is the immutable application payload shared by every in-flight
// Message that carries the same publish. It is reference counted so a single
// wire PUBLISH can back both the outbound bookkeeping and, for QoS 2, the
// receive-side pipeline without copying the payload.
type Publication struct {
	Topic   string
	Payload []byte

	refs atomic.Int32
}

// newPublication creates a Publication with an initial reference count of 1.
func newPublication(topic string, payload []byte) *Publication {
	p := &Publication{Topic: topic, Payload: payload}
	p.refs.Store(1)
	return p
}

func (p *Publication) retain() *Publication {
	p.refs.Add(1)
	return p
}

// release drops a reference. There is no finalizer: once refs reaches zero
// nothing in the client still points at p, and the garbage collector
// reclaims it like any other unreferenced value.
func (p *Publication) release() {
	p.refs.Add(-1)
}

// nextExpected names the packet type a Message is waiting for next in its
// acknowledgment handshake.
type nextExpected uint8

const (
	expectNone nextExpected = iota
	expectPuback
	expectPubrec
	expectPubrel
	expectPubcomp
)

func (n nextExpected) String() string {
	switch n {
	case expectPuback:
		return "PUBACK"
	case expectPubrec:
		return "PUBREC"
	case expectPubrel:
		return "PUBREL"
	case expectPubcomp:
		return "PUBCOMP"
	default:
		return "NONE"
	}
}
