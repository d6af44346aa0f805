package mq

import "testing"

func TestPublicationRefcount(t *testing.T) {
	p := newPublication("t", []byte("payload"))
	if p.refs.Load() != 1 {
		t.Fatalf("initial refs = %d, want 1", p.refs.Load())
	}

	p.retain()
	if p.refs.Load() != 2 {
		t.Fatalf("refs after retain = %d, want 2", p.refs.Load())
	}

	p.release()
	if p.refs.Load() != 1 {
		t.Fatalf("refs after one release = %d, want 1", p.refs.Load())
	}

	p.release()
	if p.refs.Load() != 0 {
		t.Fatalf("refs after final release = %d, want 0", p.refs.Load())
	}
}

func TestNextExpectedString(t *testing.T) {
	cases := map[nextExpected]string{
		expectNone:    "NONE",
		expectPuback:  "PUBACK",
		expectPubrec:  "PUBREC",
		expectPubrel:  "PUBREL",
		expectPubcomp: "PUBCOMP",
	}
	for n, want := range cases {
		if got := n.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", n, got, want)
		}
	}
}
