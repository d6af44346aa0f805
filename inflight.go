package mq

import "time"

// inflightMessage is one element of an in-flight table: either an outbound
// publish awaiting PUBACK/PUBREC/PUBREL/PUBCOMP, or an inbound QoS 2 publish
// awaiting PUBREL.
type inflightMessage struct {
	PacketID  uint16
	QoS       uint8
	Retained  bool
	Dup       bool
	Pub       *Publication
	Next      nextExpected
	TouchedAt time.Time
	StoredLen int
}

// inflightTable is an ordered collection of in-flight messages keyed by
// packet identifier. Order matters: retransmission and the wrap-around fixup
// both rely on "oldest in flight first" semantics.
type inflightTable struct {
	order []uint16
	byID  map[uint16]*inflightMessage
}

func newInflightTable() *inflightTable {
	return &inflightTable{byID: make(map[uint16]*inflightMessage)}
}

// append adds m as the newest entry.
func (t *inflightTable) append(m *inflightMessage) {
	if _, exists := t.byID[m.PacketID]; exists {
		return
	}
	t.order = append(t.order, m.PacketID)
	t.byID[m.PacketID] = m
}

// insertOrdered adds m keeping t.order in ascending packet-id order. Used
// during restore, where keys are not necessarily walked in id order.
func (t *inflightTable) insertOrdered(m *inflightMessage) {
	if _, exists := t.byID[m.PacketID]; exists {
		return
	}
	i := 0
	for i < len(t.order) && t.order[i] < m.PacketID {
		i++
	}
	t.order = append(t.order, 0)
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = m.PacketID
	t.byID[m.PacketID] = m
}

func (t *inflightTable) find(id uint16) (*inflightMessage, bool) {
	m, ok := t.byID[id]
	return m, ok
}

func (t *inflightTable) has(id uint16) bool {
	_, ok := t.byID[id]
	return ok
}

func (t *inflightTable) remove(id uint16) (*inflightMessage, bool) {
	m, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return m, true
}

// each iterates in table order. fn must not mutate the table.
func (t *inflightTable) each(fn func(*inflightMessage)) {
	for _, id := range t.order {
		fn(t.byID[id])
	}
}

func (t *inflightTable) len() int {
	return len(t.order)
}

// ids returns packet ids in table order.
func (t *inflightTable) ids() []uint16 {
	out := make([]uint16, len(t.order))
	copy(out, t.order)
	return out
}

// freeAll releases every Publication still referenced by this table and
// empties it, matching the Client-destruction contract in the
// "In-Flight Tables" section ("free-all").
func (t *inflightTable) freeAll() {
	for _, id := range t.order {
		if m := t.byID[id]; m != nil && m.Pub != nil {
			m.Pub.release()
		}
	}
	t.order = nil
	t.byID = make(map[uint16]*inflightMessage)
}

// rotateToWrapGap implements the restore-time wrap-around rule from
// in-flight table rotation rule: find the largest gap between
// successive packet ids (treating the sequence as circular across the
// 1..65535 space) and rotate so the element right after the gap becomes the
// head. This preserves "oldest in flight first" retry order across an
// id-space wraparound.
func (t *inflightTable) rotateToWrapGap() {
	n := len(t.order)
	if n < 2 {
		return
	}

	largestGap := 0
	splitAt := 0
	for i := 0; i < n; i++ {
		cur := t.order[i]
		next := t.order[(i+1)%n]
		var gap int
		if i == n-1 {
			// wrap-around gap: from cur up to 65535, then 1 up to next
			gap = (65535 - int(cur)) + int(next)
		} else {
			gap = int(next) - int(cur)
		}
		if gap > largestGap {
			largestGap = gap
			splitAt = (i + 1) % n
		}
	}

	if splitAt == 0 {
		return
	}
	rotated := make([]uint16, 0, n)
	rotated = append(rotated, t.order[splitAt:]...)
	rotated = append(rotated, t.order[:splitAt]...)
	t.order = rotated
}
