package tcu

import (
	"sync"

	"github.com/m3sys/kernel/pkg/kerr"
)

// Message is one payload sitting in a receive buffer slot.
type Message struct {
	Label      Label
	Sender     TileId
	SenderEp   EpId
	ReplyLabel Label
	ReplyEp    EpId
	Data       []byte
}

// RecvBuffer implements the receive-buffer discipline from spec section
//4.1: 2^(order-msgOrder) equal-sized slots, two bits of state per slot
// (occupied, unread), writes rejected with RecvNoSpace when full, and a head
// pointer that only advances across contiguous non-occupied slots so
// out-of-order acks are permitted but retire lazily.
//
// Grounded on pkg/performance/ringbuffer's slot-indexing technique, rewired
// from "overwrite oldest" to "reject when full" plus explicit per-slot ack
// state, since the TCU contract has no overwrite policy.
type RecvBuffer struct {
	mu       sync.Mutex
	order    uint8
	msgOrder uint8
	slots    []*Message
	occupied []bool
	unread   []bool
	head     int // oldest slot that may still hold an unacked message
}

// NewRecvBuffer creates a buffer with 2^(order-msgOrder) slots.
func NewRecvBuffer(order, msgOrder uint8) *RecvBuffer {
	n := 1 << (order - msgOrder)
	return &RecvBuffer{
		order:    order,
		msgOrder: msgOrder,
		slots:    make([]*Message, n),
		occupied: make([]bool, n),
		unread:   make([]bool, n),
	}
}

func (b *RecvBuffer) numSlots() int { return len(b.slots) }

// Write places msg into the first free slot. Returns RecvNoSpace if all
// slots are occupied.
func (b *RecvBuffer) Write(msg *Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.numSlots()
	for i := 0; i < n; i++ {
		slot := (b.head + i) % n
		if !b.occupied[slot] {
			b.slots[slot] = msg
			b.occupied[slot] = true
			b.unread[slot] = true
			return slot, nil
		}
	}
	return -1, kerr.NewError(kerr.RecvNoSpace)
}

// FetchMsg returns the offset of the oldest unread message without
// acknowledging it, or -1 if none is pending.
func (b *RecvBuffer) FetchMsg() (int, *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.numSlots()
	for i := 0; i < n; i++ {
		slot := (b.head + i) % n
		if b.occupied[slot] && b.unread[slot] {
			b.unread[slot] = false
			return slot, b.slots[slot]
		}
	}
	return -1, nil
}

// peek returns the message at slot without altering its ack state, or nil
// if the slot is empty. Used by Reply to find where to route a response.
func (b *RecvBuffer) peek(slot int) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= b.numSlots() || !b.occupied[slot] {
		return nil
	}
	return b.slots[slot]
}

// AckMsg marks slot free so the head pointer may advance across it. Acks may
// arrive out of order; the head only advances across a contiguous run of
// non-occupied slots starting at itself, so a gap retires lazily once the
// intervening messages are also acked.
func (b *RecvBuffer) AckMsg(slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.numSlots()
	if slot < 0 || slot >= n {
		return kerr.NewError(kerr.InvMsgOff)
	}
	b.occupied[slot] = false
	b.unread[slot] = false
	b.slots[slot] = nil

	for !b.occupied[b.head] {
		b.head = (b.head + 1) % n
		// Advancing past every slot in an empty buffer would spin forever;
		// one full lap is enough to prove there's nothing occupied.
		allFree := true
		for _, occ := range b.occupied {
			if occ {
				allFree = false
				break
			}
		}
		if allFree {
			break
		}
	}
	return nil
}

// Rebind resets all slot state, matching the observed source behavior that
// re-Activate on an already-activated RGate drops any queued messages
// rather than preserving them (spec section 9, Open Question).
func (b *RecvBuffer) Rebind(order, msgOrder uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 1 << (order - msgOrder)
	b.order = order
	b.msgOrder = msgOrder
	b.slots = make([]*Message, n)
	b.occupied = make([]bool, n)
	b.unread = make([]bool, n)
	b.head = 0
}

// Capacity returns 2^(order-msgOrder), the maximum number of concurrent
// unacked messages the buffer may hold.
func (b *RecvBuffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numSlots()
}
