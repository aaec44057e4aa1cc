package kobj

import (
	"sync"

	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// RecvGate is the kernel-side capability for a receive endpoint: its buffer
// geometry, an optional backing MemGate (required before Activate for
// anything but the kernel's own fixed syscall RecvGate), and whether it has
// been bound to a concrete TCU endpoint yet.
type RecvGate struct {
	mu sync.Mutex

	order    uint8
	msgOrder uint8

	backingMem *MemGate
	memOff     uint64

	activated bool
	boundTile tcu.TileId
	boundEP   tcu.EpId

	owner tcu.ActId
}

// NewRecvGate creates an unactivated RecvGate with the given buffer
// geometry, owned by owner.
func NewRecvGate(order, msgOrder uint8, owner tcu.ActId) *RecvGate {
	return &RecvGate{order: order, msgOrder: msgOrder, owner: owner}
}

func (g *RecvGate) Kind() Kind { return KindRecvGate }

func (g *RecvGate) Order() uint8    { return g.order }
func (g *RecvGate) MsgOrder() uint8 { return g.msgOrder }
func (g *RecvGate) Owner() tcu.ActId { return g.owner }

// Activate binds the gate to ep on tile, backed by mem at byte offset off
// within it. Re-activating an already-activated gate moves the receive
// buffer; any messages queued in the old buffer are lost (spec section 9,
// Open Question — RecvBuffer.Rebind implements the drop).
func (g *RecvGate) Activate(tile tcu.TileId, ep tcu.EpId, mem *MemGate, off uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activated = true
	g.boundTile = tile
	g.boundEP = ep
	g.backingMem = mem
	g.memOff = off
}

func (g *RecvGate) Activated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activated
}

func (g *RecvGate) Binding() (tcu.TileId, tcu.EpId, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.boundTile, g.boundEP, g.activated
}

// SendGate is the kernel-side capability for a send endpoint: which
// RecvGate it targets, the Label delivered with every message, and its
// credit budget (spec section 3 and section 4.1's credit model).
type SendGate struct {
	mu sync.Mutex

	rgate   *RecvGate
	label   tcu.Label
	credits tcu.Credits

	maxMsgOrder uint8
	reply       bool
}

// NewSendGate creates a SendGate targeting rgate with the given label and
// initial credits.
func NewSendGate(rgate *RecvGate, label tcu.Label, credits tcu.Credits) *SendGate {
	return &SendGate{rgate: rgate, label: label, credits: credits}
}

func (g *SendGate) Kind() Kind { return KindSendGate }

func (g *SendGate) RGate() *RecvGate  { return g.rgate }
func (g *SendGate) Label() tcu.Label  { return g.label }

func (g *SendGate) Credits() tcu.Credits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.credits
}

func (g *SendGate) SetCredits(c tcu.Credits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.credits = c
}

// MemGate is the kernel-side capability for a memory endpoint: a global
// address (tile, offset, size) and a permission mask that must be a subset
// of whatever MemGate it was derived from. derived prevents a child MemGate
// from freeing the underlying allocation (spec section 3's state
// invariant: "A MemGate's underlying allocation is freed only when the
// last non-derived MemGate referring to it is revoked").
//
// pooled marks a non-derived MemGate whose [offset, offset+size) range was
// handed out by mem.Pool.Alloc, as opposed to one carved directly out of a
// fixed boot-time region (root boot-info, a boot module, a reserved memory
// region) by the root bootstrap path. Only a pooled, non-derived MemGate's
// allocation is returned to the pool on revoke; a root-bootstrap MemGate
// was never acquired from the pool's free list or semaphore budget, so
// pool-freeing it would corrupt both.
type MemGate struct {
	mu sync.Mutex

	tile   tcu.TileId
	offset uint64
	size   uint64
	perm   tcu.Perm

	derived bool
	pooled  bool
}

// NewMemGate creates a non-derived, non-pooled MemGate over
// [offset, offset+size) on tile with the given permissions, for a fixed
// region handed out directly by the root bootstrap path rather than
// mem.Pool.
func NewMemGate(tile tcu.TileId, offset, size uint64, perm tcu.Perm) *MemGate {
	return &MemGate{tile: tile, offset: offset, size: size, perm: perm}
}

// NewPooledMemGate is NewMemGate for a range obtained from mem.Pool.Alloc,
// so destroyCapability knows to return it to the pool when the gate is
// revoked.
func NewPooledMemGate(tile tcu.TileId, offset, size uint64, perm tcu.Perm) *MemGate {
	return &MemGate{tile: tile, offset: offset, size: size, perm: perm, pooled: true}
}

func (g *MemGate) Kind() Kind { return KindMemGate }

func (g *MemGate) Tile() tcu.TileId { return g.tile }
func (g *MemGate) Offset() uint64   { return g.offset }
func (g *MemGate) Size() uint64     { return g.size }
func (g *MemGate) Perm() tcu.Perm   { return g.perm }
func (g *MemGate) IsDerived() bool  { return g.derived }
func (g *MemGate) IsPooled() bool   { return g.pooled }

// Derive creates a child MemGate over [off, off+size) of g, requiring
// perms to be a subset of g's own and off+size to fit within g (spec
// section 8's DeriveMem invariant).
func (g *MemGate) Derive(off, size uint64, perm tcu.Perm) (*MemGate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if off+size > g.size {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	if perm&^g.perm != 0 {
		return nil, kerr.NewError(kerr.NoPerm)
	}
	return &MemGate{
		tile:    g.tile,
		offset:  g.offset + off,
		size:    size,
		perm:    perm,
		derived: true,
	}, nil
}
