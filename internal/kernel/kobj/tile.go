package kobj

import (
	"sync"

	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// Desc describes a Tile's hardware shape: instruction set, memory size and
// a feature bitmask (spec section 3's "descriptor (ISA, memory size,
// features)").
type Desc struct {
	ISA      string
	MemSize  uint64
	Features uint32

	// SupportsTileMux reports whether this tile runs a per-tile
	// multiplexer the kernel can send control messages to. Fixed-function
	// tiles (e.g. accelerators) do not.
	SupportsTileMux bool
	// Programmable reports whether the tile can be soft-reset by the
	// kernel rather than requiring a hardware reset.
	Programmable bool
}

// Tile is the kernel's capability over one compute unit: its quotas for EPs,
// time-multiplexing slot and page-table id, and (section C.3) the
// physical-memory-protection EP budget consumed as the activity manager
// grants MemGate capabilities into it during root bootstrap.
type Tile struct {
	mu sync.Mutex

	id   tcu.TileId
	desc Desc

	epsRemaining int
	timeShareID  uint32
	pageTableID  uint32

	protEPBudget int
	protEPsUsed  int

	derived bool
}

// NewTile constructs a non-derived Tile capability with its full EP and
// protection-EP quotas.
func NewTile(id tcu.TileId, desc Desc, totalEPs, protEPBudget int, timeShareID, pageTableID uint32) *Tile {
	return &Tile{
		id:           id,
		desc:         desc,
		epsRemaining: totalEPs,
		timeShareID:  timeShareID,
		pageTableID:  pageTableID,
		protEPBudget: protEPBudget,
	}
}

func (t *Tile) Kind() Kind { return KindTile }

func (t *Tile) ID() tcu.TileId { return t.id }
func (t *Tile) Desc() Desc     { return t.desc }

// Derive returns a child Tile capability that shares the same quotas but
// cannot call SetQuota or Reset (spec section 3: "Derived Tile caps cannot
// set quotas or reset").
func (t *Tile) Derive() *Tile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Tile{
		id:           t.id,
		desc:         t.desc,
		epsRemaining: t.epsRemaining,
		timeShareID:  t.timeShareID,
		pageTableID:  t.pageTableID,
		protEPBudget: t.protEPBudget,
		protEPsUsed:  t.protEPsUsed,
		derived:      true,
	}
}

func (t *Tile) IsDerived() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.derived
}

// AllocEPs reserves n EPs from the tile's remaining quota.
func (t *Tile) AllocEPs(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.epsRemaining {
		return kerr.NewError(kerr.NoSpace)
	}
	t.epsRemaining -= n
	return nil
}

// FreeEPs returns n EPs to the tile's quota, e.g. when an Activity running
// on it is destroyed (spec section 3's state invariant: "An Activity's EPs
// are freed to its Tile on Activity destruction").
func (t *Tile) FreeEPs(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epsRemaining += n
}

func (t *Tile) EPsRemaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epsRemaining
}

// ChargeProtEP consumes one protection EP, failing NoSpace if the tile's
// PMP budget is exhausted. Used by actmng's root bootstrap when granting a
// MemGate capability over one of the tile's non-kernel memory regions.
func (t *Tile) ChargeProtEP() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.protEPsUsed >= t.protEPBudget {
		return kerr.NewError(kerr.NoSpace)
	}
	t.protEPsUsed++
	return nil
}

func (t *Tile) ProtEPBudget() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protEPBudget
}

func (t *Tile) ProtEPsUsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protEPsUsed
}

// SetQuota updates the tile's time-share and page-table ids. Fails NotSup on
// a derived Tile cap.
func (t *Tile) SetQuota(timeShareID, pageTableID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.derived {
		return kerr.NewError(kerr.NotSup)
	}
	t.timeShareID = timeShareID
	t.pageTableID = pageTableID
	return nil
}

func (t *Tile) TimeShareID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeShareID
}

func (t *Tile) PageTableID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pageTableID
}
