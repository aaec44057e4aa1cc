package capstore

import (
	"sync"

	"github.com/m3sys/kernel/pkg/kerr"
)

// CapSel is a per-Activity capability-table selector (spec glossary:
// "per-Activity 32-bit handle indexing its capability table").
type CapSel uint32

// SelectorAllocator hands out free CapSels for one Activity's capability
// table using the same rotating-cursor scan as actmng's ActId allocator:
// scan from the cursor to the end, wrap to the start, and only report
// NoSpace after a full revolution finds nothing free (SPEC_FULL section
// C.2 — the original applies `get_id`'s algorithm identically to capability
// selectors, not just activity ids).
type SelectorAllocator struct {
	mu     sync.Mutex
	used   map[CapSel]bool
	cursor CapSel
	max    CapSel
}

// NewSelectorAllocator creates an allocator over selectors [0, max).
func NewSelectorAllocator(max CapSel) *SelectorAllocator {
	return &SelectorAllocator{used: make(map[CapSel]bool), max: max}
}

// Alloc returns the first free selector at or after the cursor, wrapping
// once. Fails NoSpace if every selector is in use.
func (a *SelectorAllocator) Alloc() (CapSel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := CapSel(0); i < a.max; i++ {
		sel := (a.cursor + i) % a.max
		if !a.used[sel] {
			a.used[sel] = true
			a.cursor = sel + 1
			return sel, nil
		}
	}
	return 0, kerr.NewError(kerr.NoSpace)
}

// Reserve marks sel as in-use without going through the cursor scan, for
// selectors placed explicitly (e.g. well-known boot capability slots).
func (a *SelectorAllocator) Reserve(sel CapSel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used[sel] {
		return kerr.NewError(kerr.Exists)
	}
	a.used[sel] = true
	return nil
}

// Free returns sel to the pool.
func (a *SelectorAllocator) Free(sel CapSel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, sel)
}
