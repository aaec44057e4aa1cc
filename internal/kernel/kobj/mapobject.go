package kobj

import "github.com/m3sys/kernel/internal/kernel/tcu"

// PageFlags describes per-page protection/attributes for a MapObject
// (spec section 3: "target global address, page flags").
type PageFlags uint32

const (
	PageReadable PageFlags = 1 << iota
	PageWritable
	PageExecutable
	PageCOW // copy-on-write: cloned rather than shared on fault
)

// MapObject is a virtual-to-physical mapping created via CreateMap: a range
// of virtual-selector pages backed by a global (tile, address) range, with
// page flags. A page-fault on a COW mapping clones it rather than sharing
// the same backing pages (spec section 3: "may be cloned by page fault with
// copy-on-write").
type MapObject struct {
	selStart uint64
	numPages uint64

	targetTile tcu.TileId
	targetAddr uint64

	flags PageFlags
}

// NewMapObject creates a MapObject over numPages pages starting at selStart,
// backed by (targetTile, targetAddr), with the given flags.
func NewMapObject(selStart, numPages uint64, targetTile tcu.TileId, targetAddr uint64, flags PageFlags) *MapObject {
	return &MapObject{
		selStart:   selStart,
		numPages:   numPages,
		targetTile: targetTile,
		targetAddr: targetAddr,
		flags:      flags,
	}
}

func (m *MapObject) Kind() Kind { return KindMapObject }

func (m *MapObject) SelStart() uint64      { return m.selStart }
func (m *MapObject) NumPages() uint64      { return m.numPages }
func (m *MapObject) TargetTile() tcu.TileId { return m.targetTile }
func (m *MapObject) TargetAddr() uint64    { return m.targetAddr }
func (m *MapObject) Flags() PageFlags      { return m.flags }

// Clone returns a copy of the mapping for the copy-on-write fault path: the
// new mapping keeps the same backing range until the faulting side
// actually writes, at which point the caller (loader/pager glue) is
// responsible for copying the backing pages and updating TargetAddr.
func (m *MapObject) Clone() *MapObject {
	clone := *m
	return &clone
}
