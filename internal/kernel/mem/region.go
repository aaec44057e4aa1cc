// Package mem implements the kernel's physical memory pool: per-tile DRAM
// regions carved at boot (kernel, boot-module, and free/ROOT regions), a
// best-fit allocator over the free list, and one semaphore-gated byte
// budget for the whole pool so allocation can't outrun the total the pool
// was given (spec section 3's KernelMemory and section 6's boot-info memory
// layout). Per-activity KernelMemory quotas are not tracked here.
package mem

import (
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// PageSize is the allocation granularity; every region and allocation is
// page-aligned.
const PageSize = 4096

// RegionKind classifies a DRAM region as reported in boot info (spec
// section 6).
type RegionKind int

const (
	// RegionFree is available for allocation (the "ROOT" pool the loader
	// and activity manager carve activity memory from).
	RegionFree RegionKind = iota
	RegionKernel
	RegionBootModule
)

func (k RegionKind) String() string {
	switch k {
	case RegionFree:
		return "free"
	case RegionKernel:
		return "kernel"
	case RegionBootModule:
		return "boot-module"
	default:
		return "unknown"
	}
}

// Region is one contiguous span of a tile's physical address space.
type Region struct {
	Tile  tcu.TileId
	Base  uint64
	Size  uint64
	Kind  RegionKind
	// Name identifies a boot-module region by its module name (e.g.
	// "root"); empty for kernel/free regions.
	Name string
}

func (r Region) End() uint64 { return r.Base + r.Size }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// checkFit reports whether a size-byte allocation fits in free region r
// once both ends are rounded to page boundaries.
func checkFit(r Region, size uint64) (uint64, bool) {
	base := alignUp(r.Base, PageSize)
	size = alignUp(size, PageSize)
	if base+size > r.End() {
		return 0, false
	}
	return base, true
}
