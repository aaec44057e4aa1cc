package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
	"golang.org/x/sync/semaphore"
)

// Allocation is a page-aligned span handed out by Pool.Alloc.
type Allocation struct {
	Tile tcu.TileId
	Base uint64
	Size uint64
}

// Pool is the kernel's physical memory allocator: a reserved region list
// (kernel, boot modules) that Alloc must never intersect, plus a free list
// it allocates best-fit from. Every allocation is additionally gated by a
// weighted semaphore tracking total bytes outstanding, so a budget derived
// elsewhere (KernelMemory) can cap how much of the pool a caller may draw
// down without the pool itself knowing about capability quotas.
type Pool struct {
	mu       sync.Mutex
	reserved []Region
	free     []Region
	sem      *semaphore.Weighted
}

// NewPool creates a Pool whose free list starts as regions, with budget
// bytes of total allocatable capacity tracked by the semaphore. Any region
// in regions marked RegionKernel or RegionBootModule is moved to the
// reserved list instead of the free list, so Alloc never hands them out;
// only RegionFree (ROOT) regions are allocated from.
func NewPool(regions []Region, budget uint64) *Pool {
	p := &Pool{sem: semaphore.NewWeighted(int64(budget))}
	for _, r := range regions {
		if r.Kind == RegionFree {
			p.free = append(p.free, r)
		} else {
			p.reserved = append(p.reserved, r)
		}
	}
	return p
}

// Alloc reserves size bytes on tile using best fit (the smallest free
// region that still fits), page-aligning both the allocation and the
// remainder it leaves behind. Blocks until the semaphore budget admits it,
// or returns ctx's error if canceled first.
func (p *Pool) Alloc(ctx context.Context, tile tcu.TileId, size uint64) (Allocation, error) {
	size = alignUp(size, PageSize)
	if err := p.sem.Acquire(ctx, int64(size)); err != nil {
		return Allocation{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bestIdx := -1
	var bestBase uint64
	for i, r := range p.free {
		if r.Tile != tile {
			continue
		}
		base, ok := checkFit(r, size)
		if !ok {
			continue
		}
		if bestIdx == -1 || r.Size < p.free[bestIdx].Size {
			bestIdx = i
			bestBase = base
		}
	}
	if bestIdx == -1 {
		p.sem.Release(int64(size))
		return Allocation{}, kerr.NewError(kerr.NoSpace)
	}

	r := p.free[bestIdx]
	p.free = append(p.free[:bestIdx], p.free[bestIdx+1:]...)

	if lead := bestBase - r.Base; lead > 0 {
		p.free = append(p.free, Region{Tile: tile, Base: r.Base, Size: lead, Kind: RegionFree})
	}
	if trail := r.End() - (bestBase + size); trail > 0 {
		p.free = append(p.free, Region{Tile: tile, Base: bestBase + size, Size: trail, Kind: RegionFree})
	}
	p.sortFree()

	return Allocation{Tile: tile, Base: bestBase, Size: size}, nil
}

// Free returns a, merging it back into the adjacent free regions on the
// same tile where possible.
func (p *Pool) Free(a Allocation) {
	p.mu.Lock()
	p.free = append(p.free, Region{Tile: a.Tile, Base: a.Base, Size: a.Size, Kind: RegionFree})
	p.coalesce(a.Tile)
	p.mu.Unlock()

	p.sem.Release(int64(a.Size))
}

func (p *Pool) sortFree() {
	sort.Slice(p.free, func(i, j int) bool {
		if p.free[i].Tile != p.free[j].Tile {
			return p.free[i].Tile < p.free[j].Tile
		}
		return p.free[i].Base < p.free[j].Base
	})
}

// coalesce merges adjacent free regions on tile. Caller must hold p.mu.
func (p *Pool) coalesce(tile tcu.TileId) {
	p.sortFree()
	merged := p.free[:0]
	for _, r := range p.free {
		if r.Tile == tile && len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.Tile == tile && last.End() == r.Base {
				last.Size += r.Size
				continue
			}
		}
		merged = append(merged, r)
	}
	p.free = merged
}

// Reserved returns a copy of the reserved (kernel/boot-module) region list,
// for the loader and activity manager to look up a named boot module's
// backing range.
func (p *Pool) Reserved() []Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Region, len(p.reserved))
	copy(out, p.reserved)
	return out
}
