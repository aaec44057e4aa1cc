// Package kernelcfg holds the kernel's boot-time configuration: quota
// defaults, table sizes, and the fixed memory-layout constants every other
// package (actmng, tilemux, loader) is built around (SPEC_FULL section A).
package kernelcfg

// KernelConfig is the kernel's tunable configuration, with every field
// defaultable via ApplyDefaults the way performance.CollectionConfig is.
type KernelConfig struct {
	// MaxActs bounds the activity table (actmng.MaxActs mirrors this
	// value as a compile-time constant; kept here too so callers that
	// build a KernelConfig for a custom boot don't need to reach into
	// actmng for it).
	MaxActs uint32

	// PageSize and PageBits describe the platform's base page, matching
	// loader.PageSize/loader.PageBits.
	PageSize uint64
	PageBits uint

	// DefaultTimeSlice is the time-share quota (in kernel ticks) a newly
	// derived Tile cap gets when the caller doesn't request one
	// explicitly.
	DefaultTimeSlice uint64

	// DefaultPageTables is the page-table quota a newly derived Tile cap
	// gets by default.
	DefaultPageTables uint32

	// ReservedKernelMemory is subtracted from a tile's total memory
	// before the remainder is handed to the root activity's
	// KernelMemory pool, matching actmng.StartRootAsync's
	// fixedKMemReserve.
	ReservedKernelMemory uint64

	// ModHeapSize is the heap carved for every loaded boot module,
	// matching loader.ModHeapSize.
	ModHeapSize uint64
}

// DefaultKernelConfig returns the configuration a stock boot uses.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		MaxActs:              1024,
		PageSize:             4096,
		PageBits:             12,
		DefaultTimeSlice:     1_000_000,
		DefaultPageTables:    4,
		ReservedKernelMemory: 64 * 1024,
		ModHeapSize:          2 * 1024 * 1024,
	}
}

// ApplyDefaults fills in zero-valued fields of c with the stock defaults,
// mirroring performance.CollectionConfig.ApplyDefaults: a caller building a
// partial KernelConfig only needs to set the fields it cares to override.
func (c *KernelConfig) ApplyDefaults() {
	defaults := DefaultKernelConfig()

	if c.MaxActs == 0 {
		c.MaxActs = defaults.MaxActs
	}
	if c.PageSize == 0 {
		c.PageSize = defaults.PageSize
	}
	if c.PageBits == 0 {
		c.PageBits = defaults.PageBits
	}
	if c.DefaultTimeSlice == 0 {
		c.DefaultTimeSlice = defaults.DefaultTimeSlice
	}
	if c.DefaultPageTables == 0 {
		c.DefaultPageTables = defaults.DefaultPageTables
	}
	if c.ReservedKernelMemory == 0 {
		c.ReservedKernelMemory = defaults.ReservedKernelMemory
	}
	if c.ModHeapSize == 0 {
		c.ModHeapSize = defaults.ModHeapSize
	}
}
