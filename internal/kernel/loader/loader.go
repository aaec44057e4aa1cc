// Package loader stages an ELF boot module into a tile's memory: parsing
// its program headers, copying or mapping each LOAD segment, zeroing BSS,
// carving an initial heap, and writing the root activity's environment
// block and argv (spec section 4.5 / SPEC_FULL section C.4).
package loader

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/mem"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

const (
	PageSize = 4096
	PageBits = 12
	pageMask = PageSize - 1

	// ModHeapSize is the fixed initial heap carved for a loaded module,
	// matching cfg::MOD_HEAP_SIZE.
	ModHeapSize = 2 * 1024 * 1024

	// EnvStart is the fixed virtual address of an activity's environment
	// block, matching cfg::ENV_START.
	EnvStart = 0x6000
)

func roundDown(v, align uint64) uint64 { return v &^ (align - 1) }
func roundUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }

// TranslateMapper is the subset of the TileMux driver the loader needs: to
// resolve a virtual address to a physical one and to install new page
// mappings. Satisfied by *tilemux.Driver.
type TranslateMapper interface {
	Translate(ctx context.Context, tile tcu.TileId, act tcu.ActId, virtAddr uint64) (uint64, error)
	Map(ctx context.Context, tile tcu.TileId, act tcu.ActId, virtAddr, physAddr uint64, numPages uint64, flags kobj.PageFlags) error
}

// TileDesc is the subset of a tile's hardware descriptor the loader needs:
// whether it has an MMU, and its fixed stack window.
type TileDesc struct {
	HasVirtMem bool
	StackVirt  uint64
	StackSize  uint64
	StackTop   uint64
}

// BootModule is a named ELF image staged somewhere in simulated memory,
// addressed by tile + offset (mirrors kif::boot::Mod).
type BootModule struct {
	Name string
	Tile tcu.TileId
	Addr uint64
	Size uint64
}

// Loader stages boot modules for newly created activities.
type Loader struct {
	mem     MemAccess
	pool    *mem.Pool
	caps    *capstore.Store
	tilemux TranslateMapper
	logger  logr.Logger
}

// Option configures a Loader at construction.
type Option func(*Loader)

func WithLogger(logger logr.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New constructs a Loader backed by access, pool (for heap/stack/bss
// allocation), caps (for the MapObject capabilities virtual-memory tiles
// receive), and tilemux (for env-page translation).
func New(access MemAccess, pool *mem.Pool, caps *capstore.Store, tilemux TranslateMapper, opts ...Option) *Loader {
	l := &Loader{
		mem:     access,
		pool:    pool,
		caps:    caps,
		tilemux: tilemux,
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithName("loader")
	return l
}

// loadSegment stages size bytes of phys memory at virt in act's address
// space: on a virtual-memory tile it installs a page mapping (and, unless
// the caller says otherwise, inserts a range MapObject capability covering
// the mapped pages); on a tile without an MMU it's a flat copy into
// physical memory (spec section 4.5, loader.rs's load_segment_async).
func (l *Loader) loadSegment(ctx context.Context, act *kobj.Activity, physTile tcu.TileId, physAddr, virt, size uint64, flags kobj.PageFlags, mapCap bool, desc TileDesc) error {
	if !desc.HasVirtMem {
		return l.mem.Copy(act.Tile(), virt, physTile, physAddr, int(size))
	}

	pages := roundUp(size, PageSize) >> PageBits
	physAligned := roundDown(physAddr, PageSize)
	virtAligned := roundDown(virt, PageSize)

	if err := l.tilemux.Map(ctx, act.Tile(), act.ID(), virtAligned, physAligned, pages, flags); err != nil {
		return err
	}
	if !mapCap {
		return nil
	}

	dstSel := capstore.CapSel(virt >> PageBits)
	mapObj := kobj.NewMapObject(uint64(dstSel), pages, physTile, physAligned, flags)
	if err := l.caps.Insert(act.ID(), dstSel, mapObj, false); err != nil {
		return err
	}
	return nil
}

func phFlagsToPageFlags(f PHFlags) kobj.PageFlags {
	var out kobj.PageFlags
	if f&PHFlagRead != 0 {
		out |= kobj.PageReadable
	}
	if f&PHFlagWrite != 0 {
		out |= kobj.PageWritable
	}
	if f&PHFlagExec != 0 {
		out |= kobj.PageExecutable
	}
	return out
}

// LoadModule parses mod's ELF header and program headers, stages the LOAD
// segments with a nonzero mem_size, and returns the entry point (loader.rs's
// load_mod_async). A segment with no file bytes is allocated and zeroed; a
// segment whose file_size equals its mem_size is copied or mapped from the
// module. A segment with a nonzero file_size that differs from its mem_size
// is not loaded: LoadModule returns an error for it. On a virtual-memory
// tile a ModHeapSize heap is mapped past the last segment; no stack range
// is reserved or mapped.
func (l *Loader) LoadModule(ctx context.Context, act *kobj.Activity, desc TileDesc, mod BootModule, modData []byte) (uint64, error) {
	hdr, err := ParseElfHeader(modData)
	if err != nil {
		return 0, err
	}
	phdrs, err := ProgramHeaders(modData, hdr)
	if err != nil {
		return 0, err
	}

	var end uint64
	for _, ph := range phdrs {
		if ph.Type != PHTypeLoad || ph.MemSize == 0 {
			continue
		}
		flags := phFlagsToPageFlags(ph.Flags)
		offset := roundDown(ph.Offset, PageSize)
		virt := roundDown(ph.VirtAddr, PageSize)

		if ph.FileSize == 0 {
			size := roundUp((ph.VirtAddr&pageMask)+ph.MemSize, PageSize)
			var phys uint64
			if desc.HasVirtMem {
				alloc, err := l.pool.Alloc(ctx, act.Tile(), size)
				if err != nil {
					return 0, err
				}
				if err := l.loadSegment(ctx, act, act.Tile(), alloc.Base, virt, size, flags, true, desc); err != nil {
					return 0, err
				}
				phys = alloc.Base
			} else {
				phys = virt
			}
			if err := l.mem.Clear(act.Tile(), phys, int(size)); err != nil {
				return 0, err
			}
			end = virt + size
		} else {
			if ph.MemSize != ph.FileSize {
				return 0, fmt.Errorf("loader: LOAD segment mem_size != file_size for a non-bss segment")
			}
			size := (ph.Offset & pageMask) + ph.FileSize
			if err := l.loadSegment(ctx, act, mod.Tile, mod.Addr+offset, virt, size, flags, true, desc); err != nil {
				return 0, err
			}
			end = virt + size
		}
	}

	if desc.HasVirtMem {
		end = roundUp(end, PageSize)
		alloc, err := l.pool.Alloc(ctx, act.Tile(), ModHeapSize)
		if err != nil {
			return 0, err
		}
		if err := l.loadSegment(ctx, act, act.Tile(), alloc.Base, end, ModHeapSize, kobj.PageReadable|kobj.PageWritable, true, desc); err != nil {
			return 0, err
		}
	}

	return hdr.Entry, nil
}

// MapEnvPage establishes the physical location backing act's ENV_START
// page: on a virtual-memory tile this translates the virtual address
// through TileMux and maps in a fresh page (loader.rs's init_memory_async);
// on a tile without an MMU, ENV_START is already a physical address.
func (l *Loader) MapEnvPage(ctx context.Context, act *kobj.Activity, desc TileDesc) (uint64, error) {
	if !desc.HasVirtMem {
		return EnvStart, nil
	}

	virt, err := l.tilemux.Translate(ctx, act.Tile(), act.ID(), EnvStart)
	if err != nil {
		return 0, err
	}
	envAddr := virt + (EnvStart & pageMask)

	alloc, err := l.pool.Alloc(ctx, act.Tile(), PageSize)
	if err != nil {
		return 0, err
	}
	if err := l.loadSegment(ctx, act, act.Tile(), alloc.Base, EnvStart, PageSize, kobj.PageReadable|kobj.PageWritable, false, desc); err != nil {
		return 0, err
	}
	return envAddr, nil
}

// Env is the fixed-layout environment block written to ENV_START for a
// newly started activity (spec section 6). Fields belonging to the pager/
// VFS subsystems (envp, kenv, pager session/sgate, serialized mount/fd
// tables) are omitted: those subsystems are out of scope (spec.md non-goals:
// pager dataspaces, VFS), so there is nothing for this repo to populate
// them with.
type Env struct {
	Platform   uint64
	TileID     uint64
	TileDesc   uint64
	Argc       uint64
	Argv       uint64
	SP         uint64
	Entry      uint64
	ActID      uint64
	HeapSize   uint64
	ResMngSel  uint64
	FirstSel   uint64
	FirstStdEP uint64
	RawTileIDs []uint64
}

const envFixedFieldsSize = 13 * 8

// WriteEnv encodes env in its fixed layout and writes it to tile at
// envPhysAddr, returning the encoded size so the caller can place argv
// immediately after it (loader.rs's load_root_async: "write env to target
// tile").
func (l *Loader) WriteEnv(tile tcu.TileId, envPhysAddr uint64, env Env) (int, error) {
	buf := make([]byte, envFixedFieldsSize, envFixedFieldsSize+len(env.RawTileIDs)*8)
	putUint64(buf[0:], env.Platform)
	putUint64(buf[8:], env.TileID)
	putUint64(buf[16:], env.TileDesc)
	putUint64(buf[24:], env.Argc)
	putUint64(buf[32:], env.Argv)
	putUint64(buf[40:], env.SP)
	putUint64(buf[48:], env.Entry)
	putUint64(buf[56:], env.ActID)
	putUint64(buf[64:], env.HeapSize)
	putUint64(buf[72:], env.ResMngSel)
	putUint64(buf[80:], env.FirstSel)
	putUint64(buf[88:], env.FirstStdEP)
	putUint64(buf[96:], uint64(len(env.RawTileIDs)))

	tail := make([]byte, 8)
	for _, id := range env.RawTileIDs {
		putUint64(tail, id)
		buf = append(buf, tail...)
	}

	if err := l.mem.Write(tile, envPhysAddr, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// WriteArguments writes args as a NUL-terminated string table followed by
// an argv pointer array, both placed immediately after the environment
// block, and returns the byte offset (within the virtual address space)
// where argv begins (loader.rs's write_arguments).
func (l *Loader) WriteArguments(tile tcu.TileId, envPhysAddr uint64, envBlockSize int, args []string) (uint64, error) {
	var argbuf []byte
	var argptr []uint64
	argoff := EnvStart + uint64(envBlockSize)

	for _, s := range args {
		argptr = append(argptr, argoff)
		argbuf = append(argbuf, []byte(s)...)
		argbuf = append(argbuf, 0)
		argoff += uint64(len(s)) + 1
	}

	off := envPhysAddr + uint64(envBlockSize)
	if err := l.mem.Write(tile, off, argbuf); err != nil {
		return 0, err
	}

	argoff = roundUp(argoff, 8)
	argvBuf := make([]byte, len(argptr)*8)
	for i, p := range argptr {
		putUint64(argvBuf[i*8:], p)
	}
	if err := l.mem.Write(tile, envPhysAddr+(argoff-EnvStart), argvBuf); err != nil {
		return 0, err
	}
	return argoff, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
