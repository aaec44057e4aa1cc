// Package kernel wires every leaf subsystem (tcu, kobj, capstore, mem,
// actmng, tilemux, loader, syscall) into a bootable kernel: Boot decodes
// the platform's boot-info block, constructs the fabric and per-tile
// registries, opens the capability store and memory pool, starts the root
// activity with its exact capability grant sequence (SPEC_FULL section
// C.1), loads the "root" boot module, and hands back a Kernel whose Run
// drains the syscall dispatcher (spec section 4.4.1 / section 2 "control
// flow").
package kernel

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/m3sys/kernel/internal/kernel/actmng"
	"github.com/m3sys/kernel/internal/kernel/bootinfo"
	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kernelcfg"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/loader"
	"github.com/m3sys/kernel/internal/kernel/mem"
	"github.com/m3sys/kernel/internal/kernel/syscall"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/internal/kernel/tilemux"
)

const (
	// KernelTile is the fixed TileId the kernel itself runs on, matching
	// the original's assumption that chip 0 / tile 0 hosts the kernel
	// (spec section 4.4.1).
	KernelTile tcu.TileId = 0

	// kernelEPCount is the kernel's own tile's EP slot count: enough for
	// the privileged remote-configuration EP, the serial console, the
	// syscall RecvGate, and the per-user-tile control-channel EPs a
	// handful of concurrently-booting activities need.
	kernelEPCount = 128

	// syscallRecvEP is the fixed local EP the kernel's single syscall
	// RecvGate is activated on (spec section 4.3: "The kernel owns one
	// RecvGate").
	syscallRecvEP = tcu.FirstUserEp

	// syscallBufOrder/syscallMsgOrder size the syscall RecvGate's buffer:
	// 4096 slots of 256 bytes each, each slot comfortably larger than any opcode's
	// packed request struct.
	syscallBufOrder = 20
	syscallMsgOrder = 8

	// serialBufOrder sizes the root activity's serial console RecvGate
	// (SPEC_FULL section C.1, boot capability #2).
	serialBufOrder = 12

	// defaultUserEPs is the EP quota a newly-registered user tile gets
	// when the platform's boot info doesn't otherwise specify one.
	defaultUserEPs = 64
	// defaultProtEPBudget bounds how many non-kernel memory regions a
	// tile's protection-EP budget can back during root bootstrap
	// (SPEC_FULL section C.3).
	defaultProtEPBudget = 32
	// defaultDRAMSize sizes each tile's simulated backing DRAM when the
	// boot-info block doesn't carry a more precise figure.
	defaultDRAMSize = 256 * 1024 * 1024
)

// Config bundles the raw boot-time inputs Boot needs: the encoded boot-info
// block, the staged module images keyed by module name (as named in the
// decoded boot-info), and the tunable kernel configuration.
type Config struct {
	BootInfo   []byte
	ModuleData map[string][]byte
	Cfg        kernelcfg.KernelConfig
	Logger     logr.Logger
}

// Kernel bundles the live subsystems Boot constructs, and exposes the
// means to drive the syscall loop that is the kernel's only job once boot
// completes (spec section 2).
type Kernel struct {
	Fabric     *tcu.Fabric
	Caps       *capstore.Store
	Acts       *actmng.Manager
	Pool       *mem.Pool
	TileMux    *tilemux.Driver
	Loader     *loader.Loader
	Dispatcher *syscall.Dispatcher
	Root       *kobj.Activity

	tiles  map[tcu.TileId]*kobj.Tile
	logger logr.Logger
}

// Tile returns the kernel-tracked Tile object for id, or nil if id was not
// registered at boot.
func (k *Kernel) Tile(id tcu.TileId) *kobj.Tile {
	return k.tiles[id]
}

// Shutdown waits for in-flight async syscalls to finish and closes the
// capability store (spec section 9: "Encapsulate each behind a module with
// explicit init()/shutdown() entry points").
func (k *Kernel) Shutdown() error {
	if err := k.Dispatcher.Wait(); err != nil {
		k.logger.Error(err, "shutdown: async handlers did not drain cleanly")
	}
	return k.Caps.Close()
}

// Run drains the syscall dispatcher until ctx is canceled, parking on idle
// between messages instead of busy-polling (spec section 5: "no
// preemption inside the kernel; suspension points are explicit message
// sends/receives").
func (k *Kernel) Run(ctx context.Context, idle func(context.Context) error) error {
	return k.Dispatcher.Run(ctx, idle)
}

// Boot parses cfg's boot-info block, builds the fabric/registries for the
// kernel tile plus every user tile it names, opens the capability store and
// memory pool, starts the root activity with the grant sequence SPEC_FULL
// section C.1 documents, loads the "root" boot module onto it, and returns
// a Kernel ready to Run.
func Boot(ctx context.Context, cfg Config) (*Kernel, error) {
	cfg.Cfg.ApplyDefaults()

	logger := cfg.Logger
	logger = logger.WithName("kernel")

	boot, err := bootinfo.Decode(cfg.BootInfo)
	if err != nil {
		return nil, fmt.Errorf("kernel: decode boot info: %w", err)
	}
	logger = logger.WithValues("boot", boot.SessionID)
	logger.Info("decoded boot info", "modules", len(boot.Mods), "tiles", len(boot.Tiles), "mems", len(boot.Mems))

	fabric := tcu.NewFabric()

	kernelReg := tcu.NewRegistry(KernelTile, kernelEPCount, defaultDRAMSize, logger)
	kernelTCU := tcu.NewLocalTCU(KernelTile, fabric, kernelReg, logger)
	access := tcu.NewDirectAccess(fabric)

	caps, err := capstore.New(logger)
	if err != nil {
		return nil, fmt.Errorf("kernel: open capstore: %w", err)
	}

	link := NewSimLink(logger)
	tmDriver := tilemux.NewDriver(link, logger)

	acts := actmng.NewManager(tmDriver, caps, logger)

	kTile := kobj.NewTile(KernelTile, kobj.Desc{ISA: "kernel", MemSize: defaultDRAMSize}, kernelEPCount, defaultProtEPBudget, 0, 0)

	tiles := map[tcu.TileId]*kobj.Tile{KernelTile: kTile}
	var userTiles []*kobj.Tile
	for _, t := range boot.Tiles {
		id := tcu.TileId(t.ID)
		if id == KernelTile {
			continue
		}
		desc := decodeTileDesc(t.Desc)
		tile := kobj.NewTile(id, desc, defaultUserEPs, defaultProtEPBudget, 0, 0)
		tiles[id] = tile
		userTiles = append(userTiles, tile)

		reg := tcu.NewRegistry(id, defaultUserEPs, defaultDRAMSize, logger)
		tcu.NewLocalTCU(id, fabric, reg, logger)
	}

	regions, kmemTotal := buildRegions(boot)
	pool := mem.NewPool(regions, kmemTotal)

	var memRegions []actmng.BootMemRegion
	for _, r := range regions {
		if r.Kind != mem.RegionFree {
			continue
		}
		memRegions = append(memRegions, actmng.BootMemRegion{
			Tile: r.Tile,
			Addr: r.Base,
			Size: r.Size,
			Root: true,
		})
	}

	var mods []actmng.BootModule
	for _, m := range boot.Mods {
		mods = append(mods, actmng.BootModule{Name: m.Name, Addr: m.Addr, Size: m.Size})
	}

	rootInfo := actmng.RootBootInfo{
		InfoAddr:     0,
		InfoSize:     uint64(len(cfg.BootInfo)),
		SerialBufOrd: serialBufOrder,
		Modules:      mods,
		UserTiles:    userTiles,
		MemRegions:   memRegions,
	}
	rootDeps := actmng.RootDeps{
		Caps:      caps,
		TileMux:   tmDriver,
		KTile:     kTile,
		KMemTotal: kmemTotal,
	}

	root, err := acts.StartRootAsync(ctx, rootInfo, rootDeps)
	if err != nil {
		return nil, fmt.Errorf("kernel: start root activity: %w", err)
	}

	ld := loader.New(access, pool, caps, tmDriver, loader.WithLogger(logger))

	rootMod, modData, ok := findModule(boot, cfg.ModuleData, "root")
	if ok {
		desc := loader.TileDesc{HasVirtMem: false}
		bmod := loader.BootModule{Name: rootMod.Name, Tile: KernelTile, Addr: rootMod.Addr, Size: rootMod.Size}
		entry, err := ld.LoadModule(ctx, root, desc, bmod, modData)
		if err != nil {
			return nil, fmt.Errorf("kernel: load root module: %w", err)
		}
		logger.Info("loaded root module", "entry", entry)
	} else {
		logger.Info("no \"root\" boot module staged; skipping load")
	}

	if err := kernelReg.ConfigureRecv(syscallRecvEP, tcu.RecvConfig{
		BufAddr:  0,
		Order:    syscallBufOrder,
		MsgOrder: syscallMsgOrder,
	}); err != nil {
		return nil, fmt.Errorf("kernel: configure syscall recv EP: %w", err)
	}

	disp := syscall.New(kernelTCU, syscallRecvEP, caps, acts, pool, tmDriver, fabric, syscall.WithLogger(logger))
	for _, t := range tiles {
		disp.RegisterTile(t)
	}

	return &Kernel{
		Fabric:     fabric,
		Caps:       caps,
		Acts:       acts,
		Pool:       pool,
		TileMux:    tmDriver,
		Loader:     ld,
		Dispatcher: disp,
		Root:       root,
		tiles:      tiles,
		logger:     logger,
	}, nil
}

// decodeTileDesc unpacks the 64-bit descriptor word boot-info carries for
// each tile (spec section 6): bit 0 selects virtual-memory/TileMux support,
// bit 1 selects hardware-programmability, and the remaining bits (raw >> 2)
// are carried through uninterpreted as Features. ISA is always reported as
// "user" and MemSize as defaultDRAMSize.
func decodeTileDesc(raw uint64) kobj.Desc {
	return kobj.Desc{
		ISA:             "user",
		MemSize:         defaultDRAMSize,
		Features:        uint32(raw >> 2),
		SupportsTileMux: raw&1 != 0,
		Programmable:    raw&2 != 0,
	}
}

// buildRegions turns boot-info's flat Mem list into mem.Region entries
// (reserved regions become RegionKernel, everything else RegionFree) and
// sums the free regions' sizes into the figure StartRootAsync charges root's
// KernelMemory from.
func buildRegions(boot *bootinfo.Boot) ([]mem.Region, uint64) {
	var regions []mem.Region
	var total uint64
	for _, m := range boot.Mems {
		kind := mem.RegionFree
		if m.Reserved {
			kind = mem.RegionKernel
		}
		regions = append(regions, mem.Region{
			Tile: KernelTile,
			Base: m.Global,
			Size: m.Size,
			Kind: kind,
		})
		if !m.Reserved {
			total += m.Size
		}
	}
	for _, m := range boot.Mods {
		regions = append(regions, mem.Region{
			Tile: KernelTile,
			Base: m.Addr,
			Size: m.Size,
			Kind: mem.RegionBootModule,
			Name: m.Name,
		})
	}
	return regions, total
}

// findModule locates name among boot.Mods and the caller-supplied
// moduleData map, returning its descriptor and raw bytes.
func findModule(boot *bootinfo.Boot, moduleData map[string][]byte, name string) (bootinfo.Mod, []byte, bool) {
	for _, m := range boot.Mods {
		if m.Name != name {
			continue
		}
		data, ok := moduleData[name]
		if !ok {
			return m, nil, false
		}
		return m, data, true
	}
	return bootinfo.Mod{}, nil, false
}
