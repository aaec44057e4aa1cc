package actmng

import (
	"context"
	"fmt"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// FirstFreeSel is the selector in root's obj_caps table at which the boot
// capabilities start: the first one is placed here and the rest take the
// following selectors in order.
const FirstFreeSel = capstore.CapSel(0)

// BootModule describes one ELF or data file the bootloader staged into
// DRAM before starting the kernel.
type BootModule struct {
	Name string
	Addr uint64
	Size uint64
}

// BootMemRegion is one non-kernel DRAM region reported by the platform at
// boot, alongside its type (spec section 6's memory descriptor list).
type BootMemRegion struct {
	Tile tcu.TileId
	Addr uint64
	Size uint64
	// Root marks a region carved out for general allocation (the ROOT
	// pool): granted a protection EP like any other region, but never
	// itself handed out as a MemGate capability (SPEC_FULL section C.1).
	Root bool
}

// RootBootInfo carries everything StartRootAsync needs to reproduce the
// original kernel's exact root-activity capability layout: the boot-info
// blob's own location, the serial buffer geometry, the staged modules, the
// set of user tiles, and the non-kernel memory regions.
type RootBootInfo struct {
	InfoAddr     uint64
	InfoSize     uint64
	SerialBufOrd uint8
	Modules      []BootModule
	UserTiles    []*kobj.Tile
	MemRegions   []BootMemRegion
}

// RootDeps bundles the subsystems StartRootAsync needs: the capability
// table it populates, the TileMux client for PMP EP configuration, the
// tile root itself runs on, and the kernel's total KernelMemory budget.
type RootDeps struct {
	Caps      *capstore.Store
	TileMux   TileMuxClient
	KTile     *kobj.Tile
	KMemTotal uint64
}

// StartRootAsync creates the root Activity and grants it capabilities for
// the boot-info MemGate, a serial RecvGate, every boot module, every user
// Tile, and every non-kernel memory region — in that exact order, mirroring
// actmng.rs's start_root_async (SPEC_FULL section C.1). ROOT-typed memory
// regions still consume a protection EP and a frozen (non-insertable)
// MemGate so the allocator can't double-grant them, but are not inserted
// into root's capability table.
func (m *Manager) StartRootAsync(ctx context.Context, info RootBootInfo, deps RootDeps) (*kobj.Activity, error) {
	const fixedKMemReserve = 64 * 1024

	kmem := kobj.NewKernelMemory(deps.KMemTotal - fixedKMemReserve)

	act, err := m.CreateActivity(ctx, "root", deps.KTile, tcu.FirstUserEp, 0, kmem, true)
	if err != nil {
		return nil, fmt.Errorf("actmng: create root activity: %w", err)
	}

	sel := FirstFreeSel

	// 1. boot-info MemGate.
	bootInfoGate := kobj.NewMemGate(deps.KTile.ID(), info.InfoAddr, info.InfoSize, tcu.PermRead|tcu.PermWrite|tcu.PermExec)
	if err := deps.Caps.Insert(act.ID(), sel, bootInfoGate, false); err != nil {
		return nil, err
	}
	sel++

	// 2. serial RecvGate.
	serialGate := kobj.NewRecvGate(info.SerialBufOrd, info.SerialBufOrd, act.ID())
	if err := deps.Caps.Insert(act.ID(), sel, serialGate, false); err != nil {
		return nil, err
	}
	sel++

	// 3. one MemGate per boot module.
	for _, mod := range info.Modules {
		size := roundUpPage(mod.Size)
		gate := kobj.NewMemGate(deps.KTile.ID(), mod.Addr, size, tcu.PermRead|tcu.PermWrite|tcu.PermExec)
		if err := deps.Caps.Insert(act.ID(), sel, gate, false); err != nil {
			return nil, err
		}
		sel++
	}

	// 4. one Tile cap per user tile.
	for _, tile := range info.UserTiles {
		if err := deps.Caps.Insert(act.ID(), sel, tile, false); err != nil {
			return nil, err
		}
		sel++
	}

	// 5. one MemGate per non-kernel memory region, skipping ROOT-typed
	// regions (carved for the loader, never capability-exposed), each
	// consuming one of the tile's protection EPs regardless.
	for _, region := range info.MemRegions {
		gate := kobj.NewMemGate(region.Tile, region.Addr, region.Size, tcu.PermRead|tcu.PermWrite|tcu.PermExec)

		if err := deps.KTile.ChargeProtEP(); err != nil {
			return nil, fmt.Errorf("actmng: root bootstrap exhausted protection EPs: %w", err)
		}
		if err := deps.TileMux.ConfigMemEP(deps.KTile.ID(), tcu.FirstUserEp, tcu.InvalidActId, gate, region.Tile); err != nil {
			return nil, err
		}

		if region.Root {
			continue
		}
		if err := deps.Caps.Insert(act.ID(), sel, gate, false); err != nil {
			return nil, err
		}
		sel++
	}

	if err := m.InitActivityAsync(ctx, act, deps.KTile); err != nil {
		return nil, err
	}
	if err := m.StartActivityAsync(ctx, act, deps.KTile); err != nil {
		return nil, err
	}
	return act, nil
}

func roundUpPage(size uint64) uint64 {
	const pageSize = 4096
	return (size + pageSize - 1) &^ (pageSize - 1)
}
