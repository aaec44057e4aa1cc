package actmng_test

import (
	"context"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3sys/kernel/internal/kernel/actmng"
	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

type call struct {
	op   string
	tile tcu.TileId
	act  tcu.ActId
}

type fakeTileMux struct {
	mu        sync.Mutex
	calls     []call
	failInit  bool
	failStart bool
}

func (f *fakeTileMux) InitActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId, timeQuotaID, ptQuotaID uint32, epsStart tcu.EpId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"init", tile, act})
	if f.failInit {
		return assert.AnError
	}
	return nil
}

func (f *fakeTileMux) StartActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"start", tile, act})
	if f.failStart {
		return assert.AnError
	}
	return nil
}

func (f *fakeTileMux) StopActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"stop", tile, act})
	return nil
}

func (f *fakeTileMux) ResetTile(tile tcu.TileId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "reset", tile: tile})
	return nil
}

func (f *fakeTileMux) ConfigMemEP(tile tcu.TileId, ep tcu.EpId, act tcu.ActId, mgate *kobj.MemGate, target tcu.TileId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "configmemep", tile: tile, act: act})
	return nil
}

func newManager(t *testing.T, tm actmng.TileMuxClient) (*actmng.Manager, *capstore.Store) {
	t.Helper()
	caps, err := capstore.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { caps.Close() })
	return actmng.NewManager(tm, caps, logr.Discard()), caps
}

func newTile(t *testing.T, id tcu.TileId, mux bool) *kobj.Tile {
	t.Helper()
	return kobj.NewTile(id, kobj.Desc{ISA: "riscv", SupportsTileMux: mux, Programmable: true}, 16, 4, 0, 0)
}

func TestCreateActivity_ReservesAndRollsBackEPs(t *testing.T) {
	tm := &fakeTileMux{}
	m, _ := newManager(t, tm)
	tile := newTile(t, 1, true)

	kmem := kobj.NewKernelMemory(1 << 20)
	act, err := m.CreateActivity(context.Background(), "child", tile, tcu.FirstUserEp, 4, kmem, false)
	require.NoError(t, err)
	assert.Equal(t, 4, act.EPCount())
	assert.Equal(t, 12, tile.EPsRemaining())

	// tile only has 12 EPs left; asking for 13 must fail and not touch the
	// quota or the activity table.
	_, err = m.CreateActivity(context.Background(), "too-big", tile, tcu.FirstUserEp, 13, kmem, false)
	assert.Error(t, err)
	assert.Equal(t, 12, tile.EPsRemaining())
	assert.Equal(t, 1, m.Count())

	// init was driven since this activity isn't root.
	assert.Len(t, tm.calls, 1)
	assert.Equal(t, "init", tm.calls[0].op)
}

func TestCreateActivity_RootSkipsInit(t *testing.T) {
	tm := &fakeTileMux{}
	m, _ := newManager(t, tm)
	tile := newTile(t, 1, true)
	kmem := kobj.NewKernelMemory(1 << 20)

	_, err := m.CreateActivity(context.Background(), "root", tile, tcu.FirstUserEp, 0, kmem, true)
	require.NoError(t, err)
	assert.Empty(t, tm.calls)
}

func TestGetID_RotatesAndWrapsAroundTable(t *testing.T) {
	tm := &fakeTileMux{}
	m, _ := newManager(t, tm)
	tile := newTile(t, 1, false)
	kmem := kobj.NewKernelMemory(1 << 20)

	var first *kobj.Activity
	for i := 0; i < actmng.MaxActs; i++ {
		act, err := m.CreateActivity(context.Background(), "a", tile, tcu.FirstUserEp, 0, kmem, true)
		require.NoError(t, err)
		if i == 0 {
			first = act
		}
	}
	require.NotNil(t, first)

	err := m.ForceStopAsync(context.Background(), first, tile)
	require.NoError(t, err)
	assert.Equal(t, actmng.MaxActs-1, m.Count())

	act, err := m.CreateActivity(context.Background(), "reused", tile, tcu.FirstUserEp, 0, kmem, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), act.ID())
}

func TestForceStopAsync_RevokesCapabilitiesAndFreesEPs(t *testing.T) {
	tm := &fakeTileMux{}
	m, caps := newManager(t, tm)
	tile := newTile(t, 1, true)
	kmem := kobj.NewKernelMemory(1 << 20)

	act, err := m.CreateActivity(context.Background(), "victim", tile, tcu.FirstUserEp, 3, kmem, true)
	require.NoError(t, err)

	rg := kobj.NewRecvGate(6, 6, act.ID())
	require.NoError(t, caps.Insert(act.ID(), 10, rg, false))
	sg := kobj.NewSendGate(rg, 0, tcu.FixedCredits(1))
	require.NoError(t, caps.InsertAsChild(act.ID(), 11, sg, 10, false))

	remaining := tile.EPsRemaining()

	err = m.ForceStopAsync(context.Background(), act, tile)
	require.NoError(t, err)

	assert.False(t, act.IsAlive())
	assert.Equal(t, remaining+3, tile.EPsRemaining())
	assert.Nil(t, m.Activity(act.ID()))

	_, err = caps.Get(act.ID(), 10)
	assert.Error(t, err)
	_, err = caps.Get(act.ID(), 11)
	assert.Error(t, err)

	// stop was sent since the tile supports tilemux; the tile is
	// programmable, so no reset follows.
	var ops []string
	for _, c := range tm.calls {
		ops = append(ops, c.op)
	}
	assert.Contains(t, ops, "stop")
}

func TestStartRootAsync_GrantsCapabilitiesInOrderAndSkipsRootRegions(t *testing.T) {
	tm := &fakeTileMux{}
	m, caps := newManager(t, tm)
	ktile := newTile(t, 0, false)
	userTile := newTile(t, 1, true)

	info := actmng.RootBootInfo{
		InfoAddr:     0x1000,
		InfoSize:     4096,
		SerialBufOrd: 8,
		Modules: []actmng.BootModule{
			{Name: "root.elf", Addr: 0x10000, Size: 5000},
		},
		UserTiles: []*kobj.Tile{userTile},
		MemRegions: []actmng.BootMemRegion{
			{Tile: 1, Addr: 0x20000, Size: 0x1000, Root: false},
			{Tile: 1, Addr: 0x30000, Size: 0x1000, Root: true},
		},
	}
	deps := actmng.RootDeps{
		Caps:      caps,
		TileMux:   tm,
		KTile:     ktile,
		KMemTotal: 1 << 20,
	}

	act, err := m.StartRootAsync(context.Background(), info, deps)
	require.NoError(t, err)

	// sel 0: boot-info MemGate, sel 1: serial RecvGate, sel 2: module
	// MemGate, sel 3: user tile cap, sel 4: the non-ROOT memory region.
	// The ROOT-typed region must not receive a capability.
	bootInfo, err := caps.Get(act.ID(), 0)
	require.NoError(t, err)
	_, ok := bootInfo.Object.(*kobj.MemGate)
	assert.True(t, ok)

	serial, err := caps.Get(act.ID(), 1)
	require.NoError(t, err)
	_, ok = serial.Object.(*kobj.RecvGate)
	assert.True(t, ok)

	modGate, err := caps.Get(act.ID(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), modGate.Object.(*kobj.MemGate).Size())

	tileCap, err := caps.Get(act.ID(), 3)
	require.NoError(t, err)
	assert.Same(t, userTile, tileCap.Object)

	nonRootRegion, err := caps.Get(act.ID(), 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20000), nonRootRegion.Object.(*kobj.MemGate).Offset())

	_, err = caps.Get(act.ID(), 5)
	assert.Error(t, err, "ROOT-typed region must not receive a capability")

	// both regions still charged a protection EP.
	assert.Equal(t, 2, ktile.ProtEPsUsed())
}

func TestStartRootAsync_PMPBudgetExhaustionFails(t *testing.T) {
	tm := &fakeTileMux{}
	m, caps := newManager(t, tm)
	ktile := kobj.NewTile(0, kobj.Desc{ISA: "riscv"}, 16, 1, 0, 0)

	info := actmng.RootBootInfo{
		InfoAddr: 0x1000, InfoSize: 4096, SerialBufOrd: 8,
		MemRegions: []actmng.BootMemRegion{
			{Tile: 1, Addr: 0x20000, Size: 0x1000},
			{Tile: 1, Addr: 0x30000, Size: 0x1000},
		},
	}
	deps := actmng.RootDeps{Caps: caps, TileMux: tm, KTile: ktile, KMemTotal: 1 << 20}

	_, err := m.StartRootAsync(context.Background(), info, deps)
	assert.Error(t, err)
}
