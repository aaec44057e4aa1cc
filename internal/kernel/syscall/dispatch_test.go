package syscall

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3sys/kernel/internal/kernel/actmng"
	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/mem"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// fakeTileMux satisfies TileMuxClient without driving a real TileMux driver:
// every test tile is built with SupportsTileMux=false, so actmng never
// actually calls these, and the handlers-level tests that do call them
// (TileSetQuota, Revoke's RecvGate teardown) only care that the call
// succeeds.
type fakeTileMux struct{}

func (fakeTileMux) InitActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId, timeQuotaID, ptQuotaID uint32, epsStart tcu.EpId) error {
	return nil
}
func (fakeTileMux) StartActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error { return nil }
func (fakeTileMux) StopActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error  { return nil }
func (fakeTileMux) ResetTile(tile tcu.TileId) error                                        { return nil }
func (fakeTileMux) ConfigMemEP(tile tcu.TileId, ep tcu.EpId, act tcu.ActId, mgate *kobj.MemGate, target tcu.TileId) error {
	return nil
}
func (fakeTileMux) SetQuota(ctx context.Context, tile *kobj.Tile, timeQuotaID, ptQuotaID uint32) error {
	return nil
}
func (fakeTileMux) RemMsgs(ctx context.Context, tile tcu.TileId, act tcu.ActId, ep tcu.EpId, unread uint32) error {
	return nil
}
func (fakeTileMux) InvalidateEP(ctx context.Context, tile tcu.TileId, ep tcu.EpId) error { return nil }

// testKernel bundles the minimum live state handlers need: a capability
// store, an activity manager, and a Dispatcher wired directly (bypassing
// New/Step, which also need a real syscall RecvGate/Fabric this package's
// tests don't exercise).
type testKernel struct {
	d    *Dispatcher
	caps *capstore.Store
	acts *actmng.Manager
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	caps, err := capstore.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = caps.Close() })

	acts := actmng.NewManager(fakeTileMux{}, caps, logr.Discard())
	pool := mem.NewPool([]mem.Region{
		{Tile: 1, Base: 0, Size: 1 << 20, Kind: mem.RegionFree},
	}, 1<<20)

	d := &Dispatcher{
		caps:     caps,
		acts:     acts,
		pool:     pool,
		tilemux:  fakeTileMux{},
		fabric:   tcu.NewFabric(),
		tiles:    make(map[tcu.TileId]*kobj.Tile),
		services: make(map[string]*kobj.Service),
		sessions: make(map[sessionKey]sessionLoc),
		logger:   logr.Discard(),
	}
	return &testKernel{d: d, caps: caps, acts: acts}
}

// newCaller creates a root activity (so actmng skips TileMux::Init) on tile
// with its own KernelMemory budget, and registers tile with the dispatcher.
func newCaller(t *testing.T, tk *testKernel, tile *kobj.Tile, kmemTotal uint64) *kobj.Activity {
	t.Helper()
	tk.d.RegisterTile(tile)
	kmem := kobj.NewKernelMemory(kmemTotal)
	act, err := tk.acts.CreateActivity(context.Background(), "caller", tile, 0, 4, kmem, true)
	require.NoError(t, err)
	return act
}

func newTile(id tcu.TileId) *kobj.Tile {
	return kobj.NewTile(id, kobj.Desc{ISA: "test", MemSize: 1 << 20}, 16, 4, 0, 0)
}

func payloadOf(t *testing.T, req any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(req))
	return buf.Bytes()
}

func TestHandleCreateMGate_ChargesCapabilityAndAllocatesPool(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	caller := newCaller(t, tk, tile, 4096)
	require.NoError(t, tk.caps.Insert(caller.ID(), 1, tile, true))

	payload := payloadOf(t, CreateMGateReq{DstSel: 2, TileSel: 1, Size: 4096, Perm: tcu.PermRead | tcu.PermWrite})
	reply, err := handleCreateMGate(context.Background(), tk.d, caller, payload)
	require.NoError(t, err)
	require.IsType(t, &CreateMGateReply{}, reply)

	got, err := tk.caps.Get(caller.ID(), 2)
	require.NoError(t, err)
	mgate, ok := got.Object.(*kobj.MemGate)
	require.True(t, ok)
	assert.EqualValues(t, 4096, mgate.Size())
	assert.Equal(t, uint64(CapCharge), got.ChargeAmount)
	assert.Same(t, caller.KMem(), got.ChargeKMem)
	assert.Equal(t, uint64(4096-CapCharge), caller.KMem().Remaining())
}

func TestHandleCreateMGate_InsufficientKMemRollsBackPoolAllocation(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	// Budget smaller than CapCharge: the pool allocation must succeed (the
	// pool has plenty of room) but the KernelMemory charge must fail, and
	// the capability and pool allocation must both unwind.
	caller := newCaller(t, tk, tile, CapCharge-1)
	require.NoError(t, tk.caps.Insert(caller.ID(), 1, tile, true))

	payload := payloadOf(t, CreateMGateReq{DstSel: 2, TileSel: 1, Size: 4096, Perm: tcu.PermRead})
	_, err := handleCreateMGate(context.Background(), tk.d, caller, payload)
	require.Error(t, err)
	assert.Equal(t, kerr.KmemQuota, kerr.CodeOf(err))

	_, err = tk.caps.Get(caller.ID(), 2)
	assert.Equal(t, kerr.InvArgs, kerr.CodeOf(err), "capability must be rolled back on charge failure")
	assert.Equal(t, uint64(CapCharge-1), caller.KMem().Remaining(), "charge must not have stuck")
}

func TestRevoke_ReturnsChargeToOriginalActivityAfterCrossActivityObtain(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	owner := newCaller(t, tk, tile, 4096)
	other := newCaller(t, tk, tile, 4096)

	require.NoError(t, tk.caps.Insert(owner.ID(), 1, tile, true))
	payload := payloadOf(t, CreateMGateReq{DstSel: 2, TileSel: 1, Size: 4096, Perm: tcu.PermRead | tcu.PermWrite})
	_, err := handleCreateMGate(context.Background(), tk.d, owner, payload)
	require.NoError(t, err)
	require.Equal(t, uint64(4096-CapCharge), owner.KMem().Remaining())

	// other obtains a reference to owner's MemGate cap, crossing activities.
	require.NoError(t, tk.caps.Obtain(other.ID(), 9, owner.ID(), 2, false))

	// Revoking the original root must still free the charge to owner's
	// budget (spec section 8's conservation invariant), even though a
	// reference now also lives in other's table.
	payload = payloadOf(t, RevokeReq{Sel: 2, OwnOnly: false})
	_, err = handleRevoke(context.Background(), tk.d, owner, payload)
	require.NoError(t, err)

	assert.Equal(t, uint64(4096), owner.KMem().Remaining())
	_, err = tk.caps.Get(owner.ID(), 2)
	assert.Equal(t, kerr.InvArgs, kerr.CodeOf(err))

	// other's copy is untouched by owner's Revoke (it's a different tree
	// root, Obtain creates no parent/child edge here).
	_, err = tk.caps.Get(other.ID(), 9)
	assert.NoError(t, err)
}

func TestActivityLifecycle_StopThenWaitReturnsExitCode(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	caller := newCaller(t, tk, tile, 4096)
	require.NoError(t, tk.caps.Insert(caller.ID(), 1, tile, true))

	kmem := kobj.NewKernelMemory(1024)
	// KMemSel must resolve too; insert the child's own KernelMemory cap.
	require.NoError(t, tk.caps.Insert(caller.ID(), 3, kmem, true))
	payload := payloadOf(t, CreateActivityReq{DstSel: 2, Name: "child", TileSel: 1, EPStart: 4, EPCount: 2, KMemSel: 3})

	reply, err := handleCreateActivity(context.Background(), tk.d, caller, payload)
	require.NoError(t, err)
	createReply := reply.(*CreateActivityReply)

	ctrlPayload := payloadOf(t, ActivityCtrlReq{ActSel: 2, Op: ActivityStop})
	_, err = handleActivityCtrl(context.Background(), tk.d, caller, ctrlPayload)
	require.NoError(t, err)

	waitPayload := payloadOf(t, ActivityWaitReq{ActSel: 2})
	reply, err = handleActivityWait(context.Background(), tk.d, caller, waitPayload)
	require.NoError(t, err)
	assert.EqualValues(t, 0, reply.(*ActivityWaitReply).ExitCode)

	child := tk.acts.Activity(tcu.ActId(createReply.ActID))
	assert.False(t, child.IsAlive())
}

func TestCreateSrvSessionGetSess_ResolvesAcrossActivities(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	server := newCaller(t, tk, tile, 4096)
	client := newCaller(t, tk, tile, 4096)

	rgate := kobj.NewRecvGate(6, 6, server.ID())
	require.NoError(t, tk.caps.Insert(server.ID(), 1, rgate, true))

	srvPayload := payloadOf(t, CreateSrvReq{DstSel: 2, Name: "test.service", RGateSel: 1})
	_, err := handleCreateSrv(context.Background(), tk.d, server, srvPayload)
	require.NoError(t, err)

	srvCap, err := tk.caps.Get(server.ID(), 2)
	require.NoError(t, err)
	svc := srvCap.Object.(*kobj.Service)

	// Simulate the client already holding a reference to the service
	// capability (as if obtained via a prior Delegate/Obtain exchange).
	require.NoError(t, tk.caps.Insert(client.ID(), 5, svc, false))

	sessPayload := payloadOf(t, CreateSessReq{DstSel: 6, SrvSel: 5, Arg: "hello", AutoClose: true})
	reply, err := handleCreateSess(context.Background(), tk.d, client, sessPayload)
	require.NoError(t, err)
	ident := reply.(*CreateSessReply).Ident

	getSessPayload := payloadOf(t, GetSessReq{DstSel: 7, SrvSel: 2, Ident: ident})
	_, err = handleGetSess(context.Background(), tk.d, server, getSessPayload)
	require.NoError(t, err)

	got, err := tk.caps.Get(server.ID(), 7)
	require.NoError(t, err)
	sess, ok := got.Object.(*kobj.Session)
	require.True(t, ok)
	assert.Equal(t, ident, sess.Ident())
	assert.Equal(t, 1, svc.SessionCount())
}

func TestHandleTileSetPMP_RejectsWhileActivitiesRunningUnlessOverwrite(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	caller := newCaller(t, tk, tile, 4096)
	require.NoError(t, tk.caps.Insert(caller.ID(), 1, tile, true))

	mgate := kobj.NewMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)
	require.NoError(t, tk.caps.Insert(caller.ID(), 2, mgate, true))

	// caller itself is a live activity on tile, so the invariant should
	// reject an overwrite-less PMP reconfiguration.
	payload := payloadOf(t, TileSetPMPReq{TileSel: 1, MemSel: 2, EP: 5, Overwrite: false})
	_, err := handleTileSetPMP(context.Background(), tk.d, caller, payload)
	require.Error(t, err)
	assert.Equal(t, kerr.InvState, kerr.CodeOf(err))

	payload = payloadOf(t, TileSetPMPReq{TileSel: 1, MemSel: 2, EP: 5, Overwrite: true})
	_, err = handleTileSetPMP(context.Background(), tk.d, caller, payload)
	require.NoError(t, err)
}

func TestHandleDeriveMem_RejectsOutOfBoundsChild(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	caller := newCaller(t, tk, tile, 4096)
	mgate := kobj.NewMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)
	require.NoError(t, tk.caps.Insert(caller.ID(), 1, mgate, true))

	payload := payloadOf(t, DeriveMemReq{DstSel: 2, SrcSel: 1, Off: 2048, Size: 4096, Perm: tcu.PermRead})
	_, err := handleDeriveMem(context.Background(), tk.d, caller, payload)
	require.Error(t, err)
	assert.Equal(t, kerr.InvArgs, kerr.CodeOf(err))

	payload = payloadOf(t, DeriveMemReq{DstSel: 2, SrcSel: 1, Off: 0, Size: 2048, Perm: tcu.PermWrite | tcu.PermExec})
	_, err = handleDeriveMem(context.Background(), tk.d, caller, payload)
	require.Error(t, err)
	assert.Equal(t, kerr.NoPerm, kerr.CodeOf(err), "child perm must be a subset of the parent's")
}

func TestHandleSemCtrl_DownFailsWhenExhausted(t *testing.T) {
	tk := newTestKernel(t)
	tile := newTile(1)
	caller := newCaller(t, tk, tile, 4096)
	sem := kobj.NewSemaphore(0)
	require.NoError(t, tk.caps.Insert(caller.ID(), 1, sem, true))

	payload := payloadOf(t, SemCtrlReq{SemSel: 1, Op: SemDown})
	_, err := handleSemCtrl(context.Background(), tk.d, caller, payload)
	require.Error(t, err)
	assert.Equal(t, kerr.InvState, kerr.CodeOf(err))

	payload = payloadOf(t, SemCtrlReq{SemSel: 1, Op: SemUp})
	_, err = handleSemCtrl(context.Background(), tk.d, caller, payload)
	require.NoError(t, err)

	payload = payloadOf(t, SemCtrlReq{SemSel: 1, Op: SemDown})
	_, err = handleSemCtrl(context.Background(), tk.d, caller, payload)
	require.NoError(t, err)
}

func TestDispatch_UnknownCallerSurfacesActivityGone(t *testing.T) {
	tk := newTestKernel(t)
	_, err := tk.d.dispatch(context.Background(), OpNoop, nil, nil)
	require.Error(t, err)
	assert.Equal(t, kerr.ActivityGone, kerr.CodeOf(err))
}
