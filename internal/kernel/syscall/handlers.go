package syscall

import (
	"context"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/mem"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// --- Gate / memory / activity creation (spec section 4.3's "fast" and
// "async" Create* opcodes). ---

func handleCreateMGate(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateMGateReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}

	alloc, err := d.pool.Alloc(ctx, tile.ID(), req.Size)
	if err != nil {
		return nil, err
	}
	mgate := kobj.NewPooledMemGate(tile.ID(), alloc.Base, alloc.Size, req.Perm)

	if err := d.caps.Insert(caller.ID(), req.DstSel, mgate, false); err != nil {
		d.pool.Free(alloc)
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		d.pool.Free(alloc)
		return nil, err
	}
	return &CreateMGateReply{}, nil
}

func handleCreateRGate(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateRGateReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	rgate := kobj.NewRecvGate(req.Order, req.MsgOrder, caller.ID())
	if err := d.caps.Insert(caller.ID(), req.DstSel, rgate, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		return nil, err
	}
	return &CreateRGateReply{}, nil
}

func handleCreateSGate(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateSGateReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	rgateCap, err := d.requireCap(caller, req.RGateSel)
	if err != nil {
		return nil, err
	}
	rgate, err := asRecvGate(rgateCap)
	if err != nil {
		return nil, err
	}

	credits := tcu.FixedCredits(req.Credits)
	if req.Unlimited {
		credits = tcu.UnlimitedCredits()
	}
	sgate := kobj.NewSendGate(rgate, req.Label, credits)

	if err := d.caps.InsertAsChild(caller.ID(), req.DstSel, sgate, req.RGateSel, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		return nil, err
	}
	return &CreateSGateReply{}, nil
}

func handleCreateSrv(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateSrvReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	rgateCap, err := d.requireCap(caller, req.RGateSel)
	if err != nil {
		return nil, err
	}
	rgate, err := asRecvGate(rgateCap)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if _, taken := d.services[req.Name]; taken {
		d.mu.Unlock()
		return nil, kerr.NewError(kerr.Exists)
	}
	svc := kobj.NewService(req.Name, rgate, caller.ID())
	d.services[req.Name] = svc
	d.mu.Unlock()

	if err := d.caps.Insert(caller.ID(), req.DstSel, svc, false); err != nil {
		d.mu.Lock()
		delete(d.services, req.Name)
		d.mu.Unlock()
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		d.mu.Lock()
		delete(d.services, req.Name)
		d.mu.Unlock()
		return nil, err
	}
	return &CreateSrvReply{}, nil
}

// handleCreateSess opens a session against a service. Spec section 4.6
// describes the server replying to an Open message with the session's
// identity; since the ResMng/server consumer that would drain a Service's
// queue is out of scope (spec section 4.6), the kernel assigns the identity
// itself and still enqueues the Open message, so a future server
// implementation has real bookkeeping to drain.
func handleCreateSess(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateSessReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	srvCap, err := d.requireCap(caller, req.SrvSel)
	if err != nil {
		return nil, err
	}
	svc, err := asService(srvCap)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	ident := d.nextIdent
	d.nextIdent++
	d.mu.Unlock()

	svc.Enqueue(kobj.ServiceMsg{Op: "Open", Session: ident, Payload: []byte(req.Arg)})
	svc.AddSession()

	sess := kobj.NewSession(svc, ident, req.AutoClose)
	if err := d.caps.InsertAsChild(caller.ID(), req.DstSel, sess, req.SrvSel, false); err != nil {
		_ = svc.RemoveSession()
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		_ = svc.RemoveSession()
		return nil, err
	}

	d.mu.Lock()
	d.sessions[sessionKey{srv: svc, ident: ident}] = sessionLoc{act: caller.ID(), sel: req.DstSel}
	d.mu.Unlock()

	return &CreateSessReply{Ident: ident}, nil
}

func handleCreateMap(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateMapReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	mobj := kobj.NewMapObject(uint64(req.SelStart), req.NumPages, req.TargetTile, req.TargetAddr, req.Flags)
	if err := d.caps.Insert(caller.ID(), req.SelStart, mobj, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.SelStart, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.SelStart, false, nil)
		return nil, err
	}
	return &CreateMapReply{}, nil
}

func handleCreateActivity(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateActivityReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	kmemCap, err := d.requireCap(caller, req.KMemSel)
	if err != nil {
		return nil, err
	}
	kmem, err := asKMem(kmemCap)
	if err != nil {
		return nil, err
	}

	act, err := d.acts.CreateActivity(ctx, req.Name, tile, req.EPStart, req.EPCount, kmem, false)
	if err != nil {
		return nil, err
	}

	if err := d.caps.Insert(caller.ID(), req.DstSel, act, false); err != nil {
		_ = d.acts.ForceStopAsync(ctx, act, tile)
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		_ = d.acts.ForceStopAsync(ctx, act, tile)
		return nil, err
	}
	return &CreateActivityReply{ActID: act.ID()}, nil
}

func handleCreateSem(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req CreateSemReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	sem := kobj.NewSemaphore(req.Initial)
	if err := d.caps.Insert(caller.ID(), req.DstSel, sem, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		return nil, err
	}
	return &CreateSemReply{}, nil
}

// --- Endpoint allocation and activation (spec section 4.1/4.3). ---

func handleAllocEP(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req AllocEPReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	if err := tile.AllocEPs(1); err != nil {
		return nil, err
	}
	reg, ok := d.fabric.Registry(tile.ID())
	if !ok {
		tile.FreeEPs(1)
		return nil, kerr.NewError(kerr.NoMEP)
	}
	ep, err := reg.AllocFree(tcu.FirstUserEp)
	if err != nil {
		tile.FreeEPs(1)
		return nil, err
	}
	return &AllocEPReply{EP: ep}, nil
}

func handleActivate(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req ActivateReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	gateCap, err := d.requireCap(caller, req.GateSel)
	if err != nil {
		return nil, err
	}
	reg, ok := d.fabric.Registry(tile.ID())
	if !ok {
		return nil, kerr.NewError(kerr.NoMEP)
	}

	switch obj := gateCap.Object.(type) {
	case *kobj.MemGate:
		if err := reg.ConfigureMem(req.EP, tcu.MemConfig{
			TargetTile: obj.Tile(), Base: obj.Offset(), Length: obj.Size(), Perm: obj.Perm(),
		}); err != nil {
			return nil, err
		}
	case *kobj.SendGate:
		boundTile, boundEP, activated := obj.RGate().Binding()
		if !activated {
			return nil, kerr.NewError(kerr.NoREP)
		}
		if err := reg.ConfigureSend(req.EP, tcu.SendConfig{
			TargetTile: boundTile, TargetEp: boundEP, Label: obj.Label(), Credits: obj.Credits(),
		}); err != nil {
			return nil, err
		}
	case *kobj.RecvGate:
		memCap, err := d.requireCap(caller, req.RBufMemSel)
		if err != nil {
			return nil, err
		}
		mgate, err := asMemGate(memCap)
		if err != nil {
			return nil, err
		}
		bufAddr := mgate.Offset() + req.RBufOff
		if err := reg.ConfigureRecv(req.EP, tcu.RecvConfig{
			BufAddr: bufAddr, Order: obj.Order(), MsgOrder: obj.MsgOrder(),
		}); err != nil {
			return nil, err
		}
		obj.Activate(tile.ID(), req.EP, mgate, req.RBufOff)
	default:
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return &ActivateReply{}, nil
}

// --- Activity lifecycle (spec section 4.4). ---

func handleActivityCtrl(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req ActivityCtrlReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	actCap, err := d.requireCap(caller, req.ActSel)
	if err != nil {
		return nil, err
	}
	act, err := asActivity(actCap)
	if err != nil {
		return nil, err
	}
	tile, ok := d.tileByID(act.Tile())
	if !ok {
		return nil, kerr.NewError(kerr.NoFreeTile)
	}

	switch req.Op {
	case ActivityStart:
		if err := d.acts.StartActivityAsync(ctx, act, tile); err != nil {
			return nil, err
		}
	case ActivityStop:
		if err := d.acts.StopActivityAsync(ctx, act, tile, true, false); err != nil {
			return nil, err
		}
		act.Exit(0)
	case ActivityStopReset:
		if err := d.acts.StopActivityAsync(ctx, act, tile, true, true); err != nil {
			return nil, err
		}
		act.Exit(0)
	default:
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return &ActivityCtrlReply{}, nil
}

func handleActivityWait(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req ActivityWaitReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	actCap, err := d.requireCap(caller, req.ActSel)
	if err != nil {
		return nil, err
	}
	act, err := asActivity(actCap)
	if err != nil {
		return nil, err
	}
	code, err := act.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &ActivityWaitReply{ExitCode: code}, nil
}

// --- Derive opcodes (spec section 4.2/4.3). ---

func handleDeriveMem(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req DeriveMemReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	srcCap, err := d.requireCap(caller, req.SrcSel)
	if err != nil {
		return nil, err
	}
	src, err := asMemGate(srcCap)
	if err != nil {
		return nil, err
	}
	child, err := src.Derive(req.Off, req.Size, req.Perm)
	if err != nil {
		return nil, err
	}
	if err := d.caps.InsertAsChild(caller.ID(), req.DstSel, child, req.SrcSel, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		return nil, err
	}
	return &DeriveMemReply{}, nil
}

func handleDeriveKMem(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req DeriveKMemReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	srcCap, err := d.requireCap(caller, req.KMemSel)
	if err != nil {
		return nil, err
	}
	src, err := asKMem(srcCap)
	if err != nil {
		return nil, err
	}
	child, err := src.Derive(req.Quota)
	if err != nil {
		return nil, kerr.NewError(kerr.KmemQuota)
	}
	if err := d.caps.InsertAsChild(caller.ID(), req.DstSel, child, req.KMemSel, false); err != nil {
		src.Free(req.Quota) // child is about to be discarded; undo the carve
		return nil, err
	}
	return &DeriveKMemReply{}, nil
}

func handleDeriveTile(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req DeriveTileReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	srcCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	src, err := asTile(srcCap)
	if err != nil {
		return nil, err
	}
	child := src.Derive()
	if err := d.caps.InsertAsChild(caller.ID(), req.DstSel, child, req.TileSel, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		return nil, err
	}
	return &DeriveTileReply{}, nil
}

func handleDeriveSrv(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req DeriveSrvReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	srvCap, err := d.requireCap(caller, req.SrvSel)
	if err != nil {
		return nil, err
	}
	svc, err := asService(srvCap)
	if err != nil {
		return nil, err
	}
	svc.Enqueue(kobj.ServiceMsg{Op: "DeriveCrt", Payload: encodeUint64(req.Sessions)})

	if err := d.caps.InsertAsChild(caller.ID(), req.DstSel, svc, req.SrvSel, false); err != nil {
		return nil, err
	}
	if err := d.chargeCap(caller, caller.KMem(), req.DstSel, CapCharge); err != nil {
		_, _ = d.caps.Revoke(caller.ID(), req.DstSel, false, nil)
		return nil, err
	}
	return &DeriveSrvReply{}, nil
}

// handleGetSess resolves ident (assigned to some other activity's session
// by a prior CreateSess) into a capability in caller's own table, the
// mechanism a server uses to act on a session it didn't itself create
// (spec section 4.3).
func handleGetSess(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req GetSessReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	srvCap, err := d.requireCap(caller, req.SrvSel)
	if err != nil {
		return nil, err
	}
	svc, err := asService(srvCap)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	loc, ok := d.sessions[sessionKey{srv: svc, ident: req.Ident}]
	d.mu.Unlock()
	if !ok {
		return nil, kerr.NewError(kerr.NotFound)
	}

	if err := d.caps.Obtain(caller.ID(), req.DstSel, loc.act, loc.sel, false); err != nil {
		return nil, err
	}
	return &GetSessReply{}, nil
}

// encodeUint64 is a tiny helper for ServiceMsg payloads that carry a single
// scalar, avoiding a gob round trip for an 8-byte value.
func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// --- Tile/KMem quota and info opcodes (spec section 4.3). ---

func handleKMemQuota(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req KMemQuotaReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	kmemCap, err := d.requireCap(caller, req.KMemSel)
	if err != nil {
		return nil, err
	}
	kmem, err := asKMem(kmemCap)
	if err != nil {
		return nil, err
	}
	return &KMemQuotaReply{Total: kmem.Total(), Remaining: kmem.Remaining()}, nil
}

func handleTileQuota(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req TileQuotaReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	return &TileQuotaReply{
		EPsRemaining: tile.EPsRemaining(),
		TimeShareID:  tile.TimeShareID(),
		PageTableID:  tile.PageTableID(),
	}, nil
}

func handleTileSetQuota(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req TileSetQuotaReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	if err := d.tilemux.SetQuota(ctx, tile, req.TimeShareID, req.PageTableID); err != nil {
		return nil, err
	}
	return &TileSetQuotaReply{}, nil
}

// handleTileSetPMP configures a privileged physical-memory-protection EP on
// tile. Fails InvState if the tile currently has running activities and the
// caller didn't ask to overwrite anyway (spec section 8).
func handleTileSetPMP(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req TileSetPMPReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	if !req.Overwrite && d.acts.ActivitiesOnTile(tile.ID()) > 0 {
		return nil, kerr.NewError(kerr.InvState)
	}
	memCap, err := d.requireCap(caller, req.MemSel)
	if err != nil {
		return nil, err
	}
	mgate, err := asMemGate(memCap)
	if err != nil {
		return nil, err
	}
	if err := tile.ChargeProtEP(); err != nil {
		return nil, err
	}
	if err := d.tilemux.ConfigMemEP(tile.ID(), req.EP, caller.ID(), mgate, mgate.Tile()); err != nil {
		return nil, err
	}
	return &TileSetPMPReply{}, nil
}

func handleTileReset(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req TileResetReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	if tile.IsDerived() {
		return nil, kerr.NewError(kerr.NotSup)
	}
	if err := d.tilemux.ResetTile(tile.ID()); err != nil {
		return nil, err
	}
	return &TileResetReply{}, nil
}

func handleTileInfo(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req TileInfoReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	return &TileInfoReply{Desc: tile.Desc()}, nil
}

func handleTileMem(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req TileMemReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	tileCap, err := d.requireCap(caller, req.TileSel)
	if err != nil {
		return nil, err
	}
	tile, err := asTile(tileCap)
	if err != nil {
		return nil, err
	}
	return &TileMemReply{MemSize: tile.Desc().MemSize}, nil
}

// --- Semaphore control (spec section 4.3). ---

func handleSemCtrl(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req SemCtrlReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	semCap, err := d.requireCap(caller, req.SemSel)
	if err != nil {
		return nil, err
	}
	sem, err := asSemaphore(semCap)
	if err != nil {
		return nil, err
	}
	switch req.Op {
	case SemUp:
		sem.Up()
	case SemDown:
		if !sem.Down() {
			return nil, kerr.NewError(kerr.InvState)
		}
	default:
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return &SemCtrlReply{}, nil
}

// --- Capability exchange over a session (spec section 4.6). Args and the
// capability range pass through unchanged rather than being rewritten by a
// server reply: the server that would normally inspect and answer an
// Obtain/Delegate is the out-of-scope ResMng consumer, so these opcodes
// only exercise the kernel-side bookkeeping (session lookup, queuing the
// exchange for that consumer to drain). ---

func handleDelegate(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req DelegateReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	sessCap, err := d.requireCap(caller, req.SessSel)
	if err != nil {
		return nil, err
	}
	sess, err := asSession(sessCap)
	if err != nil {
		return nil, err
	}
	sess.Service().Enqueue(kobj.ServiceMsg{Op: "Delegate", Session: sess.Ident()})
	return &DelegateReply{Args: req.Args}, nil
}

func handleObtain(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req ObtainReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	sessCap, err := d.requireCap(caller, req.SessSel)
	if err != nil {
		return nil, err
	}
	sess, err := asSession(sessCap)
	if err != nil {
		return nil, err
	}
	sess.Service().Enqueue(kobj.ServiceMsg{Op: "Obtain", Session: sess.Ident()})
	return &ObtainReply{Args: req.Args}, nil
}

// handleExchange routes to Delegate or Obtain per req.Forward (spec section
// 4.6: "Exchange generalizes Delegate/Obtain").
func handleExchange(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req ExchangeReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	sessCap, err := d.requireCap(caller, req.SessSel)
	if err != nil {
		return nil, err
	}
	sess, err := asSession(sessCap)
	if err != nil {
		return nil, err
	}
	op := "Obtain"
	if req.Forward {
		op = "Delegate"
	}
	sess.Service().Enqueue(kobj.ServiceMsg{Op: op, Session: sess.Ident()})
	return &ExchangeReply{Args: req.Args}, nil
}

// --- Revocation (spec section 4.2/9). ---

func handleRevoke(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	var req RevokeReq
	if err := DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	_, err := d.caps.Revoke(caller.ID(), req.Sel, req.OwnOnly, func(c *capstore.Capability) error {
		return d.destroyCapability(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return &RevokeReply{}, nil
}

// destroyCapability performs kind-specific teardown for one node of a
// revoked subtree, then returns its flat charge (if any) to the budget that
// paid it (spec section 8's conservation invariant: KernelMemory freed on
// revoke equals what was charged at creation, regardless of which
// activity's table the node was later Obtain-ed into).
func (d *Dispatcher) destroyCapability(ctx context.Context, c *capstore.Capability) error {
	switch obj := c.Object.(type) {
	case *kobj.Activity:
		if obj.IsAlive() {
			if tile, ok := d.tileByID(obj.Tile()); ok {
				if err := d.acts.ForceStopAsync(ctx, obj, tile); err != nil {
					d.logger.Error(err, "revoke failed to force-stop activity", "act", obj.ID())
				}
			}
		}
	case *kobj.RecvGate:
		if boundTile, boundEP, activated := obj.Binding(); activated {
			if err := d.tilemux.RemMsgs(ctx, boundTile, obj.Owner(), boundEP, ^uint32(0)); err != nil {
				d.logger.V(1).Info("revoke: RemMsgs failed", "err", err)
			}
			_ = d.tilemux.InvalidateEP(ctx, boundTile, boundEP)
		}
	case *kobj.KernelMemory:
		obj.Release()
	case *kobj.MemGate:
		if !obj.IsDerived() && obj.IsPooled() {
			d.pool.Free(mem.Allocation{Tile: obj.Tile(), Base: obj.Offset(), Size: obj.Size()})
		}
	case *kobj.Session:
		if obj.AutoClose() {
			obj.Service().Enqueue(kobj.ServiceMsg{Op: "Close", Session: obj.Ident()})
		}
		if err := obj.Service().RemoveSession(); err != nil {
			d.logger.V(1).Info("revoke: session count underflow", "err", err)
		}
	}

	if c.ChargeKMem != nil {
		c.ChargeKMem.Free(c.ChargeAmount)
	}
	return nil
}

// --- Noop (spec section 4.3: a syscall that exists purely to measure
// round-trip cost). ---

func handleNoop(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error) {
	return nil, nil
}
