package syscall

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/m3sys/kernel/internal/kernel/actmng"
	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/mem"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// CapCharge is the flat KernelMemory cost of one capability-table slot,
// charged to the calling Activity's budget on every Create*/Derive*
// insertion and returned on revoke (spec section 4.2: "insert... uses
// KernelMemory quota"; the spec never pins down a concrete per-kind size,
// so every kind is charged the same kernel-object bookkeeping cost).
const CapCharge = 64

// TileMuxClient is the subset of the TileMux driver the dispatcher drives
// directly, beyond what actmng already needs: TileSetQuota's firmware
// update, and the RecvGate teardown pair Revoke uses to flush and
// invalidate an activated EP before the capability disappears (spec
// section 4.3/4.4). *tilemux.Driver satisfies both this and
// actmng.TileMuxClient.
type TileMuxClient interface {
	actmng.TileMuxClient
	SetQuota(ctx context.Context, tile *kobj.Tile, timeQuotaID, ptQuotaID uint32) error
	RemMsgs(ctx context.Context, tile tcu.TileId, act tcu.ActId, ep tcu.EpId, unread uint32) error
	InvalidateEP(ctx context.Context, tile tcu.TileId, ep tcu.EpId) error
}

// handlerFunc is one opcode's implementation: given the decoded request (a
// pointer to one of messages.go's *Req types, already type-asserted by the
// caller) it performs the operation against caller's activity and returns
// the reply value (a *Reply type, or nil) or an error.
type handlerFunc func(ctx context.Context, d *Dispatcher, caller *kobj.Activity, payload []byte) (any, error)

// sessionKey indexes an open session for GetSess: the service it was
// opened against plus the kernel-assigned identity CreateSess handed back.
type sessionKey struct {
	srv   *kobj.Service
	ident uint64
}

// sessionLoc is where a tracked session capability actually lives, so
// GetSess can Obtain a reference to it into a different activity's table
// (spec section 4.3: a server looks up a client's session by identity, not
// by knowing which activity or selector holds it).
type sessionLoc struct {
	act tcu.ActId
	sel capstore.CapSel
}

// Dispatcher owns the kernel's single syscall RecvGate: it fetches
// messages, decodes the leading opcode, runs the matching handler (inline
// for fast opcodes, on the async worker pool for ones that must suspend on
// a TileMux or Service round trip), and replies (spec section 4.3).
//
// CreateSrv/CreateSess/DeriveSrv/Delegate/Obtain implement the kernel-side
// mechanics resmng.Registry documents directly against kobj.Service and
// kobj.Session, queuing the corresponding ServiceMsg for whatever server
// drains the Service's RecvGate. There is no pluggable resmng.Registry
// backing them: the real ResMng consumer that would reply to that queue is
// out of scope (spec section 4.6), so session identities are assigned by
// the kernel itself rather than a server round trip.
type Dispatcher struct {
	tcu    *tcu.LocalTCU
	recvEP tcu.EpId

	caps    *capstore.Store
	acts    *actmng.Manager
	pool    *mem.Pool
	tilemux TileMuxClient
	fabric  *tcu.Fabric

	mu          sync.Mutex
	tiles       map[tcu.TileId]*kobj.Tile
	services    map[string]*kobj.Service
	sessions    map[sessionKey]sessionLoc
	nextIdent   uint64

	logger   logr.Logger
	handlers map[Opcode]handlerFunc
	group    *errgroup.Group
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithLogger(logger logr.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithConcurrency caps how many async handlers may run at once. A zero or
// negative value (the default) leaves the errgroup unbounded, matching the
// spec's "cooperative userland threads" model where suspension, not a
// fixed pool size, is what lets other syscalls proceed.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.group.SetLimit(n)
		}
	}
}

// New constructs a Dispatcher bound to the kernel's own syscall RecvGate
// (tcuHandle, recvEP), backed by caps/acts/pool/tilemux/fabric for the
// operations its handlers perform.
func New(tcuHandle *tcu.LocalTCU, recvEP tcu.EpId, caps *capstore.Store, acts *actmng.Manager, pool *mem.Pool, tilemux TileMuxClient, fabric *tcu.Fabric, opts ...Option) *Dispatcher {
	var group errgroup.Group
	d := &Dispatcher{
		tcu:      tcuHandle,
		recvEP:   recvEP,
		caps:     caps,
		acts:     acts,
		pool:     pool,
		tilemux:  tilemux,
		fabric:   fabric,
		tiles:    make(map[tcu.TileId]*kobj.Tile),
		services: make(map[string]*kobj.Service),
		sessions: make(map[sessionKey]sessionLoc),
		logger:   logr.Discard(),
		group:    &group,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithName("syscall")
	d.handlers = d.buildHandlerTable()
	return d
}

// buildHandlerTable wires every opcode to its implementation (handlers.go).
func (d *Dispatcher) buildHandlerTable() map[Opcode]handlerFunc {
	return map[Opcode]handlerFunc{
		OpCreateMGate:    handleCreateMGate,
		OpCreateRGate:    handleCreateRGate,
		OpCreateSGate:    handleCreateSGate,
		OpCreateSrv:      handleCreateSrv,
		OpCreateSess:     handleCreateSess,
		OpCreateMap:      handleCreateMap,
		OpCreateActivity: handleCreateActivity,
		OpCreateSem:      handleCreateSem,
		OpAllocEP:        handleAllocEP,
		OpActivate:       handleActivate,
		OpActivityCtrl:   handleActivityCtrl,
		OpActivityWait:   handleActivityWait,
		OpDeriveMem:      handleDeriveMem,
		OpDeriveKMem:     handleDeriveKMem,
		OpDeriveTile:     handleDeriveTile,
		OpDeriveSrv:      handleDeriveSrv,
		OpGetSess:        handleGetSess,
		OpKMemQuota:      handleKMemQuota,
		OpTileQuota:      handleTileQuota,
		OpTileSetQuota:   handleTileSetQuota,
		OpTileSetPMP:     handleTileSetPMP,
		OpTileReset:      handleTileReset,
		OpTileInfo:       handleTileInfo,
		OpTileMem:        handleTileMem,
		OpSemCtrl:        handleSemCtrl,
		OpDelegate:       handleDelegate,
		OpObtain:         handleObtain,
		OpExchange:       handleExchange,
		OpRevoke:         handleRevoke,
		OpNoop:           handleNoop,
	}
}

// Step processes at most one pending syscall message: fetch, decode,
// dispatch (inline for fast opcodes, on the worker pool for async ones),
// reply, ack. Returns false if the receive buffer had nothing pending.
func (d *Dispatcher) Step(ctx context.Context) (bool, error) {
	slot, msg, err := d.tcu.FetchMsg(d.recvEP)
	if err != nil {
		return false, err
	}
	if slot < 0 {
		return false, nil
	}

	caller := d.acts.Activity(tcu.ActId(msg.Label))

	op, payload, err := DecodeOpcode(msg.Data)
	if err != nil {
		d.replyError(slot, msg, kerr.CodeOf(err))
		_ = d.tcu.AckMsg(d.recvEP, slot)
		return true, nil
	}

	run := func() {
		reply, herr := d.dispatch(ctx, op, caller, payload)
		d.sendReply(slot, msg, op, reply, herr)
		_ = d.tcu.AckMsg(d.recvEP, slot)
	}

	if op.IsAsync() {
		d.group.Go(func() error {
			run()
			return nil
		})
	} else {
		run()
	}
	return true, nil
}

// Run calls Step until ctx is done, handling whatever syscalls arrive one
// at a time (fast ones) or handing off to the async pool (async ones),
// mirroring the single-threaded-with-cooperative-suspension model spec
// section 5 describes. idle is invoked (and its error, if non-nil,
// returned) whenever Step finds nothing pending, so callers can block on a
// wakeup channel instead of busy-polling.
func (d *Dispatcher) Run(ctx context.Context, idle func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return d.group.Wait()
		default:
		}
		did, err := d.Step(ctx)
		if err != nil {
			return err
		}
		if !did && idle != nil {
			if err := idle(ctx); err != nil {
				return err
			}
		}
	}
}

// Wait blocks until every in-flight async handler completes, for orderly
// shutdown.
func (d *Dispatcher) Wait() error {
	return d.group.Wait()
}

// dispatch looks up op's handler, validates caller is non-nil (an unknown
// label means the sender's Activity was already torn down — ActivityGone,
// not a crash), decodes the opcode-specific request, and runs the handler.
func (d *Dispatcher) dispatch(ctx context.Context, op Opcode, caller *kobj.Activity, payload []byte) (any, error) {
	if caller == nil {
		return nil, kerr.NewError(kerr.ActivityGone)
	}
	h, ok := d.handlers[op]
	if !ok {
		return nil, kerr.NewError(kerr.UnknownCmd)
	}
	return h(ctx, d, caller, payload)
}

func (d *Dispatcher) sendReply(slot int, msg *tcu.Message, op Opcode, reply any, err error) {
	code := kerr.CodeOf(err)
	data, encErr := EncodeReply(code, reply)
	if encErr != nil {
		d.logger.Error(encErr, "failed to encode syscall reply", "op", op)
		data, _ = EncodeReply(kerr.InvState, nil)
	}
	if err != nil && code != kerr.ActivityGone {
		d.logger.V(1).Info("syscall failed", "op", op, "code", code)
	}
	if rerr := d.tcu.Reply(d.recvEP, slot, data); rerr != nil {
		d.logger.Error(rerr, "failed to send syscall reply", "op", op)
	}
}

func (d *Dispatcher) replyError(slot int, msg *tcu.Message, code kerr.Code) {
	data, _ := EncodeReply(code, nil)
	_ = d.tcu.Reply(d.recvEP, slot, data)
}

// requireCap resolves sel in caller's table, failing InvArgs if absent.
func (d *Dispatcher) requireCap(caller *kobj.Activity, sel capstore.CapSel) (*capstore.Capability, error) {
	return d.caps.Get(caller.ID(), sel)
}

// RegisterTile records tile's root Tile object so ForceStopAsync (driven
// from a Revoke handler tearing down a still-running Activity) can find the
// *kobj.Tile it needs without threading one through every destroy call.
// Called once per tile at boot.
func (d *Dispatcher) RegisterTile(tile *kobj.Tile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiles[tile.ID()] = tile
}

func (d *Dispatcher) tileByID(id tcu.TileId) (*kobj.Tile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tiles[id]
	return t, ok
}

// chargeCap charges amount against kmem, translating the generic OutOfMem
// kobj.KernelMemory.Charge reports into the KmemQuota code spec section 4.2
// specifies for a failed capability-insert charge, and records the charge
// on the just-inserted capability so Revoke can return it later.
func (d *Dispatcher) chargeCap(caller *kobj.Activity, kmem *kobj.KernelMemory, sel capstore.CapSel, amount uint64) error {
	if err := kmem.Charge(amount); err != nil {
		return kerr.NewError(kerr.KmemQuota)
	}
	if err := d.caps.SetCharge(caller.ID(), sel, kmem, amount); err != nil {
		kmem.Free(amount)
		return err
	}
	return nil
}

func asTile(c *capstore.Capability) (*kobj.Tile, error) {
	t, ok := c.Object.(*kobj.Tile)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return t, nil
}

func asMemGate(c *capstore.Capability) (*kobj.MemGate, error) {
	m, ok := c.Object.(*kobj.MemGate)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return m, nil
}

func asRecvGate(c *capstore.Capability) (*kobj.RecvGate, error) {
	r, ok := c.Object.(*kobj.RecvGate)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return r, nil
}

func asSendGate(c *capstore.Capability) (*kobj.SendGate, error) {
	s, ok := c.Object.(*kobj.SendGate)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return s, nil
}

func asService(c *capstore.Capability) (*kobj.Service, error) {
	s, ok := c.Object.(*kobj.Service)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return s, nil
}

func asSession(c *capstore.Capability) (*kobj.Session, error) {
	s, ok := c.Object.(*kobj.Session)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return s, nil
}

func asKMem(c *capstore.Capability) (*kobj.KernelMemory, error) {
	k, ok := c.Object.(*kobj.KernelMemory)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return k, nil
}

func asActivity(c *capstore.Capability) (*kobj.Activity, error) {
	a, ok := c.Object.(*kobj.Activity)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return a, nil
}

func asSemaphore(c *capstore.Capability) (*kobj.Semaphore, error) {
	s, ok := c.Object.(*kobj.Semaphore)
	if !ok {
		return nil, kerr.NewError(kerr.InvArgs)
	}
	return s, nil
}
