// Package tilemux implements the kernel's per-tile control channel: the
// opcode messages the activity manager and syscall dispatcher send to a
// tile's TileMux firmware (Init/Start/Stop/Reset/ConfigMemEP/DeriveQuota/
// SetQuota/Translate/Map/RemMsgs/EPInval), and the connect-with-backoff,
// suspend-caller-until-reply discipline that drives them (spec section
// 4.4).
package tilemux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// ErrConnLost is returned by Conn.Send when the tile's TileMux dropped the
// channel (e.g. the tile was just reset). Driver reconnects on its next
// call but never silently retries the message itself: control messages are
// not idempotent, so retry decisions belong to the caller.
var ErrConnLost = errors.New("tilemux: connection lost")

// Driver is the kernel-side endpoint of every tile's control channel. It
// satisfies actmng.TileMuxClient and additionally exposes the quota and
// address-translation opcodes the syscall dispatcher needs.
type Driver struct {
	mu    sync.Mutex
	conns map[tcu.TileId]Conn

	link   Link
	logger logr.Logger

	events eventAllocator
	quotas quotaAllocator

	retryOpts []backoff.RetryOption
}

// DriverOption configures a Driver at construction.
type DriverOption func(*Driver)

// WithRetryOptions overrides the backoff policy used to connect to a tile.
// Tests use this to shrink the default exponential backoff's intervals.
func WithRetryOptions(opts ...backoff.RetryOption) DriverOption {
	return func(d *Driver) {
		d.retryOpts = opts
	}
}

// NewDriver constructs a Driver that dials tiles through link.
func NewDriver(link Link, logger logr.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		conns:     make(map[tcu.TileId]Conn),
		link:      link,
		logger:    logger.WithName("tilemux"),
		retryOpts: []backoff.RetryOption{backoff.WithBackOff(backoff.NewExponentialBackOff())},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// connFor returns the cached connection to tile, connecting (with backoff)
// if there isn't one yet.
func (d *Driver) connFor(ctx context.Context, tile tcu.TileId) (Conn, error) {
	d.mu.Lock()
	if c, ok := d.conns[tile]; ok {
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		c, err := d.link.Connect(ctx, tile)
		if err != nil {
			d.logger.V(1).Info("tile control channel not ready, retrying", "tile", tile)
			return nil, err
		}
		return c, nil
	}, d.retryOpts...)
	if err != nil {
		return nil, fmt.Errorf("tilemux: connect to tile %d: %w", tile, err)
	}

	d.mu.Lock()
	d.conns[tile] = conn
	d.mu.Unlock()
	return conn, nil
}

// send assigns an event id, obtains tile's connection, and suspends the
// caller until the reply (or ctx expiry, or a send error) arrives. A lost
// connection is evicted so the next call reconnects.
func (d *Driver) send(ctx context.Context, tile tcu.TileId, msg *ControlMsg) (*ControlReply, error) {
	msg.EventID = d.events.alloc()

	conn, err := d.connFor(ctx, tile)
	if err != nil {
		return nil, err
	}

	reply, err := conn.Send(ctx, msg)
	if errors.Is(err, ErrConnLost) {
		d.mu.Lock()
		delete(d.conns, tile)
		d.mu.Unlock()
	}
	return reply, err
}

// InitActivity implements actmng.TileMuxClient.
func (d *Driver) InitActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId, timeQuotaID, ptQuotaID uint32, epsStart tcu.EpId) error {
	_, err := d.send(ctx, tile, &ControlMsg{
		Op: OpInit, Act: act,
		TimeQuotaID: timeQuotaID, PTQuotaID: ptQuotaID, EPStart: epsStart,
	})
	return err
}

// StartActivity implements actmng.TileMuxClient.
func (d *Driver) StartActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error {
	_, err := d.send(ctx, tile, &ControlMsg{Op: OpStart, Act: act})
	return err
}

// StopActivity implements actmng.TileMuxClient.
func (d *Driver) StopActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error {
	_, err := d.send(ctx, tile, &ControlMsg{Op: OpStop, Act: act})
	return err
}

// ResetTile implements actmng.TileMuxClient.
func (d *Driver) ResetTile(tile tcu.TileId) error {
	_, err := d.send(context.Background(), tile, &ControlMsg{Op: OpReset})
	return err
}

// ConfigMemEP implements actmng.TileMuxClient: the kernel's sole privilege
// to configure a remote EP, used for physical-memory-protection EPs during
// root bootstrap (spec section 4.1).
func (d *Driver) ConfigMemEP(tile tcu.TileId, ep tcu.EpId, act tcu.ActId, mgate *kobj.MemGate, target tcu.TileId) error {
	_, err := d.send(context.Background(), tile, &ControlMsg{
		Op: OpConfigMemEP, Act: act, EP: ep, MemGate: mgate, Target: target,
	})
	return err
}

// DeriveQuota carves a child time-share/page-table quota out of parent's
// budget and grants the caller a Tile capability over it. Capability-first:
// the quota id is allocated and the capability inserted into dstAct's
// table before the firmware actually debits parent's budget, so a failed
// debit rolls back a capability insert rather than leaving a charged quota
// with no capability pointing at it (spec.md open question, section 9).
func (d *Driver) DeriveQuota(ctx context.Context, parent *kobj.Tile, caps *capstore.Store, dstAct tcu.ActId, dstSel capstore.CapSel, timeSlice uint64, pageTables uint32) (*kobj.Tile, error) {
	quotaID := d.quotas.alloc()
	child := kobj.NewTile(parent.ID(), parent.Desc(), 0, 0, quotaID, pageTables)

	if err := caps.Insert(dstAct, dstSel, child, false); err != nil {
		return nil, err
	}

	_, err := d.send(ctx, parent.ID(), &ControlMsg{
		Op: OpDeriveQuota, QuotaID: quotaID, ParentQuotaID: parent.TimeShareID(),
		TimeSlice: timeSlice, PageTables: pageTables,
	})
	if err != nil {
		if _, rerr := caps.Revoke(dstAct, dstSel, false, nil); rerr != nil {
			d.logger.Error(rerr, "DeriveQuota rollback failed to revoke capability", "act", dstAct, "sel", dstSel)
		}
		return nil, err
	}
	return child, nil
}

// SetQuota updates tile's time-share/page-table ids in both the local
// capability and the firmware, failing NotSup if tile is a derived
// capability (kobj.Tile.SetQuota's own rule).
func (d *Driver) SetQuota(ctx context.Context, tile *kobj.Tile, timeQuotaID, ptQuotaID uint32) error {
	if err := tile.SetQuota(timeQuotaID, ptQuotaID); err != nil {
		return err
	}
	_, err := d.send(ctx, tile.ID(), &ControlMsg{Op: OpSetQuota, QuotaID: timeQuotaID, PageTables: ptQuotaID})
	return err
}

// Translate asks tile's TileMux to resolve a virtual address in act's
// address space to a physical one (used by the page-fault upcall path).
func (d *Driver) Translate(ctx context.Context, tile tcu.TileId, act tcu.ActId, virtAddr uint64) (uint64, error) {
	reply, err := d.send(ctx, tile, &ControlMsg{Op: OpTranslate, Act: act, VirtAddr: virtAddr})
	if err != nil {
		return 0, err
	}
	return reply.PhysAddr, nil
}

// Map installs a virtual-to-physical mapping of numPages pages in act's
// page table on tile.
func (d *Driver) Map(ctx context.Context, tile tcu.TileId, act tcu.ActId, virtAddr, physAddr uint64, numPages uint64, flags kobj.PageFlags) error {
	_, err := d.send(ctx, tile, &ControlMsg{
		Op: OpMap, Act: act, VirtAddr: virtAddr, PhysAddr: physAddr, NumPages: numPages, Flags: flags,
	})
	return err
}

// RemMsgs tells tile's TileMux to drop unread messages on ep, used when a
// RecvGate is rebound or revoked out from under a still-running activity.
func (d *Driver) RemMsgs(ctx context.Context, tile tcu.TileId, act tcu.ActId, ep tcu.EpId, unread uint32) error {
	_, err := d.send(ctx, tile, &ControlMsg{Op: OpRemMsgs, Act: act, EP: ep, Unread: unread})
	return err
}

// InvalidateEP clears ep's configuration on tile, the TileMux-side half of
// EP revocation.
func (d *Driver) InvalidateEP(ctx context.Context, tile tcu.TileId, ep tcu.EpId) error {
	_, err := d.send(ctx, tile, &ControlMsg{Op: OpEPInval, EP: ep})
	return err
}
