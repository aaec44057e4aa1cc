// Package actmng implements the activity manager: the kernel-wide activity
// table, ActId allocation, and activity lifecycle (create, init, start,
// stop, force-stop) driving the per-tile TileMux control channel (spec
// section 4.4).
package actmng

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// TileMuxClient is the subset of the TileMux control channel actmng drives:
// Init on create, Start/Stop on lifecycle transitions, a hardware reset for
// non-programmable tiles, and the physical-memory-protection EP
// configuration used only during root bootstrap (SPEC_FULL section C.3).
// Defined here, implemented by internal/kernel/tilemux, so actmng depends
// on a narrow interface rather than the whole driver.
type TileMuxClient interface {
	InitActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId, timeQuotaID, ptQuotaID uint32, epsStart tcu.EpId) error
	StartActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error
	StopActivity(ctx context.Context, tile tcu.TileId, act tcu.ActId) error
	ResetTile(tile tcu.TileId) error
	ConfigMemEP(tile tcu.TileId, ep tcu.EpId, act tcu.ActId, mgate *kobj.MemGate, target tcu.TileId) error
}

// MaxActs bounds the activity table, matching the original's
// cfg::MAX_ACTS-sized slotted array.
const MaxActs = 1024

// Manager owns the kernel's activity table: a fixed-size slotted array
// scanned from a rotating cursor for the next free ActId (spec section
// 4.4: "get_id returns the first free slot starting from a rotating
// cursor").
type Manager struct {
	mu      sync.Mutex
	acts    []*kobj.Activity
	count   int
	nextID  tcu.ActId
	logger  logr.Logger
	tilemux TileMuxClient
	caps    *capstore.Store
}

// NewManager creates an empty activity table backed by tilemux for control
// messages and caps for capability bookkeeping.
func NewManager(tilemux TileMuxClient, caps *capstore.Store, logger logr.Logger) *Manager {
	return &Manager{
		acts:    make([]*kobj.Activity, MaxActs),
		logger:  logger.WithName("actmng"),
		tilemux: tilemux,
		caps:    caps,
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// ActivitiesOnTile counts how many live activities the table currently
// assigns to tile, used by TileSetPMP's invariant that a tile's PMP
// configuration can't be overwritten while anything is running on it
// (spec section 8).
func (m *Manager) ActivitiesOnTile(tile tcu.TileId) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, act := range m.acts {
		if act != nil && act.Tile() == tile {
			n++
		}
	}
	return n
}

// Activity returns the activity at id, or nil if the slot is empty.
func (m *Manager) Activity(id tcu.ActId) *kobj.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) >= len(m.acts) {
		return nil
	}
	return m.acts[id]
}

// getID scans from nextID to the end of the table, then wraps to the
// start, returning the first empty slot. Caller must hold m.mu.
func (m *Manager) getID() (tcu.ActId, error) {
	n := tcu.ActId(len(m.acts))
	for id := m.nextID; id < n; id++ {
		if m.acts[id] == nil {
			m.nextID = id + 1
			return id, nil
		}
	}
	for id := tcu.ActId(0); id < m.nextID; id++ {
		if m.acts[id] == nil {
			m.nextID = id + 1
			return id, nil
		}
	}
	return 0, kerr.NewError(kerr.NoSpace)
}

// CreateActivity allocates an ActId, constructs the Activity, inserts it
// into the table, and — unless isRoot — immediately drives it through
// TileMux::Init (spec section 4.4: "If flags are empty (not root),
// immediately calls init_activity_async").
func (m *Manager) CreateActivity(ctx context.Context, name string, tile *kobj.Tile, epsStart tcu.EpId, epCount int, kmem *kobj.KernelMemory, isRoot bool) (*kobj.Activity, error) {
	if err := tile.AllocEPs(epCount); err != nil {
		return nil, err
	}

	m.mu.Lock()
	id, err := m.getID()
	if err != nil {
		m.mu.Unlock()
		tile.FreeEPs(epCount)
		return nil, err
	}

	act := kobj.NewActivity(id, name, tile.ID(), epsStart, kmem, 32)
	act.SetEPCount(epCount)
	m.acts[id] = act
	m.count++
	m.mu.Unlock()

	m.logger.V(1).Info("created activity", "name", name, "id", id, "tile", tile.ID())

	if !isRoot {
		if err := m.InitActivityAsync(ctx, act, tile); err != nil {
			return nil, err
		}
	}
	return act, nil
}

// InitActivityAsync sends TileMux::Init if the tile is multiplexed and
// does nothing otherwise.
func (m *Manager) InitActivityAsync(ctx context.Context, act *kobj.Activity, tile *kobj.Tile) error {
	if tile.Desc().SupportsTileMux {
		if err := m.tilemux.InitActivity(ctx, act.Tile(), act.ID(), tile.TimeShareID(), tile.PageTableID(), act.EPStart()); err != nil {
			return err
		}
	}
	return nil
}

// StartActivityAsync sends TileMux::Start and waits for the acknowledgement
// so exec() can report the application as running once it returns (spec
// section 4.4).
func (m *Manager) StartActivityAsync(ctx context.Context, act *kobj.Activity, tile *kobj.Tile) error {
	if !tile.Desc().SupportsTileMux {
		return nil
	}
	return m.tilemux.StartActivity(ctx, act.Tile(), act.ID())
}

// StopActivityAsync sends TileMux::Stop if stop is set and the tile is
// multiplexed, then optionally force-resets non-programmable hardware
// (spec section 4.4).
func (m *Manager) StopActivityAsync(ctx context.Context, act *kobj.Activity, tile *kobj.Tile, stop, reset bool) error {
	if stop && tile.Desc().SupportsTileMux {
		if err := m.tilemux.StopActivity(ctx, act.Tile(), act.ID()); err != nil {
			return err
		}
	}
	if reset && !tile.Desc().Programmable {
		return m.tilemux.ResetTile(act.Tile())
	}
	return nil
}

// ForceStopAsync tears down act's capabilities, invalidates its EPs, and
// removes it from the table. Invoked during revocation if the activity is
// still alive (spec section 4.4).
func (m *Manager) ForceStopAsync(ctx context.Context, act *kobj.Activity, tile *kobj.Tile) error {
	wasAlive := act.IsAlive()
	act.MarkDead()

	if wasAlive {
		if err := m.StopActivityAsync(ctx, act, tile, tile.Desc().SupportsTileMux, true); err != nil {
			m.logger.Error(err, "force-stop failed to tear down tile", "act", act.ID())
		}
	}

	if _, err := m.caps.RevokeAll(act.ID(), nil); err != nil {
		m.logger.Error(err, "force-stop failed to revoke activity capabilities", "act", act.ID())
	}

	tile.FreeEPs(act.EPCount())
	m.removeActivity(act.ID())
	return nil
}

func (m *Manager) removeActivity(id tcu.ActId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acts[id] == nil {
		return
	}
	m.acts[id] = nil
	m.count--
}
