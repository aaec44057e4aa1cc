package tcu

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/m3sys/kernel/pkg/kerr"
)

// Registry is a per-tile table of endpoint slots. Grounded on
// pkg/performance/registry.go's register/lookup/enumerate shape, adapted
// from a map keyed by MetricType to a fixed-size slice keyed by EpId (the
// TCU has a hardware-bounded number of EPs per tile, not an open set).
type Registry struct {
	mu     sync.Mutex
	tile   TileId
	logger logr.Logger
	slots  []EPConfig
	bufs   []*RecvBuffer // non-nil for ReceiveKind slots
	dram   []byte        // simulated tile-local DRAM, addressed by Memory EPs
}

// NewRegistry creates a Registry with numEPs slots, all Unconfigured, backed
// by a dramSize-byte simulated memory region.
func NewRegistry(tile TileId, numEPs int, dramSize uint64, logger logr.Logger) *Registry {
	return &Registry{
		tile:   tile,
		logger: logger.WithName("tcu-registry").WithValues("tile", tile),
		slots:  make([]EPConfig, numEPs),
		bufs:   make([]*RecvBuffer, numEPs),
		dram:   make([]byte, dramSize),
	}
}

// backingStore returns a copy of the length bytes starting at addr,
// zero-extended if the region exceeds dram's current size.
func (r *Registry) backingStore(addr, length uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, length)
	if addr >= uint64(len(r.dram)) {
		return out
	}
	end := addr + length
	if end > uint64(len(r.dram)) {
		end = uint64(len(r.dram))
	}
	copy(out, r.dram[addr:end])
	return out
}

func (r *Registry) writeBackingStore(addr uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := addr + uint64(len(data))
	if end > uint64(len(r.dram)) {
		grown := make([]byte, end)
		copy(grown, r.dram)
		r.dram = grown
	}
	copy(r.dram[addr:end], data)
}

func (r *Registry) NumEPs() int { return len(r.slots) }

func (r *Registry) checkEp(ep EpId) error {
	if int(ep) >= len(r.slots) {
		return kerr.NewError(kerr.InvArgs)
	}
	return nil
}

// ConfigureSend programs ep as a Send endpoint.
func (r *Registry) ConfigureSend(ep EpId, cfg SendConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkEp(ep); err != nil {
		return err
	}
	r.slots[ep] = EPConfig{Kind: SendKind, Send: cfg}
	r.bufs[ep] = nil
	r.logger.V(1).Info("configured send EP", "ep", ep, "target", cfg.TargetTile)
	return nil
}

// ConfigureRecv programs ep as a Receive endpoint, allocating its backing
// RecvBuffer. Re-configuring an already-Receive EP rebinds rather than
// replacing the buffer, so FetchMsg offsets already handed to the caller
// become stale (spec section 9, Open Question).
func (r *Registry) ConfigureRecv(ep EpId, cfg RecvConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkEp(ep); err != nil {
		return err
	}
	if r.slots[ep].Kind == ReceiveKind && r.bufs[ep] != nil {
		r.bufs[ep].Rebind(cfg.Order, cfg.MsgOrder)
	} else {
		r.bufs[ep] = NewRecvBuffer(cfg.Order, cfg.MsgOrder)
	}
	r.slots[ep] = EPConfig{Kind: ReceiveKind, Recv: cfg}
	r.logger.V(1).Info("configured receive EP", "ep", ep, "order", cfg.Order, "msgOrder", cfg.MsgOrder)
	return nil
}

// ConfigureMem programs ep as a Memory endpoint.
func (r *Registry) ConfigureMem(ep EpId, cfg MemConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkEp(ep); err != nil {
		return err
	}
	r.slots[ep] = EPConfig{Kind: MemoryKind, Mem: cfg}
	r.bufs[ep] = nil
	r.logger.V(1).Info("configured memory EP", "ep", ep, "target", cfg.TargetTile)
	return nil
}

// Invalidate resets ep to Unconfigured, freeing it back to the tile.
func (r *Registry) Invalidate(ep EpId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkEp(ep); err != nil {
		return err
	}
	r.slots[ep] = EPConfig{}
	r.bufs[ep] = nil
	return nil
}

// Get returns ep's current configuration.
func (r *Registry) Get(ep EpId) (EPConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkEp(ep); err != nil {
		return EPConfig{}, err
	}
	return r.slots[ep], nil
}

// RecvBufferFor returns the backing RecvBuffer for a Receive EP.
func (r *Registry) RecvBufferFor(ep EpId) (*RecvBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkEp(ep); err != nil {
		return nil, err
	}
	if r.slots[ep].Kind != ReceiveKind || r.bufs[ep] == nil {
		return nil, kerr.NewError(kerr.NoREP)
	}
	return r.bufs[ep], nil
}

// FreeSlots reports how many EPs are currently Unconfigured.
func (r *Registry) FreeSlots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.Kind == Unconfigured {
			n++
		}
	}
	return n
}

// AllocFree finds and returns the first Unconfigured EP id at or above
// start, or NoSpace.
func (r *Registry) AllocFree(start EpId) (EpId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ep := int(start); ep < len(r.slots); ep++ {
		if r.slots[ep].Kind == Unconfigured {
			return EpId(ep), nil
		}
	}
	return 0, kerr.NewError(kerr.NoSpace)
}
