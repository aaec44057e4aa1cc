package tcu

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/m3sys/kernel/pkg/kerr"
)

// Fabric is the shared substrate connecting every tile's Registry: the
// thing a real TCU's on-chip network provides. The kernel's own TCU
// instance, and every simulated tile, share one Fabric so Send can route a
// message from one tile's Send EP into another tile's Receive EP buffer,
// and the kernel's privileged Memory EP can reach into any tile's register
// file to reconfigure it remotely (spec section 4.1).
type Fabric struct {
	mu    sync.RWMutex
	tiles map[TileId]*Registry
}

func NewFabric() *Fabric {
	return &Fabric{tiles: make(map[TileId]*Registry)}
}

// AddTile registers tile's Registry with the fabric. Called once per tile at
// boot.
func (f *Fabric) AddTile(id TileId, reg *Registry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiles[id] = reg
}

func (f *Fabric) Registry(id TileId) (*Registry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.tiles[id]
	return r, ok
}

// LocalTCU is the per-tile handle to the fabric: the register-level
// contract spec section 4.1 describes (Send/Reply/Read/Write/FetchMsg/
// AckMsg, plus remote EP configuration for the kernel's privileged tile).
type LocalTCU struct {
	tile    TileId
	fabric  *Fabric
	reg     *Registry
	logger  logr.Logger
}

func NewLocalTCU(tile TileId, fabric *Fabric, reg *Registry, logger logr.Logger) *LocalTCU {
	fabric.AddTile(tile, reg)
	return &LocalTCU{
		tile:   tile,
		fabric: fabric,
		reg:    reg,
		logger: logger.WithName("tcu").WithValues("tile", tile),
	}
}

func (t *LocalTCU) Tile() TileId       { return t.tile }
func (t *LocalTCU) Registry() *Registry { return t.reg }

// DirectAccess is the kernel's own privileged access to tile-local DRAM,
// bypassing the EP/credit/bounds-check machinery a user Activity's TCU
// commands go through. internal/kernel/loader uses this to stage an ELF
// module's segments before any capability exists to do it the ordinary way
// (its MemAccess interface is satisfied here rather than by LocalTCU, since
// LocalTCU's Read/Write are scoped to a configured EP, not a raw tile+addr
// pair).
type DirectAccess struct {
	fabric *Fabric
}

func NewDirectAccess(fabric *Fabric) *DirectAccess {
	return &DirectAccess{fabric: fabric}
}

func (d *DirectAccess) registryFor(tile TileId) (*Registry, error) {
	reg, ok := d.fabric.Registry(tile)
	if !ok {
		return nil, kerr.NewError(kerr.NoFreeTile)
	}
	return reg, nil
}

func (d *DirectAccess) Read(tile TileId, addr uint64, size int) ([]byte, error) {
	reg, err := d.registryFor(tile)
	if err != nil {
		return nil, err
	}
	return reg.backingStore(addr, uint64(size)), nil
}

func (d *DirectAccess) Write(tile TileId, addr uint64, data []byte) error {
	reg, err := d.registryFor(tile)
	if err != nil {
		return err
	}
	reg.writeBackingStore(addr, data)
	return nil
}

func (d *DirectAccess) Copy(dstTile TileId, dstAddr uint64, srcTile TileId, srcAddr uint64, size int) error {
	data, err := d.Read(srcTile, srcAddr, size)
	if err != nil {
		return err
	}
	return d.Write(dstTile, dstAddr, data)
}

func (d *DirectAccess) Clear(tile TileId, addr uint64, size int) error {
	return d.Write(tile, addr, make([]byte, size))
}
