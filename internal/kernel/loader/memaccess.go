package loader

import "github.com/m3sys/kernel/internal/kernel/tcu"

// MemAccess is the kernel's own privileged access to tile memory — the
// direct read/write/copy/clear the original calls through ktcu, distinct
// from a user Activity's TCU Read/Write commands (which go through a
// configured MemGate EP and are bounds-checked against that gate's
// window). The loader uses this to stage ELF segments before any capability
// exists to do it the normal way.
type MemAccess interface {
	Read(tile tcu.TileId, addr uint64, size int) ([]byte, error)
	Write(tile tcu.TileId, addr uint64, data []byte) error
	Copy(dstTile tcu.TileId, dstAddr uint64, srcTile tcu.TileId, srcAddr uint64, size int) error
	Clear(tile tcu.TileId, addr uint64, size int) error
}
