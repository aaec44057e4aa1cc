// Package bootinfo decodes and encodes the boot-info block the platform
// loader places in DRAM before starting the kernel: counts, module
// descriptors, tile descriptors, and memory-region descriptors (spec
// section 6).
package bootinfo

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/m3sys/kernel/pkg/kerr"
)

const nameSize = 64

// Info is the boot-info header: how many of each descriptor kind follow it
// in the contiguous DRAM block.
type Info struct {
	ModCount  uint64
	TileCount uint64
	MemCount  uint64
	ServCount uint64
}

// Mod describes one staged boot module (an ELF image or data file).
type Mod struct {
	Addr uint64
	Size uint64
	Name string
}

// Tile describes one compute tile known to the platform at boot.
type Tile struct {
	ID   uint32
	Desc uint64
}

// Mem describes one DRAM region, reserved or free (spec section 6's
// `Mem{global, size, reserved}`).
type Mem struct {
	Global   uint64
	Size     uint64
	Reserved bool
}

// Boot is the fully decoded boot-info block, tagged with a session id so
// kernel diagnostics can correlate log lines from a single boot across
// goroutines without threading a boot-specific context value everywhere.
type Boot struct {
	SessionID uuid.UUID
	Info      Info
	Mods      []Mod
	Tiles     []Tile
	Mems      []Mem
}

const infoSize = 32

// Decode parses a boot-info block from its in-memory representation. Every
// fixed-size record is bounds-checked against the remaining buffer before
// being read, returning kerr.InvalidElf (the boot-info block lives
// alongside ELF modules in the same staged-by-the-loader memory, and
// shares its "truncated input" failure mode) with a diagnostic message.
func Decode(data []byte) (*Boot, error) {
	if len(data) < infoSize {
		return nil, kerr.NewVerbose(kerr.InvalidElf, "boot info block smaller than its header")
	}

	info := Info{
		ModCount:  binary.LittleEndian.Uint64(data[0:8]),
		TileCount: binary.LittleEndian.Uint64(data[8:16]),
		MemCount:  binary.LittleEndian.Uint64(data[16:24]),
		ServCount: binary.LittleEndian.Uint64(data[24:32]),
	}
	off := infoSize

	mods, off, err := decodeMods(data, off, info.ModCount)
	if err != nil {
		return nil, err
	}
	tiles, off, err := decodeTiles(data, off, info.TileCount)
	if err != nil {
		return nil, err
	}
	mems, _, err := decodeMems(data, off, info.MemCount)
	if err != nil {
		return nil, err
	}

	return &Boot{
		SessionID: uuid.New(),
		Info:      info,
		Mods:      mods,
		Tiles:     tiles,
		Mems:      mems,
	}, nil
}

const modSize = 8 + 8 + nameSize

func decodeMods(data []byte, off int, count uint64) ([]Mod, int, error) {
	mods := make([]Mod, 0, count)
	for i := uint64(0); i < count; i++ {
		if off+modSize > len(data) {
			return nil, 0, kerr.NewVerbose(kerr.InvalidElf, "boot info module table truncated")
		}
		rec := data[off : off+modSize]
		nameBytes := rec[16 : 16+nameSize]
		nul := nameSize
		for i, b := range nameBytes {
			if b == 0 {
				nul = i
				break
			}
		}
		mods = append(mods, Mod{
			Addr: binary.LittleEndian.Uint64(rec[0:8]),
			Size: binary.LittleEndian.Uint64(rec[8:16]),
			Name: string(nameBytes[:nul]),
		})
		off += modSize
	}
	return mods, off, nil
}

const tileSize = 4 + 8

func decodeTiles(data []byte, off int, count uint64) ([]Tile, int, error) {
	tiles := make([]Tile, 0, count)
	for i := uint64(0); i < count; i++ {
		if off+tileSize > len(data) {
			return nil, 0, kerr.NewVerbose(kerr.InvalidElf, "boot info tile table truncated")
		}
		rec := data[off : off+tileSize]
		tiles = append(tiles, Tile{
			ID:   binary.LittleEndian.Uint32(rec[0:4]),
			Desc: binary.LittleEndian.Uint64(rec[4:12]),
		})
		off += tileSize
	}
	return tiles, off, nil
}

const memSize = 8 + 8 + 1

func decodeMems(data []byte, off int, count uint64) ([]Mem, int, error) {
	mems := make([]Mem, 0, count)
	for i := uint64(0); i < count; i++ {
		if off+memSize > len(data) {
			return nil, 0, kerr.NewVerbose(kerr.InvalidElf, "boot info memory table truncated")
		}
		rec := data[off : off+memSize]
		mems = append(mems, Mem{
			Global:   binary.LittleEndian.Uint64(rec[0:8]),
			Size:     binary.LittleEndian.Uint64(rec[8:16]),
			Reserved: rec[16] != 0,
		})
		off += memSize
	}
	return mems, off, nil
}

// Encode serializes b back into the same layout Decode reads, used by boot
// harnesses and tests constructing synthetic boot-info blocks.
func Encode(b *Boot) ([]byte, error) {
	if len(b.Mods) != int(b.Info.ModCount) || len(b.Tiles) != int(b.Info.TileCount) || len(b.Mems) != int(b.Info.MemCount) {
		return nil, fmt.Errorf("bootinfo: Info counts don't match slice lengths")
	}

	buf := make([]byte, infoSize, infoSize+len(b.Mods)*modSize+len(b.Tiles)*tileSize+len(b.Mems)*memSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.Info.ModCount)
	binary.LittleEndian.PutUint64(buf[8:16], b.Info.TileCount)
	binary.LittleEndian.PutUint64(buf[16:24], b.Info.MemCount)
	binary.LittleEndian.PutUint64(buf[24:32], b.Info.ServCount)

	for _, m := range b.Mods {
		rec := make([]byte, modSize)
		binary.LittleEndian.PutUint64(rec[0:8], m.Addr)
		binary.LittleEndian.PutUint64(rec[8:16], m.Size)
		if len(m.Name) > nameSize {
			return nil, fmt.Errorf("bootinfo: module name %q exceeds %d bytes", m.Name, nameSize)
		}
		copy(rec[16:16+nameSize], m.Name)
		buf = append(buf, rec...)
	}
	for _, t := range b.Tiles {
		rec := make([]byte, tileSize)
		binary.LittleEndian.PutUint32(rec[0:4], t.ID)
		binary.LittleEndian.PutUint64(rec[4:12], t.Desc)
		buf = append(buf, rec...)
	}
	for _, mm := range b.Mems {
		rec := make([]byte, memSize)
		binary.LittleEndian.PutUint64(rec[0:8], mm.Global)
		binary.LittleEndian.PutUint64(rec[8:16], mm.Size)
		if mm.Reserved {
			rec[16] = 1
		}
		buf = append(buf, rec...)
	}
	return buf, nil
}
