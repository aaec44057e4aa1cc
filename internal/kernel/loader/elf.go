package loader

import (
	"encoding/binary"

	"github.com/m3sys/kernel/pkg/kerr"
)

const elfHeaderSize = 64

// ElfHeader is the subset of a 64-bit ELF header the loader needs: the
// magic, the entry point, and the program-header table location (spec
// section C.4). No third-party ELF-over-byte-slice parser appears anywhere
// in the example corpus, and the standard library's debug/elf assumes an
// io.ReaderAt over a real file rather than a module staged in simulated
// tile memory, so this is a minimal hand-rolled decoder matching the
// original's exact field set.
type ElfHeader struct {
	Entry       uint64
	PhOff       uint64
	PhEntrySize uint16
	PhNum       uint16
}

// ParseElfHeader decodes and validates the ELF magic, returning
// kerr.InvalidElf (with a diagnostic message, since a bare code is too
// little to debug a malformed boot module) if data is too short or doesn't
// start with \x7fELF.
func ParseElfHeader(data []byte) (*ElfHeader, error) {
	if len(data) < elfHeaderSize {
		return nil, kerr.NewVerbose(kerr.InvalidElf, "module smaller than an ELF header")
	}
	if data[0] != 0x7F || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, kerr.NewVerbose(kerr.InvalidElf, "missing \\x7fELF magic")
	}

	return &ElfHeader{
		Entry:       binary.LittleEndian.Uint64(data[24:32]),
		PhOff:       binary.LittleEndian.Uint64(data[32:40]),
		PhEntrySize: binary.LittleEndian.Uint16(data[54:56]),
		PhNum:       binary.LittleEndian.Uint16(data[56:58]),
	}, nil
}

// PHType is a program-header segment type. Only PT_LOAD is meaningful to
// the loader; everything else is skipped.
type PHType uint32

const PHTypeLoad PHType = 1

// PHFlags is the program-header permission bitmask (readable/writable/
// executable), in ELF's own bit order.
type PHFlags uint32

const (
	PHFlagExec  PHFlags = 1
	PHFlagWrite PHFlags = 2
	PHFlagRead  PHFlags = 4
)

// ProgramHeader is the subset of a 64-bit ELF program header the loader
// needs to stage one LOAD segment.
type ProgramHeader struct {
	Type     PHType
	Flags    PHFlags
	Offset   uint64
	VirtAddr uint64
	FileSize uint64
	MemSize  uint64
}

const programHeaderSize = 56

// ProgramHeaders decodes hdr.PhNum entries starting at hdr.PhOff, bounds
// checking the whole table against len(data) in one shot before reading
// any entry (spec section 9: "ph_off + ph_num*ph_entry_size must not
// exceed the module's size").
func ProgramHeaders(data []byte, hdr *ElfHeader) ([]ProgramHeader, error) {
	entrySize := uint64(hdr.PhEntrySize)
	if entrySize < programHeaderSize {
		return nil, kerr.NewVerbose(kerr.InvalidElf, "program header entry smaller than expected")
	}
	tableSize := entrySize * uint64(hdr.PhNum)
	if hdr.PhOff+tableSize > uint64(len(data)) || hdr.PhOff+tableSize < hdr.PhOff {
		return nil, kerr.NewVerbose(kerr.InvalidElf, "program header table exceeds module size")
	}

	phdrs := make([]ProgramHeader, 0, hdr.PhNum)
	for i := uint16(0); i < hdr.PhNum; i++ {
		off := hdr.PhOff + uint64(i)*entrySize
		entry := data[off : off+programHeaderSize]
		phdrs = append(phdrs, ProgramHeader{
			Type:     PHType(binary.LittleEndian.Uint32(entry[0:4])),
			Flags:    PHFlags(binary.LittleEndian.Uint32(entry[4:8])),
			Offset:   binary.LittleEndian.Uint64(entry[8:16]),
			VirtAddr: binary.LittleEndian.Uint64(entry[16:24]),
			FileSize: binary.LittleEndian.Uint64(entry[32:40]),
			MemSize:  binary.LittleEndian.Uint64(entry[40:48]),
		})
	}
	return phdrs, nil
}
