package tilemux

import (
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// Opcode identifies one control message the kernel can send to a tile's
// TileMux firmware (spec section 4.4's control channel).
type Opcode uint8

const (
	OpInit Opcode = iota
	OpStart
	OpStop
	OpReset
	OpConfigMemEP
	OpDeriveQuota
	OpSetQuota
	OpTranslate
	OpMap
	OpRemMsgs
	OpEPInval
)

func (o Opcode) String() string {
	switch o {
	case OpInit:
		return "Init"
	case OpStart:
		return "Start"
	case OpStop:
		return "Stop"
	case OpReset:
		return "Reset"
	case OpConfigMemEP:
		return "ConfigMemEP"
	case OpDeriveQuota:
		return "DeriveQuota"
	case OpSetQuota:
		return "SetQuota"
	case OpTranslate:
		return "Translate"
	case OpMap:
		return "Map"
	case OpRemMsgs:
		return "RemMsgs"
	case OpEPInval:
		return "EPInval"
	default:
		return "Unknown"
	}
}

// ControlMsg is one request on a tile's control channel. Only the fields
// relevant to Op are meaningful; this mirrors the original kernel's tagged
// union of TileMux requests without needing a generated wire format, since
// the channel never crosses a process boundary.
type ControlMsg struct {
	Op      Opcode
	EventID EventID
	Act     tcu.ActId

	// Init
	TimeQuotaID uint32
	PTQuotaID   uint32
	EPStart     tcu.EpId

	// ConfigMemEP
	EP      tcu.EpId
	MemGate *kobj.MemGate
	Target  tcu.TileId

	// DeriveQuota / SetQuota
	QuotaID       uint32
	ParentQuotaID uint32
	TimeSlice     uint64
	PageTables    uint32

	// Translate / Map
	VirtAddr uint64
	PhysAddr uint64
	NumPages uint64
	Flags    kobj.PageFlags

	// RemMsgs
	Unread uint32
}

// ControlReply answers a ControlMsg with the same EventID.
type ControlReply struct {
	EventID  EventID
	Err      error
	PhysAddr uint64
	QuotaID  uint32
}
