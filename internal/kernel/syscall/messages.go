package syscall

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/resmng"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// Every syscall message's first 8 bytes are its Opcode (spec section 6:
// "First 8 bytes identify the opcode"); the remainder is the op-specific
// struct. Rather than hand-rolling a fixed-width binary layout per opcode
// the way bootinfo/loader do for their externally-defined wire formats,
// requests and replies here are gob-encoded: this channel never crosses a
// process boundary (the syscall RecvGate is a simulated in-kernel TCU
// endpoint, not a real wire to an external peer), so there is no format to
// match byte-for-byte, only a self-describing envelope to round-trip —
// the same reasoning capstore already applies to its own badger records.
const opcodeFieldSize = 8

// EncodeRequest packs op and req (any of the *Req types below) into a
// syscall message payload.
func EncodeRequest(op Opcode, req any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(opcodeFieldSize)
	hdr := make([]byte, opcodeFieldSize)
	binary.LittleEndian.PutUint64(hdr, uint64(op))
	buf.Write(hdr)
	if req != nil {
		if err := gob.NewEncoder(&buf).Encode(req); err != nil {
			return nil, fmt.Errorf("syscall: encode %s request: %w", op, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeOpcode reads the leading opcode word and returns the remaining
// payload bytes, failing UnknownCmd if data is too short to hold one.
func DecodeOpcode(data []byte) (Opcode, []byte, error) {
	if len(data) < opcodeFieldSize {
		return 0, nil, kerr.NewError(kerr.UnknownCmd)
	}
	op := Opcode(binary.LittleEndian.Uint64(data[:opcodeFieldSize]))
	return op, data[opcodeFieldSize:], nil
}

// DecodeRequest gob-decodes payload into req (a pointer to one of the
// *Req types below).
func DecodeRequest(payload []byte, req any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(req); err != nil {
		return kerr.Wrap(kerr.InvArgs, err)
	}
	return nil
}

// EncodeReply packs code and reply (any of the *Reply types below, or nil
// for a bare error) into a syscall reply payload: a Code (u32) followed by
// the opcode-specific fields (spec section 6).
func EncodeReply(code kerr.Code, reply any) ([]byte, error) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(code))
	buf.Write(hdr)
	if reply != nil {
		if err := gob.NewEncoder(&buf).Encode(reply); err != nil {
			return nil, fmt.Errorf("syscall: encode reply: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeReply reads a reply's leading Code and, on Success, gob-decodes
// the remainder into reply (a pointer to one of the *Reply types below, or
// nil if the opcode has no reply fields).
func DecodeReply(data []byte, reply any) (kerr.Code, error) {
	if len(data) < 4 {
		return kerr.InvState, fmt.Errorf("syscall: reply shorter than its Code field")
	}
	code := kerr.Code(binary.LittleEndian.Uint32(data[:4]))
	if code != kerr.Success || reply == nil || len(data) == 4 {
		return code, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(reply); err != nil {
		return code, fmt.Errorf("syscall: decode reply: %w", err)
	}
	return code, nil
}

// --- Request/reply structs, one pair per opcode that needs fields. ---

type CreateMGateReq struct {
	DstSel  capstore.CapSel
	TileSel capstore.CapSel
	Size    uint64
	Perm    tcu.Perm
}
type CreateMGateReply struct{}

type CreateRGateReq struct {
	DstSel   capstore.CapSel
	Order    uint8
	MsgOrder uint8
}
type CreateRGateReply struct{}

type CreateSGateReq struct {
	DstSel  capstore.CapSel
	RGateSel capstore.CapSel
	Label   tcu.Label
	Credits uint32
	Unlimited bool
}
type CreateSGateReply struct{}

type CreateSrvReq struct {
	DstSel   capstore.CapSel
	Name     string
	RGateSel capstore.CapSel
}
type CreateSrvReply struct{}

type CreateSessReq struct {
	DstSel    capstore.CapSel
	SrvSel    capstore.CapSel
	Arg       string
	AutoClose bool
}
type CreateSessReply struct {
	Ident uint64
}

type CreateMapReq struct {
	SelStart   capstore.CapSel
	NumPages   uint64
	TargetTile tcu.TileId
	TargetAddr uint64
	Flags      kobj.PageFlags
}
type CreateMapReply struct{}

type CreateActivityReq struct {
	DstSel  capstore.CapSel
	Name    string
	TileSel capstore.CapSel
	EPStart tcu.EpId
	EPCount int
	KMemSel capstore.CapSel
}
type CreateActivityReply struct {
	ActID tcu.ActId
}

type CreateSemReq struct {
	DstSel  capstore.CapSel
	Initial int
}
type CreateSemReply struct{}

type AllocEPReq struct {
	TileSel capstore.CapSel
}
type AllocEPReply struct {
	EP tcu.EpId
}

type ActivateReq struct {
	TileSel    capstore.CapSel
	EP         tcu.EpId
	GateSel    capstore.CapSel
	RBufMemSel capstore.CapSel // only consulted when GateSel names a RecvGate
	RBufOff    uint64
}
type ActivateReply struct{}

// ActivityCtrlOp mirrors the subset of kif::activity::Operation this repo
// implements (spec section 4.4's start/stop/reset lifecycle operations).
type ActivityCtrlOp uint8

const (
	ActivityStart ActivityCtrlOp = iota
	ActivityStop
	ActivityStopReset
)

type ActivityCtrlReq struct {
	ActSel capstore.CapSel
	Op     ActivityCtrlOp
}
type ActivityCtrlReply struct{}

type ActivityWaitReq struct {
	ActSel capstore.CapSel
}
type ActivityWaitReply struct {
	ExitCode int32
}

type DeriveMemReq struct {
	DstSel capstore.CapSel
	SrcSel capstore.CapSel
	Off    uint64
	Size   uint64
	Perm   tcu.Perm
}
type DeriveMemReply struct{}

type DeriveKMemReq struct {
	DstSel  capstore.CapSel
	KMemSel capstore.CapSel
	Quota   uint64
}
type DeriveKMemReply struct{}

type DeriveTileReq struct {
	DstSel  capstore.CapSel
	TileSel capstore.CapSel
}
type DeriveTileReply struct{}

type DeriveSrvReq struct {
	DstSel   capstore.CapSel
	SrvSel   capstore.CapSel
	Sessions uint64
}
type DeriveSrvReply struct{}

type GetSessReq struct {
	DstSel capstore.CapSel
	SrvSel capstore.CapSel
	Ident  uint64
}
type GetSessReply struct{}

type KMemQuotaReq struct {
	KMemSel capstore.CapSel
}
type KMemQuotaReply struct {
	Total     uint64
	Remaining uint64
}

type TileQuotaReq struct {
	TileSel capstore.CapSel
}
type TileQuotaReply struct {
	EPsRemaining int
	TimeShareID  uint32
	PageTableID  uint32
}

type TileSetQuotaReq struct {
	TileSel     capstore.CapSel
	TimeShareID uint32
	PageTableID uint32
}
type TileSetQuotaReply struct{}

type TileSetPMPReq struct {
	TileSel   capstore.CapSel
	MemSel    capstore.CapSel
	EP        tcu.EpId
	Overwrite bool
}
type TileSetPMPReply struct{}

type TileResetReq struct {
	TileSel capstore.CapSel
}
type TileResetReply struct{}

type TileInfoReq struct {
	TileSel capstore.CapSel
}
type TileInfoReply struct {
	Desc kobj.Desc
}

type TileMemReq struct {
	TileSel capstore.CapSel
}
type TileMemReply struct {
	MemSize uint64
}

type SemCtrlOp uint8

const (
	SemUp SemCtrlOp = iota
	SemDown
)

type SemCtrlReq struct {
	SemSel capstore.CapSel
	Op     SemCtrlOp
}
type SemCtrlReply struct{}

type DelegateReq struct {
	SessSel capstore.CapSel
	Args    resmng.ExchangeArgs
	Caps    []capstore.CapSel
}
type DelegateReply struct {
	Args resmng.ExchangeArgs
}

type ObtainReq struct {
	SessSel capstore.CapSel
	Args    resmng.ExchangeArgs
	DstCaps []capstore.CapSel
}
type ObtainReply struct {
	Args resmng.ExchangeArgs
}

// ExchangeReq generalizes Delegate/Obtain: Forward selects which direction
// the capability range travels (spec section 4.6 describes Delegate and
// Obtain as each other's inverse; Exchange is the single opcode the
// non-exhaustive list in spec section 4.3 names without giving it its own
// message shape, so it is implemented as a thin router over the same two
// handlers).
type ExchangeReq struct {
	SessSel capstore.CapSel
	Forward bool // true: Delegate (client -> server); false: Obtain (server -> client)
	Args    resmng.ExchangeArgs
	Caps    []capstore.CapSel
}
type ExchangeReply struct {
	Args resmng.ExchangeArgs
}

type RevokeReq struct {
	Sel     capstore.CapSel
	OwnOnly bool
}
type RevokeReply struct{}
