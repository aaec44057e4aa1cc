// Package syscall implements the kernel's syscall dispatch: one fixed
// message RecvGate, per-opcode handlers that validate selectors, perform
// capability operations, and reply with a Code plus op-specific fields
// (spec section 4.3).
package syscall

// Opcode identifies a syscall, carried as the leading word of every
// message sent to the kernel's syscall RecvGate (spec section 6).
type Opcode uint16

const (
	OpCreateMGate Opcode = iota
	OpCreateRGate
	OpCreateSGate
	OpCreateSrv
	OpCreateSess
	OpCreateMap
	OpCreateActivity
	OpCreateSem
	OpAllocEP
	OpActivate
	OpActivityCtrl
	OpActivityWait
	OpDeriveMem
	OpDeriveKMem
	OpDeriveTile
	OpDeriveSrv
	OpGetSess
	OpKMemQuota
	OpTileQuota
	OpTileSetQuota
	OpTileSetPMP
	OpTileReset
	OpTileInfo
	OpTileMem
	OpSemCtrl
	OpDelegate
	OpObtain
	OpExchange
	OpRevoke
	OpNoop
)

var opNames = map[Opcode]string{
	OpCreateMGate:    "CreateMGate",
	OpCreateRGate:    "CreateRGate",
	OpCreateSGate:    "CreateSGate",
	OpCreateSrv:      "CreateSrv",
	OpCreateSess:     "CreateSess",
	OpCreateMap:      "CreateMap",
	OpCreateActivity: "CreateActivity",
	OpCreateSem:      "CreateSem",
	OpAllocEP:        "AllocEP",
	OpActivate:       "Activate",
	OpActivityCtrl:   "ActivityCtrl",
	OpActivityWait:   "ActivityWait",
	OpDeriveMem:      "DeriveMem",
	OpDeriveKMem:     "DeriveKMem",
	OpDeriveTile:     "DeriveTile",
	OpDeriveSrv:      "DeriveSrv",
	OpGetSess:        "GetSess",
	OpKMemQuota:      "KMemQuota",
	OpTileQuota:      "TileQuota",
	OpTileSetQuota:   "TileSetQuota",
	OpTileSetPMP:     "TileSetPMP",
	OpTileReset:      "TileReset",
	OpTileInfo:       "TileInfo",
	OpTileMem:        "TileMem",
	OpSemCtrl:        "SemCtrl",
	OpDelegate:       "Delegate",
	OpObtain:         "Obtain",
	OpExchange:       "Exchange",
	OpRevoke:         "Revoke",
	OpNoop:           "Noop",
}

func (o Opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "Unknown"
}

// IsAsync reports whether op requires at least one round-trip to a
// TileMux or Service before it can reply, and so must run on the
// dispatcher's async worker pool rather than inline (spec section 4.3:
// "Two classes of handlers exist: fast ... and async").
func (o Opcode) IsAsync() bool {
	switch o {
	case OpCreateActivity, OpActivityCtrl, OpActivityWait,
		OpDeriveSrv, OpCreateSess, OpTileSetQuota, OpTileSetPMP,
		OpTileReset, OpDelegate, OpObtain, OpExchange, OpSemCtrl:
		return true
	default:
		return false
	}
}
