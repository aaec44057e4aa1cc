// Package kerr defines the kernel's error taxonomy: a flat Code enum shared
// by the TCU, capability, and coordination strata (spec section 7), plus the
// Error/Verbose wrapper types used to carry a Code across package
// boundaries.
package kerr

import "fmt"

// Code is the error code returned by a syscall reply or surfaced by the TCU.
// Zero value is Success so a zeroed reply struct defaults to "ok".
type Code uint32

const (
	Success Code = iota

	// TCU-reported errors.
	NoMEP
	NoSEP
	NoREP
	ForeignEP
	SendReplyEP
	RecvGone
	RecvNoSpace
	RepliesDisabled
	OutOfBounds
	NoCredits
	NoPerm
	InvMsgOff
	TranslationFault
	Abort
	UnknownCmd
	RecvOutOfBounds
	RecvInvReplyEPs
	SendInvCreditEp
	SendInvMsgSize
	PageBoundary
	MsgUnaligned
	TLBMiss
	TLBFull

	// Capability / software errors.
	InvArgs
	ActivityGone
	OutOfMem
	NotSup
	NoFreeTile
	InvalidElf
	NoSpace
	Exists
	EPInvalid
	MsgsWaiting
	UpcallReply
	CommitFailed
	NoKernMem
	NotFound
	NotRevocable
	Timeout
	BadFd
	SeekPipe
	EndOfFile
	KmemQuota

	// Coordination errors.
	InvState
)

var names = map[Code]string{
	Success:           "Success",
	NoMEP:             "NoMEP",
	NoSEP:             "NoSEP",
	NoREP:             "NoREP",
	ForeignEP:         "ForeignEP",
	SendReplyEP:       "SendReplyEP",
	RecvGone:          "RecvGone",
	RecvNoSpace:       "RecvNoSpace",
	RepliesDisabled:   "RepliesDisabled",
	OutOfBounds:       "OutOfBounds",
	NoCredits:         "NoCredits",
	NoPerm:            "NoPerm",
	InvMsgOff:         "InvMsgOff",
	TranslationFault:  "TranslationFault",
	Abort:             "Abort",
	UnknownCmd:        "UnknownCmd",
	RecvOutOfBounds:   "RecvOutOfBounds",
	RecvInvReplyEPs:   "RecvInvReplyEPs",
	SendInvCreditEp:   "SendInvCreditEp",
	SendInvMsgSize:    "SendInvMsgSize",
	PageBoundary:      "PageBoundary",
	MsgUnaligned:      "MsgUnaligned",
	TLBMiss:           "TLBMiss",
	TLBFull:           "TLBFull",
	InvArgs:           "InvArgs",
	ActivityGone:      "ActivityGone",
	OutOfMem:          "OutOfMem",
	NotSup:            "NotSup",
	NoFreeTile:        "NoFreeTile",
	InvalidElf:        "InvalidElf",
	NoSpace:           "NoSpace",
	Exists:            "Exists",
	EPInvalid:         "EPInvalid",
	MsgsWaiting:       "MsgsWaiting",
	UpcallReply:       "UpcallReply",
	CommitFailed:      "CommitFailed",
	NoKernMem:         "NoKernMem",
	NotFound:          "NotFound",
	NotRevocable:      "NotRevocable",
	Timeout:           "Timeout",
	BadFd:             "BadFd",
	SeekPipe:          "SeekPipe",
	EndOfFile:         "EndOfFile",
	KmemQuota:         "KmemQuota",
	InvState:          "InvState",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}
