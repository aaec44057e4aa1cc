package capstore

import (
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// capKey uniquely identifies a capability slot across the whole kernel: the
// owning Activity plus its selector within that Activity's table.
type capKey struct {
	act tcu.ActId
	sel CapSel
}

// Capability is one node in an Activity's capability tree: a selector, the
// kernel object it references, a parent link, and the explicit children
// list that lets revoke walk the subtree with a work list instead of
// recursion (spec section 9, "Recursive revoke without stack blowup").
// Range capabilities (contiguous selector windows used for mappings) carry
// RangeLen and share one underlying object across the whole range.
type Capability struct {
	Sel    CapSel
	Act    tcu.ActId
	Object kobj.Object

	parent   *capKey
	children []capKey

	KeepOnDrop bool
	IsRange    bool
	RangeLen   uint32

	// ChargeKMem/ChargeAmount record the KernelMemory budget a syscall
	// handler charged when this capability was inserted, so Revoke's
	// destroy callback knows what to free and where (spec section 8:
	// revoking a subtree returns every node's charge to its original
	// budget, even for nodes a later Obtain copied into another
	// Activity's table). Zero value means this node was never charged
	// (e.g. boot-time bootstrap capabilities, or a plain Obtain copy).
	ChargeKMem    *kobj.KernelMemory
	ChargeAmount  uint64
}

func keyOf(c *Capability) capKey { return capKey{act: c.Act, sel: c.Sel} }
