// Package kobj defines the kernel object graph: Activity, Tile,
// KernelMemory, RecvGate, SendGate, MemGate, Service, Session, MapObject and
// Semaphore. These are the objects a capability table entry may reference
// (spec section 3's "Kernel-object types").
package kobj

// Kind identifies which kernel object type a Capability references. It is a
// closed set: the capability table never stores anything outside this
// enumeration.
type Kind string

const (
	KindActivity  Kind = "Activity"
	KindTile      Kind = "Tile"
	KindKMem      Kind = "KernelMemory"
	KindRecvGate  Kind = "RecvGate"
	KindSendGate  Kind = "SendGate"
	KindMemGate   Kind = "MemGate"
	KindService   Kind = "Service"
	KindSession   Kind = "Session"
	KindMapObject Kind = "MapObject"
	KindSemaphore Kind = "Semaphore"
)

// Object is implemented by every kernel object type. Kind lets generic
// capability-table code (internal/kernel/capstore) dispatch revoke/charge
// behavior without a type switch at every call site.
type Object interface {
	Kind() Kind
}
