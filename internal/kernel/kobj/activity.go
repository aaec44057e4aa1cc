package kobj

import (
	"context"
	"sync"

	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
	"github.com/m3sys/kernel/pkg/ring"
)

// State is an Activity's lifecycle state (spec section 3).
type State string

const (
	StateRunning State = "Running"
	StateDead    State = "Dead"
)

// EventFlagUpcallOverflow is set on an Activity whose upcall backlog
// evicted a pending, undelivered upcall to make room for a new one, so
// whatever later inspects EventFlags can tell the backlog lost one.
const EventFlagUpcallOverflow uint32 = 1 << 0

// Upcall is a pending notification queued for an Activity (e.g. a page
// fault or a TileMux event) that has not yet been delivered to its owner.
type Upcall struct {
	Opcode  string
	Payload []byte
}

// Activity is the kernel-side handle for one running (or recently dead)
// program: its identity, the Tile it runs on, its EP allocation window, its
// KernelMemory budget, and its two capability trees (object caps live in
// internal/kernel/capstore, keyed by this Activity's ActId; Activity itself
// only carries the fields spec section 3 lists).
type Activity struct {
	mu sync.Mutex

	id      tcu.ActId
	name    string
	tile    tcu.TileId
	epStart tcu.EpId
	epCount int
	kmem    *KernelMemory

	state State
	pid   uint64

	eventFlags   uint32
	pendingUpcalls *ring.Buffer[Upcall]

	exited    bool
	exitCode  int32
	waiters   []chan int32
}

// NewActivity constructs an Activity in the Running state with backlog
// capacity for upcallBacklog pending notifications.
func NewActivity(id tcu.ActId, name string, tile tcu.TileId, epStart tcu.EpId, kmem *KernelMemory, upcallBacklog int) *Activity {
	backlog, err := ring.New[Upcall](upcallBacklog)
	if err != nil {
		panic("kobj: NewActivity given a non-positive upcall backlog: " + err.Error())
	}
	return &Activity{
		id:             id,
		name:           name,
		tile:           tile,
		epStart:        epStart,
		kmem:           kmem,
		state:          StateRunning,
		pendingUpcalls: backlog,
	}
}

func (a *Activity) Kind() Kind { return KindActivity }

func (a *Activity) ID() tcu.ActId      { return a.id }
func (a *Activity) Name() string       { return a.name }
func (a *Activity) Tile() tcu.TileId   { return a.tile }
func (a *Activity) EPStart() tcu.EpId  { return a.epStart }
func (a *Activity) KMem() *KernelMemory { return a.kmem }
func (a *Activity) PID() uint64        { return a.pid }

// EPCount returns how many EPs were granted to this activity at creation,
// the amount FreeEPs should return to its Tile on destruction.
func (a *Activity) EPCount() int { return a.epCount }

// SetEPCount records the EP allocation size. Called once by whatever
// creates the activity, after it has reserved the EPs on the Tile.
func (a *Activity) SetEPCount(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epCount = n
}

func (a *Activity) SetPID(pid uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pid = pid
}

// State returns the Activity's current lifecycle state.
func (a *Activity) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// MarkDead transitions the Activity to Dead. Idempotent.
func (a *Activity) MarkDead() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateDead
}

// IsAlive reports whether the activity is still Running; async waiters that
// observe Dead on resume surface ActivityGone rather than a stale reply.
func (a *Activity) IsAlive() bool {
	return a.State() == StateRunning
}

// Exit records exitCode, marks the activity Dead, and wakes every goroutine
// parked in Wait (spec section 4.4's "ActivityWait returns exitcode" end to
// end scenario). Idempotent: a second Exit is a no-op, matching an
// activity that can only report one exit code.
func (a *Activity) Exit(exitCode int32) {
	a.mu.Lock()
	if a.exited {
		a.mu.Unlock()
		return
	}
	a.exited = true
	a.exitCode = exitCode
	a.state = StateDead
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	for _, w := range waiters {
		w <- exitCode
	}
}

// Wait blocks until the activity exits (or ctx is done), returning its exit
// code. An activity already dead without having reported an exit code
// (force-stopped rather than exited normally) surfaces ActivityGone instead
// of a fabricated code.
func (a *Activity) Wait(ctx context.Context) (int32, error) {
	a.mu.Lock()
	if a.exited {
		code := a.exitCode
		a.mu.Unlock()
		return code, nil
	}
	if a.state == StateDead {
		a.mu.Unlock()
		return 0, kerr.NewError(kerr.ActivityGone)
	}
	ch := make(chan int32, 1)
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		return 0, kerr.Wrap(kerr.Timeout, ctx.Err())
	}
}

// SetEventFlag ORs bit into the Activity's event-flag word (used by TileMux
// upcall delivery to signal e.g. "page fault pending").
func (a *Activity) SetEventFlag(bit uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventFlags |= bit
}

// ClearEventFlag clears bit.
func (a *Activity) ClearEventFlag(bit uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventFlags &^= bit
}

func (a *Activity) EventFlags() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eventFlags
}

// QueueUpcall appends an upcall to the pending backlog. If the backlog was
// already full, the oldest undelivered upcall is evicted to make room and
// EventFlagUpcallOverflow is set so the loss isn't silent.
func (a *Activity) QueueUpcall(u Upcall) {
	a.mu.Lock()
	evicted := a.pendingUpcalls.Push(u)
	if evicted {
		a.eventFlags |= EventFlagUpcallOverflow
	}
	a.mu.Unlock()
}

// DrainUpcalls returns and clears all pending upcalls. It does not clear
// EventFlagUpcallOverflow: that the backlog once overflowed remains true
// even after the surviving entries are drained, until ClearEventFlag is
// called explicitly.
func (a *Activity) DrainUpcalls() []Upcall {
	a.mu.Lock()
	all := a.pendingUpcalls.GetAll()
	a.pendingUpcalls.Clear()
	a.mu.Unlock()
	return all
}
