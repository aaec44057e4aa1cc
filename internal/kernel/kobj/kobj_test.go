package kobj_test

import (
	"testing"

	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelMemory_ConservedAcrossChargeAndFree(t *testing.T) {
	root := kobj.NewKernelMemory(1024)

	require.NoError(t, root.Charge(100))
	assert.EqualValues(t, 924, root.Remaining())

	root.Free(100)
	assert.EqualValues(t, 1024, root.Remaining())

	err := root.Charge(2000)
	assert.Equal(t, kerr.OutOfMem, kerr.CodeOf(err))
}

func TestKernelMemory_DeriveAndRelease(t *testing.T) {
	root := kobj.NewKernelMemory(1000)
	child, err := root.Derive(400)
	require.NoError(t, err)
	assert.EqualValues(t, 600, root.Remaining())
	assert.EqualValues(t, 400, child.Remaining())

	require.NoError(t, child.Charge(150))
	assert.EqualValues(t, 250, child.Remaining())

	child.Release()
	// Release hands back only the child's unused 250; the 150 still charged
	// in the child stays out of root's budget.
	assert.EqualValues(t, 850, root.Remaining())
	assert.EqualValues(t, 0, child.Remaining())
}

func TestTile_EPQuotaConserved(t *testing.T) {
	tile := kobj.NewTile(1, kobj.Desc{ISA: "riscv64", MemSize: 1 << 20}, 16, 4, 0, 0)

	require.NoError(t, tile.AllocEPs(6))
	assert.Equal(t, 10, tile.EPsRemaining())

	err := tile.AllocEPs(20)
	assert.Equal(t, kerr.NoSpace, kerr.CodeOf(err))

	tile.FreeEPs(6)
	assert.Equal(t, 16, tile.EPsRemaining())
}

func TestTile_ProtEPBudgetAndDerivedCannotSetQuota(t *testing.T) {
	tile := kobj.NewTile(1, kobj.Desc{}, 16, 2, 0, 0)

	require.NoError(t, tile.ChargeProtEP())
	require.NoError(t, tile.ChargeProtEP())
	err := tile.ChargeProtEP()
	assert.Equal(t, kerr.NoSpace, kerr.CodeOf(err))

	child := tile.Derive()
	assert.True(t, child.IsDerived())
	err = child.SetQuota(1, 2)
	assert.Equal(t, kerr.NotSup, kerr.CodeOf(err))
}

func TestMemGate_DeriveBoundsAndPermSubset(t *testing.T) {
	parent := kobj.NewMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)

	child, err := parent.Derive(100, 200, tcu.PermRead)
	require.NoError(t, err)
	assert.EqualValues(t, 100, child.Offset())
	assert.True(t, child.IsDerived())

	_, err = parent.Derive(4000, 200, tcu.PermRead)
	assert.Equal(t, kerr.InvArgs, kerr.CodeOf(err))

	_, err = parent.Derive(0, 10, tcu.PermExec)
	assert.Equal(t, kerr.NoPerm, kerr.CodeOf(err))
}

func TestActivity_UpcallBacklogAndDeath(t *testing.T) {
	kmem := kobj.NewKernelMemory(1024)
	act := kobj.NewActivity(5, "root", 1, tcu.FirstUserEp, kmem, 4)

	act.QueueUpcall(kobj.Upcall{Opcode: "PageFault"})
	act.QueueUpcall(kobj.Upcall{Opcode: "TileMuxEvent"})

	pending := act.DrainUpcalls()
	require.Len(t, pending, 2)
	assert.Equal(t, "PageFault", pending[0].Opcode)
	assert.Zero(t, act.EventFlags()&kobj.EventFlagUpcallOverflow)

	assert.True(t, act.IsAlive())
	act.MarkDead()
	assert.False(t, act.IsAlive())
}

func TestActivity_UpcallBacklogOverflowSetsEventFlag(t *testing.T) {
	kmem := kobj.NewKernelMemory(1024)
	act := kobj.NewActivity(6, "root", 1, tcu.FirstUserEp, kmem, 2)

	act.QueueUpcall(kobj.Upcall{Opcode: "A"})
	act.QueueUpcall(kobj.Upcall{Opcode: "B"})
	act.QueueUpcall(kobj.Upcall{Opcode: "C"})

	pending := act.DrainUpcalls()
	require.Len(t, pending, 2)
	assert.Equal(t, "B", pending[0].Opcode)
	assert.Equal(t, "C", pending[1].Opcode)
	assert.NotZero(t, act.EventFlags()&kobj.EventFlagUpcallOverflow)

	act.ClearEventFlag(kobj.EventFlagUpcallOverflow)
	assert.Zero(t, act.EventFlags()&kobj.EventFlagUpcallOverflow)
}

func TestService_SessionCountAndQueue(t *testing.T) {
	rg := kobj.NewRecvGate(12, 11, 1)
	svc := kobj.NewService("net", rg, 1)

	svc.AddSession()
	svc.AddSession()
	assert.Equal(t, 2, svc.SessionCount())

	svc.Enqueue(kobj.ServiceMsg{Op: "Open"})
	msgs := svc.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Open", msgs[0].Op)

	require.NoError(t, svc.RemoveSession())
	require.NoError(t, svc.RemoveSession())
	err := svc.RemoveSession()
	assert.Equal(t, kerr.InvState, kerr.CodeOf(err))
}
