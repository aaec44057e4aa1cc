package capstore_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	actA tcu.ActId = 1
	actB tcu.ActId = 2
)

func newStore(t *testing.T) *capstore.Store {
	t.Helper()
	s, err := capstore.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsert_RejectsDuplicateSelector(t *testing.T) {
	s := newStore(t)
	rg := kobj.NewRecvGate(12, 11, actA)

	require.NoError(t, s.Insert(actA, 10, rg, false))
	err := s.Insert(actA, 10, rg, false)
	assert.Equal(t, kerr.Exists, kerr.CodeOf(err))
}

func TestInsertAsChild_RequiresExistingNonRangeParent(t *testing.T) {
	s := newStore(t)
	rg := kobj.NewRecvGate(12, 11, actA)
	sg := kobj.NewSendGate(rg, 0xBEEF, tcu.FixedCredits(1))

	err := s.InsertAsChild(actA, 11, sg, 99, false)
	assert.Equal(t, kerr.InvArgs, kerr.CodeOf(err))

	require.NoError(t, s.Insert(actA, 10, rg, false))
	require.NoError(t, s.InsertAsChild(actA, 11, sg, 10, false))

	got, err := s.Get(actA, 11)
	require.NoError(t, err)
	assert.Same(t, sg, got.Object)
}

func TestObtain_CrossesActivityBoundary(t *testing.T) {
	s := newStore(t)
	mg := kobj.NewMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)
	require.NoError(t, s.Insert(actA, 5, mg, false))

	require.NoError(t, s.Obtain(actB, 7, actA, 5, false))

	got, err := s.Get(actB, 7)
	require.NoError(t, err)
	assert.Same(t, mg, got.Object)
}

// TestRevoke_RecursiveOverSubtree mirrors scenario 2: derive SendGate S1
// from RGate R, derive a child from S1, then revoke R and expect the whole
// subtree gone.
func TestRevoke_RecursiveOverSubtree(t *testing.T) {
	s := newStore(t)

	rg := kobj.NewRecvGate(12, 11, actA)
	require.NoError(t, s.Insert(actA, 1, rg, false))

	sg := kobj.NewSendGate(rg, 0xAAAA, tcu.FixedCredits(1))
	require.NoError(t, s.InsertAsChild(actA, 2, sg, 1, false))

	mo := kobj.NewMapObject(0, 1, 1, 0, kobj.PageReadable)
	require.NoError(t, s.InsertAsChild(actA, 3, mo, 2, false))

	var destroyed []kobj.Kind
	result, err := s.Revoke(actA, 1, false, func(c *capstore.Capability) error {
		destroyed = append(destroyed, c.Object.Kind())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, result.Released, 3)

	// post-order: leaf (MapObject) destroyed before its parent (SendGate)
	// before the root (RecvGate).
	require.Len(t, destroyed, 3)
	assert.Equal(t, kobj.KindMapObject, destroyed[0])
	assert.Equal(t, kobj.KindSendGate, destroyed[1])
	assert.Equal(t, kobj.KindRecvGate, destroyed[2])

	for _, sel := range []capstore.CapSel{1, 2, 3} {
		_, err := s.Get(actA, sel)
		assert.Error(t, err)
	}
}

// TestRevoke_DestroyMayReenterStore guards against the deadlock the
// ForceStopAsync integration hits in production: destroying an Activity
// capability calls back into the same Store (RevokeAll of the activity's
// own table) from inside Revoke's destroy callback. Revoke must not still
// be holding its lock when that happens.
func TestRevoke_DestroyMayReenterStore(t *testing.T) {
	s := newStore(t)

	rg := kobj.NewRecvGate(12, 11, actA)
	require.NoError(t, s.Insert(actA, 1, rg, false))

	mg := kobj.NewMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)
	require.NoError(t, s.Insert(actB, 9, mg, false))

	_, err := s.Revoke(actA, 1, false, func(c *capstore.Capability) error {
		_, err := s.RevokeAll(actB, nil)
		return err
	})
	require.NoError(t, err)

	_, err = s.Get(actB, 9)
	assert.Error(t, err)
}

func TestRevoke_OwnOnlySparesRoot(t *testing.T) {
	s := newStore(t)
	rg := kobj.NewRecvGate(12, 11, actA)
	require.NoError(t, s.Insert(actA, 1, rg, false))
	sg := kobj.NewSendGate(rg, 0, tcu.FixedCredits(1))
	require.NoError(t, s.InsertAsChild(actA, 2, sg, 1, false))

	result, err := s.Revoke(actA, 1, true, nil)
	require.NoError(t, err)
	assert.Len(t, result.Released, 1)

	_, err = s.Get(actA, 1)
	assert.NoError(t, err)
	_, err = s.Get(actA, 2)
	assert.Error(t, err)
}
