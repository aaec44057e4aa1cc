package resmng_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/resmng"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// fakeRegistry is a minimal in-memory stand-in used only to exercise the
// resmng.Registry contract's shape; it is not a ResMng implementation.
type fakeRegistry struct {
	nextSel  capstore.CapSel
	sessions map[capstore.CapSel]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sessions: make(map[capstore.CapSel]string)}
}

func (f *fakeRegistry) alloc() capstore.CapSel {
	f.nextSel++
	return f.nextSel
}

func (f *fakeRegistry) CreateSrv(ctx context.Context, act tcu.ActId, name string, rgateSel capstore.CapSel) (capstore.CapSel, error) {
	return f.alloc(), nil
}

func (f *fakeRegistry) DeriveSrv(ctx context.Context, act tcu.ActId, srvSel capstore.CapSel, sessions uint64) (capstore.CapSel, error) {
	return f.alloc(), nil
}

func (f *fakeRegistry) CreateSess(ctx context.Context, act tcu.ActId, srvSel capstore.CapSel, ident string, autoClose bool) (capstore.CapSel, error) {
	sel := f.alloc()
	f.sessions[sel] = ident
	return sel, nil
}

func (f *fakeRegistry) Delegate(ctx context.Context, act tcu.ActId, sessSel capstore.CapSel, args resmng.ExchangeArgs, caps []capstore.CapSel) (resmng.ExchangeArgs, error) {
	return args, nil
}

func (f *fakeRegistry) Obtain(ctx context.Context, act tcu.ActId, sessSel capstore.CapSel, args resmng.ExchangeArgs, dstCaps []capstore.CapSel) (resmng.ExchangeArgs, error) {
	return args, nil
}

var _ resmng.Registry = (*fakeRegistry)(nil)

func TestRegistry_ServiceAndSessionLifecycle(t *testing.T) {
	reg := newFakeRegistry()
	ctx := context.Background()

	srvSel, err := reg.CreateSrv(ctx, 1, "fs", 10)
	require.NoError(t, err)

	childSrvSel, err := reg.DeriveSrv(ctx, 2, srvSel, 4)
	require.NoError(t, err)
	assert.NotEqual(t, srvSel, childSrvSel)

	sessSel, err := reg.CreateSess(ctx, 2, childSrvSel, "bad", true)
	require.NoError(t, err)
	assert.Equal(t, "bad", reg.sessions[sessSel])

	args := resmng.ExchangeArgs{Vals: [8]uint64{1, 2, 3}, Count: 3}
	reply, err := reg.Delegate(ctx, 2, sessSel, args, nil)
	require.NoError(t, err)
	assert.Equal(t, args, reply)
}
