package tilemux_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/kobj"
	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/internal/kernel/tilemux"
)

func fastRetry() tilemux.DriverOption {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 5 * time.Millisecond
	return tilemux.WithRetryOptions(backoff.WithBackOff(bo), backoff.WithMaxTries(10))
}

type fakeConn struct {
	mu    sync.Mutex
	msgs  []*tilemux.ControlMsg
	reply func(*tilemux.ControlMsg) (*tilemux.ControlReply, error)
}

func (c *fakeConn) Send(ctx context.Context, msg *tilemux.ControlMsg) (*tilemux.ControlReply, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	if c.reply != nil {
		return c.reply(msg)
	}
	return &tilemux.ControlReply{EventID: msg.EventID}, nil
}

type fakeLink struct {
	mu           sync.Mutex
	failuresLeft map[tcu.TileId]int
	conns        map[tcu.TileId]*fakeConn
}

func newFakeLink() *fakeLink {
	return &fakeLink{failuresLeft: make(map[tcu.TileId]int), conns: make(map[tcu.TileId]*fakeConn)}
}

func (l *fakeLink) Connect(ctx context.Context, tile tcu.TileId) (tilemux.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.failuresLeft[tile]; n > 0 {
		l.failuresLeft[tile] = n - 1
		return nil, assert.AnError
	}
	c, ok := l.conns[tile]
	if !ok {
		c = &fakeConn{}
		l.conns[tile] = c
	}
	return c, nil
}

func TestDriver_InitStartStopRoundTrip(t *testing.T) {
	link := newFakeLink()
	d := tilemux.NewDriver(link, logr.Discard(), fastRetry())

	require.NoError(t, d.InitActivity(context.Background(), 1, 5, 0, 0, tcu.FirstUserEp))
	require.NoError(t, d.StartActivity(context.Background(), 1, 5))
	require.NoError(t, d.StopActivity(context.Background(), 1, 5))

	conn := link.conns[1]
	require.Len(t, conn.msgs, 3)
	assert.Equal(t, tilemux.OpInit, conn.msgs[0].Op)
	assert.Equal(t, tilemux.OpStart, conn.msgs[1].Op)
	assert.Equal(t, tilemux.OpStop, conn.msgs[2].Op)
	// every message gets a distinct, monotonic event id.
	assert.Less(t, conn.msgs[0].EventID, conn.msgs[1].EventID)
	assert.Less(t, conn.msgs[1].EventID, conn.msgs[2].EventID)
}

func TestDriver_ConnectRetriesThenSucceeds(t *testing.T) {
	link := newFakeLink()
	link.failuresLeft[2] = 3
	d := tilemux.NewDriver(link, logr.Discard(), fastRetry())

	err := d.StartActivity(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, link.failuresLeft[2])
}

func TestDriver_ConnLostTriggersReconnect(t *testing.T) {
	link := newFakeLink()
	d := tilemux.NewDriver(link, logr.Discard(), fastRetry())

	first, err := link.Connect(context.Background(), 3)
	require.NoError(t, err)
	link.conns[3] = first.(*fakeConn)
	link.conns[3].reply = func(msg *tilemux.ControlMsg) (*tilemux.ControlReply, error) {
		return nil, tilemux.ErrConnLost
	}

	err = d.StartActivity(context.Background(), 3, 1)
	assert.ErrorIs(t, err, tilemux.ErrConnLost)

	// the cached connection must have been evicted; the next call
	// reconnects instead of reusing the one that reported ErrConnLost.
	link.conns[3].reply = nil
	err = d.StartActivity(context.Background(), 3, 1)
	assert.NoError(t, err)
}

func TestDriver_DeriveQuota_RollsBackCapabilityOnFailedDebit(t *testing.T) {
	link := newFakeLink()
	link.conns[9] = &fakeConn{reply: func(msg *tilemux.ControlMsg) (*tilemux.ControlReply, error) {
		return nil, assert.AnError
	}}
	d := tilemux.NewDriver(link, logr.Discard(), fastRetry())

	caps, err := capstore.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { caps.Close() })

	parent := kobj.NewTile(9, kobj.Desc{ISA: "riscv"}, 16, 4, 1, 1)

	_, err = d.DeriveQuota(context.Background(), parent, caps, 42, 0, 1000, 1)
	assert.Error(t, err)

	_, err = caps.Get(42, 0)
	assert.Error(t, err, "failed quota derivation must roll back the inserted capability")
}

func TestDriver_DeriveQuota_SucceedsAndInsertsCapability(t *testing.T) {
	link := newFakeLink()
	d := tilemux.NewDriver(link, logr.Discard(), fastRetry())

	caps, err := capstore.New(logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { caps.Close() })

	parent := kobj.NewTile(9, kobj.Desc{ISA: "riscv"}, 16, 4, 1, 1)

	child, err := d.DeriveQuota(context.Background(), parent, caps, 42, 0, 1000, 1)
	require.NoError(t, err)

	got, err := caps.Get(42, 0)
	require.NoError(t, err)
	assert.Same(t, child, got.Object)
}
