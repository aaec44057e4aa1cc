package kernel

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/internal/kernel/tilemux"
)

// simConn answers every control message immediately and successfully. The
// real TileMux firmware this stands in for applies the opcode to its
// tile's register file and PMP windows; in this simulated boot, that
// effect is already visible through tcu.Registry (internal/kernel/tcu), so
// the control channel itself only needs to exist and round-trip, the way
// tilemux/driver_test.go's fakeConn stands in for it under test.
type simConn struct {
	tile   tcu.TileId
	logger logr.Logger
}

func (c *simConn) Send(ctx context.Context, msg *tilemux.ControlMsg) (*tilemux.ControlReply, error) {
	c.logger.V(1).Info("tilemux control message", "tile", c.tile, "op", msg.Op, "event", msg.EventID)
	return &tilemux.ControlReply{EventID: msg.EventID}, nil
}

// SimLink is an in-process stand-in for real TileMux silicon: every tile
// "boots" its multiplexer instantly and its control channel never drops.
// Real NIC/DRAM-attached TileMux firmware is out of scope (spec
// Non-goals), so cmd/kernel dials this instead of a hardware transport to
// produce a runnable boot.
type SimLink struct {
	mu     sync.Mutex
	conns  map[tcu.TileId]*simConn
	logger logr.Logger
}

func NewSimLink(logger logr.Logger) *SimLink {
	return &SimLink{
		conns:  make(map[tcu.TileId]*simConn),
		logger: logger.WithName("simlink"),
	}
}

func (l *SimLink) Connect(ctx context.Context, tile tcu.TileId) (tilemux.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[tile]
	if !ok {
		c = &simConn{tile: tile, logger: l.logger}
		l.conns[tile] = c
	}
	return c, nil
}
