package tilemux

import (
	"context"

	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// Link connects to one tile's TileMux firmware. A tile may not have
// finished booting its multiplexer yet, so Connect can fail transiently;
// Driver retries it with backoff rather than failing the caller's request
// outright (mirrors the teacher's stream-(re)establishment in
// internal/intake/worker.go's sendDelta).
type Link interface {
	Connect(ctx context.Context, tile tcu.TileId) (Conn, error)
}

// Conn is an established channel to one tile's TileMux. Send may return
// ErrConnLost if the firmware dropped the channel (e.g. the tile was
// reset); the driver reconnects and does not retry the message itself,
// since control messages are not idempotent.
type Conn interface {
	Send(ctx context.Context, msg *ControlMsg) (*ControlReply, error)
}
