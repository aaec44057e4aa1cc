// Package resmng defines the kernel-side primitives the resource manager
// (ResMng) uses to broker services, sessions, and capability exchange for
// its children (spec section 4.6). The ResMng itself is a user-space
// service and out of scope for this repo; this package is contracts only
// — the interface a syscall dispatcher drives, and the message shapes
// carried over the Service protocol (spec section 6).
package resmng

import (
	"context"

	"github.com/m3sys/kernel/internal/kernel/capstore"
	"github.com/m3sys/kernel/internal/kernel/tcu"
)

// ExchangeArgs carries up to eight 64-bit values between a client and a
// service handler during Delegate/Obtain (spec section 4.6: "ExchangeArgs
// (up to 8 64-bit values)").
type ExchangeArgs struct {
	Vals  [8]uint64
	Count uint8
}

// Registry is the kernel-side primitives a ResMng implementation is built
// on: service registration, session open, and capability exchange. Defined
// here as an interface — satisfied by a future syscall dispatcher — rather
// than implemented, since the ResMng that drives it is explicitly out of
// scope (spec section 4.6).
type Registry interface {
	// CreateSrv registers rgateSel under name, returning the new service
	// capability's selector.
	CreateSrv(ctx context.Context, act tcu.ActId, name string, rgateSel capstore.CapSel) (capstore.CapSel, error)

	// DeriveSrv sends an async DeriveCrt{sessions} message to the server
	// owning srvSel before issuing a child service capability permitting
	// at most sessions concurrent sessions.
	DeriveSrv(ctx context.Context, act tcu.ActId, srvSel capstore.CapSel, sessions uint64) (capstore.CapSel, error)

	// CreateSess opens a session against the service at srvSel, carrying
	// ident as the server-visible argument. The kernel only tracks
	// ownership; the session's destructor sends Close on revoke.
	CreateSess(ctx context.Context, act tcu.ActId, srvSel capstore.CapSel, ident string, autoClose bool) (capstore.CapSel, error)

	// Delegate forwards args and a capability range from act to the
	// service owning sessSel's handler, returning the (possibly
	// server-rewritten) reply arguments.
	Delegate(ctx context.Context, act tcu.ActId, sessSel capstore.CapSel, args ExchangeArgs, caps []capstore.CapSel) (ExchangeArgs, error)

	// Obtain is Delegate's inverse: the server hands capabilities back to
	// act via dstCaps.
	Obtain(ctx context.Context, act tcu.ActId, sessSel capstore.CapSel, args ExchangeArgs, dstCaps []capstore.CapSel) (ExchangeArgs, error)
}

// ServiceOp is a Service RecvGate opcode (spec section 6: "Service
// protocol").
type ServiceOp uint64

const (
	ServiceOpen ServiceOp = iota
	ServiceDeriveCrt
	ServiceObtain
	ServiceDelegate
	ServiceClose
	ServiceShutdown
)

// OpenReq is sent to open a session: the server-visible argument string.
type OpenReq struct {
	Arg string
}

// OpenReply carries the new session's server-chosen identity and the
// capability selector of the SendGate (if any) the server wants to hand
// back.
type OpenReply struct {
	Ident    uint64
	SgateSel uint64
}

// DeriveCrtReq requests a derived service capability good for at most
// Sessions concurrent sessions.
type DeriveCrtReq struct {
	Sessions uint64
}

// ObtainReq/DelegateReq carry a session id, the packed argument values,
// and how many capability selectors the exchange covers.
type ObtainReq struct {
	SessionID uint64
	Args      ExchangeArgs
	Count     uint8
}

type DelegateReq struct {
	SessionID uint64
	Args      ExchangeArgs
	Count     uint8
}

// ExchangeReply is the shared reply shape for both Obtain and Delegate.
type ExchangeReply struct {
	Args  ExchangeArgs
	Count uint8
}

// CloseReq tells the server a session is gone.
type CloseReq struct {
	SessionID uint64
}
