package kobj

import (
	"sync"

	"github.com/m3sys/kernel/internal/kernel/tcu"
	"github.com/m3sys/kernel/pkg/kerr"
)

// ServiceMsg is one outbound message queued to a Service's server (spec
// section 5's Service protocol: Open, DeriveCrt, Obtain, Delegate, Close,
// Shutdown).
type ServiceMsg struct {
	Op      string
	Session uint64
	Payload []byte
}

// Service is the kernel-side name registration for a server: a unique name,
// the RecvGate it answers requests on, how many Sessions currently
// reference it, and its outbound send queue (spec section 3: "per-service
// send queue to server").
type Service struct {
	mu sync.Mutex

	name    string
	rgate   *RecvGate
	creator tcu.ActId

	sessionCount int
	queue        []ServiceMsg
}

// NewService registers a Service named name, answering on rgate, created by
// creator.
func NewService(name string, rgate *RecvGate, creator tcu.ActId) *Service {
	return &Service{name: name, rgate: rgate, creator: creator}
}

func (s *Service) Kind() Kind { return KindService }

func (s *Service) Name() string       { return s.name }
func (s *Service) RGate() *RecvGate   { return s.rgate }
func (s *Service) Creator() tcu.ActId { return s.creator }

// Enqueue appends msg to the service's outbound queue.
func (s *Service) Enqueue(msg ServiceMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, msg)
}

// Drain removes and returns all queued messages in FIFO order.
func (s *Service) Drain() []ServiceMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queue
	s.queue = nil
	return msgs
}

func (s *Service) AddSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCount++
}

// RemoveSession decrements the session count, failing InvState if it is
// already zero (a kernel-internal accounting bug, not a client error).
func (s *Service) RemoveSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionCount == 0 {
		return kerr.NewError(kerr.InvState)
	}
	s.sessionCount--
	return nil
}

func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionCount
}
