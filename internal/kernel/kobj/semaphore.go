package kobj

import "sync"

// Semaphore is a counting semaphore kernel object, manipulated by the
// SemCtrl syscall (up/down). It does not suspend the caller; the SemCtrl
// handler fails a Down that finds the count at zero with InvState.
type Semaphore struct {
	mu    sync.Mutex
	count int
}

// NewSemaphore creates a Semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

func (s *Semaphore) Kind() Kind { return KindSemaphore }

// Up increments the count.
func (s *Semaphore) Up() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
}

// Down decrements the count and returns true if it was able to (count was
// > 0 beforehand). A false return leaves the count at zero.
func (s *Semaphore) Down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
