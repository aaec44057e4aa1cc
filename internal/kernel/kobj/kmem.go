package kobj

import (
	"sync"

	"github.com/m3sys/kernel/pkg/kerr"
)

// KernelMemory is a budget for kernel-object allocation: every capability
// insertion charges its owning Activity's KernelMemory, and every revoke
// frees the charge back. remaining strictly decreases under Charge and
// strictly increases under Free, and never goes negative (spec section 3's
// state invariant and section 8's conservation invariant: allocated + free
// == total, checked at all times).
type KernelMemory struct {
	mu sync.Mutex

	parent    *KernelMemory
	total     uint64
	remaining uint64
}

// NewKernelMemory creates a root KernelMemory budget with no parent.
func NewKernelMemory(total uint64) *KernelMemory {
	return &KernelMemory{total: total, remaining: total}
}

func (k *KernelMemory) Kind() Kind { return KindKMem }

// Derive carves a child budget of size quota out of k, charging it against
// k's own remaining.
func (k *KernelMemory) Derive(quota uint64) (*KernelMemory, error) {
	if err := k.Charge(quota); err != nil {
		return nil, err
	}
	return &KernelMemory{parent: k, total: quota, remaining: quota}, nil
}

// Charge deducts size from remaining, failing OutOfMem if insufficient.
func (k *KernelMemory) Charge(size uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if size > k.remaining {
		return kerr.NewError(kerr.OutOfMem)
	}
	k.remaining -= size
	return nil
}

// Free returns size to remaining. Freeing more than total-remaining is a
// kernel-internal invariant violation (spec section 7: "negative
// KernelMemory... terminate the kernel") and panics rather than silently
// clamping.
func (k *KernelMemory) Free(size uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.remaining+size > k.total {
		panic("kobj: KernelMemory.Free exceeds total, quota accounting is broken")
	}
	k.remaining += size
}

func (k *KernelMemory) Total() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.total
}

func (k *KernelMemory) Remaining() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.remaining
}

// Release returns the entirety of a derived KernelMemory's remaining quota
// to its parent, then zeroes it out. Called when the KernelMemory
// capability itself (not one of the objects charged against it) is
// revoked.
func (k *KernelMemory) Release() {
	k.mu.Lock()
	remaining := k.remaining
	k.remaining = 0
	k.total = 0
	parent := k.parent
	k.mu.Unlock()

	if parent != nil {
		parent.Free(remaining)
	}
}
