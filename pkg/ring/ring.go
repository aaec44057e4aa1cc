// Package ring provides a thread-unsafe bounded backlog: a fixed-capacity
// queue that overwrites its oldest entry once full rather than blocking or
// growing. The kernel uses it for an Activity's pending-upcall backlog (spec
// section 3's "pending upcalls" field) — an Activity that never drains its
// upcalls must not let that backlog grow without bound or stall whichever
// kernel thread is trying to queue the next one, so old, presumably-stale
// notifications are discarded in favor of new ones. Because silently losing
// a notification is itself kernel-visible behavior, Push reports whether it
// evicted an entry so the caller can record the loss (e.g. as an Activity
// event flag) instead of it going unnoticed.
package ring

import "fmt"

type Buffer[T any] struct {
	data    []T
	head    int // next write position
	size    int // current number of elements
	dropped int // entries evicted since construction or the last Clear
}

// New creates a backlog with room for capacity entries.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be greater than 0, got %d", capacity)
	}
	return &Buffer[T]{
		data: make([]T, capacity),
	}, nil
}

// Push appends item, evicting the oldest entry if the backlog is already at
// capacity. It reports whether an eviction occurred, so a caller queuing
// upcalls can flag the loss rather than silently dropping one.
func (r *Buffer[T]) Push(item T) (evicted bool) {
	full := r.size == cap(r.data)
	r.data[r.head] = item
	r.head = (r.head + 1) % cap(r.data)
	if full {
		r.dropped++
	} else {
		r.size++
	}
	return full
}

// GetAll returns all pending entries in chronological order (oldest first)
// without clearing the backlog.
func (r *Buffer[T]) GetAll() []T {
	if r.size == 0 {
		return []T{}
	}
	result := make([]T, r.size)
	if r.size < cap(r.data) {
		copy(result, r.data[:r.size])
		return result
	}
	n := copy(result, r.data[r.head:])
	copy(result[n:], r.data[:r.head])
	return result
}

func (r *Buffer[T]) Len() int { return r.size }
func (r *Buffer[T]) Cap() int { return cap(r.data) }

// Dropped returns how many entries have been evicted by Push since
// construction or the last Clear.
func (r *Buffer[T]) Dropped() int { return r.dropped }

// Clear empties the backlog and resets the dropped-entry count.
func (r *Buffer[T]) Clear() {
	r.size = 0
	r.head = 0
	r.dropped = 0
	clear(r.data)
}
