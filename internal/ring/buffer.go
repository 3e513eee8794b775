// Package ring provides a fixed-capacity, overwrite-on-full circular
// buffer used by the interceptor event log to retain the most recent N
// events without unbounded growth.
package ring

import (
	"sync"

	"github.com/mtford90/procsi/internal/assert"
)

// Buffer is a thread-safe, fixed-capacity ring. Pushing past capacity
// silently overwrites the oldest retained item rather than failing or
// blocking — callers that need to react to eviction inspect the
// (evicted, ok) return from Push.
type Buffer[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	start    int // index of the oldest retained item
	count    int
}

// New creates a ring with the given capacity. Returns an error if
// capacity <= 0.
func New[T any](capacity int) (*Buffer[T], error) {
	if err := assert.Check(capacity > 0, "capacity must be positive"); err != nil {
		return nil, err
	}
	return &Buffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}, nil
}

// Push appends item, overwriting the oldest retained item when the
// ring is already full. Returns the evicted item and true when an
// eviction occurred.
func (b *Buffer[T]) Push(item T) (evicted T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		idx := (b.start + b.count) % b.capacity
		b.data[idx] = item
		b.count++
		return evicted, false
	}

	evicted = b.data[b.start]
	b.data[b.start] = item
	b.start = (b.start + 1) % b.capacity
	return evicted, true
}

// Len returns the number of retained items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Clear discards all retained items, keeping capacity unchanged.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.start = 0
	b.count = 0
}

// ForEach visits retained items oldest-first. Stops early when visit
// returns false.
func (b *Buffer[T]) ForEach(visit func(item T) bool) {
	b.mu.Lock()
	items := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		items[i] = b.data[(b.start+i)%b.capacity]
	}
	b.mu.Unlock()

	for _, item := range items {
		if !visit(item) {
			return
		}
	}
}

// Snapshot returns a copy of all retained items, oldest-first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(b.start+i)%b.capacity]
	}
	return out
}
