// Package ring provides a fixed-capacity FIFO that overwrites its oldest
// entry when full.
package ring

// DefaultCapacity is the history bound used for node packet events and
// analyzer log lines.
const DefaultCapacity = 1000

// Buffer is a bounded ring of T. The zero value is unusable; use New.
// It is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

// New creates a ring holding at most capacity items. Non-positive
// capacities use DefaultCapacity.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v and reports whether an old entry was overwritten.
func (b *Buffer[T]) Push(v T) bool {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return false
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
	return true
}

// Len returns the number of stored items.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// At returns the i-th oldest item.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.items[(b.start+i)%len(b.items)]
}

// Last returns the newest item.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(b.size - 1), true
}

// Snapshot copies the items oldest first.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}

// Clear drops every item.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start, b.size = 0, 0
}
