// Package ring provides a fixed-size circular buffer of values.
package ring

import (
	"sync"
)

// Buffer is a fixed-size circular buffer. When full, each push overwrites the
// oldest element. Items are always returned oldest first.
type Buffer[T any] struct {
	buf  []T
	size int
	head int // write position
	tail int // read position
	full bool
	mu   sync.RWMutex
}

// New creates a buffer holding at most size elements.
func New[T any](size int) *Buffer[T] {
	if size <= 0 {
		size = 1
	}
	return &Buffer[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push appends v, evicting the oldest element when the buffer is full.
// It reports whether an element was evicted.
func (b *Buffer[T]) Push(v T) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		// Overwrite: advance tail to skip oldest element
		b.tail = (b.tail + 1) % b.size
		evicted = true
	}
	b.buf[b.head] = v
	b.head = (b.head + 1) % b.size
	if b.head == b.tail {
		b.full = true
	}
	return evicted
}

// Items returns the buffered elements, oldest first, in a new slice.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.lenLocked()
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = b.buf[(b.tail+i)%b.size]
	}
	return out
}

// Len returns the number of buffered elements.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lenLocked()
}

func (b *Buffer[T]) lenLocked() int {
	if b.full {
		return b.size
	}
	if b.head >= b.tail {
		return b.head - b.tail
	}
	return (b.size - b.tail) + b.head
}

// Reset clears the buffer.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head = 0
	b.tail = 0
	b.full = false
}
