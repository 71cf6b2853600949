package memory

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity bounds a [Ring] when no capacity is given.
const DefaultCapacity = 256

// Compile-time interface check.
var _ Store = (*Ring)(nil)

// Ring is the in-memory [Store]: a fixed-capacity circular buffer where the
// oldest entries fall out first. Nothing survives a restart.
type Ring struct {
	mu   sync.RWMutex
	buf  []Entry
	head int // index of the oldest entry
	size int
}

// NewRing creates a Ring holding at most capacity entries.
// capacity <= 0 means [DefaultCapacity].
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Entry, capacity)}
}

// Append implements [Store]. When full, the oldest entry is overwritten.
func (r *Ring) Append(_ context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = e
		r.size++
		return nil
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	return nil
}

// Recent implements [Store].
func (r *Ring) Recent(_ context.Context, limit int) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	// Newest n entries, oldest of those first.
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out, nil
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Close implements [Store]. It is a no-op for the in-memory ring.
func (r *Ring) Close() error { return nil }
