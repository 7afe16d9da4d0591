// Package ringbuf implements the small fixed-capacity ring-buffer shape used
// by joeycumines-go-utilpkg/catrate's ringBuffer[E], simplified to a plain
// FIFO of the last N pushed values with automatic eviction of the oldest
// entry once full — ThroughputSampler only needs "the last N raw samples"
// for its moving average, not catrate's resizable, binary-searchable window.
package ringbuf

import "golang.org/x/exp/constraints"

// Ring holds up to a fixed capacity of ordered values, oldest evicted first.
type Ring[E constraints.Ordered] struct {
	buf []E
	n   int // number of valid elements currently held
	pos int // index the next Push writes to
}

// New creates a Ring with the given capacity (clamped to at least 1).
func New[E constraints.Ordered](capacity int) *Ring[E] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[E]{buf: make([]E, capacity)}
}

// Push appends v, evicting the oldest value once the ring is full.
func (r *Ring[E]) Push(v E) {
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Len returns the number of values currently held.
func (r *Ring[E]) Len() int { return r.n }

// Values returns the ring's contents oldest-first.
func (r *Ring[E]) Values() []E {
	out := make([]E, r.n)
	if r.n < len(r.buf) {
		copy(out, r.buf[:r.n])
		return out
	}
	copy(out, r.buf[r.pos:])
	copy(out[len(r.buf)-r.pos:], r.buf[:r.pos])
	return out
}
