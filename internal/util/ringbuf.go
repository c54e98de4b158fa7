package util

// RingBuffer is a fixed-capacity sequence that evicts its oldest element
// once full. It does no locking of its own; a buffer shared across
// goroutines is guarded by its owner's mutex around every call.
type RingBuffer[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	if r.size == len(r.buf) {
		r.buf[r.start] = v
		r.start = (r.start + 1) % len(r.buf)
		return
	}
	r.buf[(r.start+r.size)%len(r.buf)] = v
	r.size++
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int { return r.size }

// Snapshot copies the elements out, oldest first. Later mutations of the
// buffer never show through the returned slice.
func (r *RingBuffer[T]) Snapshot() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Update calls fn on every stored element in place, oldest first.
func (r *RingBuffer[T]) Update(fn func(*T)) {
	for i := 0; i < r.size; i++ {
		fn(&r.buf[(r.start+i)%len(r.buf)])
	}
}
