package cue

import "sync"

// ring is a fixed-capacity mono sample buffer shared between the main
// deck callback (writer) and the cue device callback (reader). Both sides
// run on real-time audio threads, so every access is through TryLock:
// on contention the writer drops its samples and the reader emits
// silence, neither ever blocks.
type ring struct {
	mu   sync.Mutex
	buf  []float32
	head int // index of oldest sample
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float32, capacity)}
}

// tryPush appends samples, dropping them when the buffer is full or the
// lock is contended. Returns how many samples were actually stored.
func (r *ring) tryPush(samples []float32) int {
	if !r.mu.TryLock() {
		return 0
	}
	defer r.mu.Unlock()

	pushed := 0
	for _, s := range samples {
		if r.size == len(r.buf) {
			break
		}
		r.buf[(r.head+r.size)%len(r.buf)] = s
		r.size++
		pushed++
	}
	return pushed
}

// tryPop fills out from the buffer, zero-filling any shortfall. When the
// writer has outrun the reader past drainAbove, the excess beyond
// drainAbove is discarded first — draining to the target rather than to
// empty so fill level doesn't oscillate between starved and overfull.
// Returns false (out untouched beyond zeroing) when the lock is
// contended.
func (r *ring) tryPop(out []float32, drainAbove int) bool {
	if !r.mu.TryLock() {
		for i := range out {
			out[i] = 0
		}
		return false
	}
	defer r.mu.Unlock()

	if r.size > drainAbove {
		excess := r.size - drainAbove
		r.head = (r.head + excess) % len(r.buf)
		r.size -= excess
	}

	n := len(out)
	if n > r.size {
		n = r.size
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
	return true
}

// fill returns the current number of buffered samples.
func (r *ring) fill() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
