package telemetry

// Ring is a fixed-capacity ring buffer of samples. Pushing onto a full ring
// evicts the oldest sample. Not safe for concurrent use; the Sampler
// serializes access.
type Ring struct {
	buf   []float64
	start int
	n     int
}

// NewRing returns an empty ring holding at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when full.
func (r *Ring) Push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of stored samples.
func (r *Ring) Len() int { return r.n }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Values returns the stored samples oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Tail averages the most recent n samples (all of them when fewer are
// stored). An empty ring averages to zero.
func (r *Ring) Tail(n int) float64 {
	if r.n == 0 || n <= 0 {
		return 0
	}
	if n > r.n {
		n = r.n
	}
	sum := 0.0
	for i := r.n - n; i < r.n; i++ {
		sum += r.buf[(r.start+i)%len(r.buf)]
	}
	return sum / float64(n)
}
