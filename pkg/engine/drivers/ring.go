package drivers

// ring is the simulated DMA memory shared between a DMA endpoint and the
// peer it exchanges data with (host memory or the audio interface).
type ring struct {
	data       []byte
	head, size int
}

func newRing(capacity int) *ring {
	return &ring{data: make([]byte, capacity)}
}

func (r *ring) capacity() int { return len(r.data) }
func (r *ring) avail() int    { return r.size }
func (r *ring) free() int     { return len(r.data) - r.size }

func (r *ring) write(p []byte) int {
	n := min(len(p), r.free())
	if n == 0 {
		return 0
	}
	tail := (r.head + r.size) % len(r.data)
	for i := 0; i < n; i++ {
		r.data[(tail+i)%len(r.data)] = p[i]
	}
	r.size += n
	return n
}

func (r *ring) read(p []byte) int {
	n := min(len(p), r.size)
	if n == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		p[i] = r.data[(r.head+i)%len(r.data)]
	}
	r.discard(n)
	return n
}

// discard drops up to n of the oldest bytes.
func (r *ring) discard(n int) {
	n = min(n, r.size)
	if n <= 0 {
		return
	}
	r.head = (r.head + n) % len(r.data)
	r.size -= n
}

func (r *ring) reset() {
	r.head, r.size = 0, 0
	clear(r.data)
}
