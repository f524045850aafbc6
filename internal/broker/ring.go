package broker

// ring is a fixed-capacity history buffer with O(1) append. When full, an
// append overwrites the oldest entry.
type ring struct {
	buf   []*Message
	start int // index of the oldest entry
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*Message, capacity)}
}

func (r *ring) append(m *Message) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int {
	return r.count
}

// recent returns up to the n most recent entries, oldest first. n <= 0
// returns everything.
func (r *ring) recent(n int) []*Message {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]*Message, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
