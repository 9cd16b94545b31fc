package rooms

// history is a bounded FIFO: pushing past capacity evicts the oldest entry.
type history[T any] struct {
	buf   []T
	start int
	n     int
}

func newHistory[T any](capacity int) *history[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &history[T]{buf: make([]T, capacity)}
}

func (h *history[T]) push(v T) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// items returns a copy, oldest first.
func (h *history[T]) items() []T {
	out := make([]T, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
