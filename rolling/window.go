package rolling

// window is the fixed circular storage behind a Series. The slice is sized
// once and never reallocated.
type window[F Float] struct {
	buf    []F
	offset int // slot of the most recently written value
}

func newWindow[F Float](values []F) window[F] {
	buf := make([]F, len(values))
	copy(buf, values)
	return window[F]{buf: buf, offset: len(buf) - 1}
}

// advance moves offset to the next slot, writes val there and returns the
// value that was evicted.
func (w *window[F]) advance(val F) (old F) {
	w.offset++
	if w.offset == len(w.buf) {
		w.offset = 0
	}
	old = w.buf[w.offset]
	w.buf[w.offset] = val
	return
}

func (w *window[F]) curr() F {
	return w.buf[w.offset]
}

// slot maps an age (0 is newest) to a physical index.
func (w *window[F]) slot(age int) int {
	n := len(w.buf)
	return (n + w.offset - age) % n
}

func (w *window[F]) size() int {
	return len(w.buf)
}

func (w *window[F]) clone() window[F] {
	buf := make([]F, len(w.buf))
	copy(buf, w.buf)
	return window[F]{buf: buf, offset: w.offset}
}
