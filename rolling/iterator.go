package rolling

// Iterator walks a Series from the newest value to the oldest.
type Iterator[F Float] struct {
	Count         int
	iteratedCount int
	w             *window[F]
}

func (i *Iterator[F]) Next() bool {
	return i.iteratedCount < i.Count
}

// Value returns the next value and advances the iterator.
func (i *Iterator[F]) Value() F {
	if !i.Next() {
		panic("rolling: iterator exhausted")
	}
	v := i.w.buf[i.w.slot(i.iteratedCount)]
	i.iteratedCount++
	return v
}

// Age is the age of the value the next call to Value returns.
func (i *Iterator[F]) Age() int {
	return i.iteratedCount
}
