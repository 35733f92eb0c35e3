package rolling

type options struct {
	resyncEvery uint64
}

type Option func(o *options)

// WithResyncEvery recomputes the aggregates from the buffer after every k-th
// insert to bound floating point drift. Zero disables it.
func WithResyncEvery(k uint64) Option {
	return func(o *options) {
		o.resyncEvery = k
	}
}
