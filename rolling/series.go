package rolling

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSize          = errors.New("rolling: window size must be positive")
	ErrSizeNotRepresentable = errors.New("rolling: window size not exactly representable")
	ErrIndexOutOfRange      = errors.New("rolling: history index out of range")
)

// maxExactSize is the largest size float64 holds exactly; float32 is checked
// by round-tripping.
const maxExactSize = 1 << 53

// Series is a ring buffer of the N most recent values that keeps the sum,
// mean and population variance of those values up to date on every insert.
//
// All operations except construction, Resync and the reducers take O(1).
// At(0) is the latest value, At(1) the one inserted before it, and so on.
//
// A Series is not safe for concurrent use.
type Series[F Float] struct {
	w        window[F]
	n        F
	sum      F
	mean     F
	variance F

	inserted    uint64
	resyncEvery uint64
}

// New returns a series of size n with every slot set to zero.
func New[F Float](n int, opts ...Option) (*Series[F], error) {
	if _, err := sizeOf[F](n); err != nil {
		return nil, err
	}
	return From(make([]F, n), opts...)
}

// From returns a series holding a copy of values. The last element becomes
// the current value and len(values) fixes the window size.
func From[F Float](values []F, opts ...Option) (*Series[F], error) {
	n, err := sizeOf[F](len(values))
	if err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Series[F]{
		w:           newWindow(values),
		n:           n,
		resyncEvery: o.resyncEvery,
	}
	s.Resync()
	return s, nil
}

func MustNew[F Float](n int, opts ...Option) *Series[F] {
	s, err := New[F](n, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func MustFrom[F Float](values []F, opts ...Option) *Series[F] {
	s, err := From(values, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func sizeOf[F Float](size int) (F, error) {
	if size <= 0 {
		return 0, errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	if int64(size) > maxExactSize {
		return 0, errors.Wrapf(ErrSizeNotRepresentable, "size %d", size)
	}
	n := F(size)
	if float64(n) != float64(size) {
		return 0, errors.Wrapf(ErrSizeNotRepresentable, "size %d as %T", size, n)
	}
	return n, nil
}

// Insert evicts the oldest value and appends val.
func (s *Series[F]) Insert(val F) {
	old := s.w.advance(val)
	delta := val - old

	oldMean := s.mean
	s.mean += delta / s.n

	// Both means are needed: the evicted term deviates from the old mean,
	// the new term from the new one.
	s.variance += delta * (val - s.mean + old - oldMean) / s.n
	if s.variance < 0 {
		s.variance = 0
	}
	s.sum += delta

	s.inserted++
	if s.resyncEvery > 0 && s.inserted%s.resyncEvery == 0 {
		s.Resync()
	}
}

// Resync recomputes sum, mean and variance from the buffer in O(N),
// discarding accumulated rounding error. A constant window resyncs to its
// value with a variance of exactly zero.
func (s *Series[F]) Resync() {
	var sum F
	constant := true
	first := s.w.buf[0]
	for _, v := range s.w.buf {
		sum += v
		if v != first {
			constant = false
		}
	}
	if constant {
		// sum/n may land an ulp away from the value.
		s.sum = sum
		s.mean = first
		s.variance = 0
		return
	}
	mean := sum / s.n

	var sq F
	for _, v := range s.w.buf {
		d := v - mean
		sq += d * d
	}
	s.sum = sum
	s.mean = mean
	s.variance = sq / s.n
}

func (s *Series[F]) Mean() F {
	return s.mean
}

// Var returns the population variance (divisor N). Incremental updates can
// leave a small positive residue once the window turns constant; it is exactly
// zero after Resync or a WithResyncEvery boundary.
func (s *Series[F]) Var() F {
	return s.variance
}

func (s *Series[F]) Stdev() F {
	return F(math.Sqrt(float64(s.variance)))
}

func (s *Series[F]) Sum() F {
	return s.sum
}

// Curr returns the latest value.
func (s *Series[F]) Curr() F {
	return s.w.curr()
}

// Norm returns the z-score of the latest value within the window, or zero
// when the standard deviation is zero. See Var for when that is exact.
func (s *Series[F]) Norm() F {
	sd := s.Stdev()
	if sd == 0 {
		return 0
	}
	return (s.Curr() - s.mean) / sd
}

// At returns the value inserted age inserts ago. It panics unless
// 0 <= age < Len().
func (s *Series[F]) At(age int) F {
	if age < 0 || age >= s.w.size() {
		panic(errors.Wrapf(ErrIndexOutOfRange, "index %d, size %d", age, s.w.size()))
	}
	return s.w.buf[s.w.slot(age)]
}

// Len returns the window size N.
func (s *Series[F]) Len() int {
	return s.w.size()
}

// Inserted returns the number of Insert calls since construction.
func (s *Series[F]) Inserted() uint64 {
	return s.inserted
}

// Iterator returns an iterator over the whole window, newest first.
func (s *Series[F]) Iterator() *Iterator[F] {
	return &Iterator[F]{Count: s.w.size(), w: &s.w}
}

func (s *Series[F]) Reduce(f func(iterator *Iterator[F]) F) F {
	return f(s.Iterator())
}

// Min scans the window; O(N).
func (s *Series[F]) Min() F {
	return s.Reduce(Min[F])
}

// Max scans the window; O(N).
func (s *Series[F]) Max() F {
	return s.Reduce(Max[F])
}

// Values returns a copy of the window ordered oldest to newest, suitable
// for From.
func (s *Series[F]) Values() []F {
	n := s.w.size()
	res := make([]F, n)
	for age := 0; age < n; age++ {
		res[n-1-age] = s.w.buf[s.w.slot(age)]
	}
	return res
}

func (s *Series[F]) Clone() *Series[F] {
	c := *s
	c.w = s.w.clone()
	return &c
}

// Stats is a point-in-time copy of the aggregates.
type Stats[F Float] struct {
	Size  int `json:"size"`
	Curr  F   `json:"curr"`
	Sum   F   `json:"sum"`
	Mean  F   `json:"mean"`
	Var   F   `json:"var"`
	Stdev F   `json:"stdev"`
	Norm  F   `json:"norm"`
}

func (s *Series[F]) Snapshot() Stats[F] {
	return Stats[F]{
		Size:  s.w.size(),
		Curr:  s.Curr(),
		Sum:   s.sum,
		Mean:  s.mean,
		Var:   s.variance,
		Stdev: s.Stdev(),
		Norm:  s.Norm(),
	}
}

func (s *Series[F]) String() string {
	return fmt.Sprintf("Series(n=%d curr=%v mean=%v var=%v)", s.w.size(), s.Curr(), s.mean, s.variance)
}
