package rolling

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

const tolerance = 0.01

func TestFromWindow(t *testing.T) {
	s := MustFrom([]float64{2, 4, 6})
	assert.Equal(t, 3, s.Len())
	assert.InDelta(t, 6.0, s.Curr(), tolerance)
	assert.InDelta(t, 4.0, s.Mean(), tolerance)
	assert.InDelta(t, 2.66666, s.Var(), tolerance)
	assert.InDelta(t, 1.63299, s.Stdev(), tolerance)
	assert.InDelta(t, (6.0-4.0)/1.63299, s.Norm(), tolerance)
	assert.Equal(t, 12.0, s.Sum())
	assert.Equal(t, uint64(0), s.Inserted())
}

func TestFromCopiesInput(t *testing.T) {
	in := []float64{1, 2, 3}
	s := MustFrom(in)
	in[2] = 100
	assert.Equal(t, 3.0, s.Curr())
}

func TestNewIsZeroed(t *testing.T) {
	s := MustNew[float64](4)
	assert.Equal(t, 4, s.Len())
	for i := 0; i < s.Len(); i++ {
		assert.Equal(t, 0.0, s.At(i))
	}
	assert.Equal(t, 0.0, s.Sum())
	assert.Equal(t, 0.0, s.Mean())
	assert.Equal(t, 0.0, s.Var())

	s.Insert(5)
	// the first insert lands in slot 0
	assert.Equal(t, 5.0, s.w.buf[0])
	assert.Equal(t, 5.0, s.Curr())
}

func TestAllZero(t *testing.T) {
	s := MustFrom([]float64{0, 0, 0})
	assert.Equal(t, 0.0, s.Curr())
	assert.Equal(t, 0.0, s.Mean())
	assert.Equal(t, 0.0, s.Var())
	assert.Equal(t, 0.0, s.Stdev())
	assert.Equal(t, 0.0, s.Norm())
}

func TestInsertMeanStdev(t *testing.T) {
	s := MustNew[float64](3)
	s.Insert(2)
	s.Insert(4)
	s.Insert(6)
	assert.InDelta(t, 6.0, s.Curr(), tolerance)
	assert.InDelta(t, 4.0, s.Mean(), tolerance)
	assert.InDelta(t, 1.63299, s.Stdev(), tolerance)

	s.Insert(8)
	assert.InDelta(t, 8.0, s.Curr(), tolerance)
	assert.InDelta(t, 6.0, s.Mean(), tolerance)
	assert.InDelta(t, 1.63299, s.Stdev(), tolerance)

	s.Insert(8)
	s.Insert(8)
	assert.InDelta(t, 8.0, s.Curr(), tolerance)
	assert.InDelta(t, 8.0, s.Mean(), tolerance)
	assert.InDelta(t, 0.0, s.Stdev(), tolerance)
	assert.False(t, math.IsNaN(s.Norm()))
}

func TestConstantWindowNormIsZero(t *testing.T) {
	s := MustFrom([]float64{5, 5, 5})
	assert.Equal(t, 0.0, s.Var())
	assert.Equal(t, 0.0, s.Stdev())
	assert.Equal(t, 0.0, s.Norm())

	s = MustNew[float64](4)
	for i := 0; i < 10; i++ {
		s.Insert(7)
	}
	assert.Equal(t, 7.0, s.Mean())
	assert.Equal(t, 0.0, s.Var())
	assert.Equal(t, 0.0, s.Stdev())
	assert.Equal(t, 0.0, s.Norm())
}

func TestResyncConstantAfterVariedHistory(t *testing.T) {
	const n = 8
	r := rand.New(rand.NewSource(42))
	fill := func(s *Series[float64]) {
		for i := 0; i < n; i++ {
			s.Insert(r.Float64()*1e6 - 5e5)
		}
		for i := 0; i < n; i++ {
			s.Insert(42.42)
		}
	}

	s := MustNew[float64](n)
	fill(s)
	s.Resync()
	assert.Equal(t, 42.42, s.Mean())
	assert.Equal(t, 0.0, s.Var())
	assert.Equal(t, 0.0, s.Stdev())
	assert.Equal(t, 0.0, s.Norm())

	s = MustNew[float64](n, WithResyncEvery(n))
	fill(s)
	assert.Equal(t, 42.42, s.Mean())
	assert.Equal(t, 0.0, s.Var())
	assert.Equal(t, 0.0, s.Norm())

	s.Insert(43)
	assert.Greater(t, s.Var(), 0.0)
}

func TestIncrementalMatchesBatch(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, n := range []int{1, 2, 3, 10, 64} {
		values := make([]float64, n)
		for i := range values {
			values[i] = r.Float64()*200 - 100
		}

		batch := MustFrom(values)
		incr := MustNew[float64](n)
		for _, v := range values {
			incr.Insert(v)
		}

		assert.InDelta(t, batch.Mean(), incr.Mean(), 1e-9, "n=%d", n)
		assert.InDelta(t, batch.Var(), incr.Var(), 1e-6, "n=%d", n)
		assert.InDelta(t, batch.Sum(), incr.Sum(), 1e-9, "n=%d", n)
		assert.Equal(t, batch.Values(), incr.Values(), "n=%d", n)
	}
}

func TestSlidingConsistency(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, n := range []int{1, 3, 7, 32} {
		s := MustNew[float64](n)
		var inserted []float64
		for i := 0; i < 500; i++ {
			v := r.Float64()*1000 - 500
			s.Insert(v)
			inserted = append(inserted, v)
			if len(inserted) < n {
				continue
			}

			last := inserted[len(inserted)-n:]
			mean, variance := stat.PopMeanVariance(last, nil)
			var sum float64
			for _, x := range last {
				sum += x
			}
			require.InDelta(t, mean, s.Mean(), tolerance, "n=%d i=%d", n, i)
			require.InDelta(t, variance, s.Var(), tolerance, "n=%d i=%d", n, i)
			require.InDelta(t, sum, s.Sum(), tolerance, "n=%d i=%d", n, i)
			require.GreaterOrEqual(t, s.Var(), 0.0)
		}
	}
}

func TestHistoryIndex(t *testing.T) {
	s := MustNew[float64](3)
	s.Insert(2)
	s.Insert(4)
	s.Insert(6)
	assert.Equal(t, 6.0, s.At(0))
	assert.Equal(t, 4.0, s.At(1))
	assert.Equal(t, 2.0, s.At(2))
	assert.Equal(t, s.Curr(), s.At(0))
}

func TestInsertEvictsOldest(t *testing.T) {
	s := MustFrom([]float64{1, 2, 3})
	assert.Equal(t, 3.0, s.At(0))
	assert.Equal(t, 2.0, s.At(1))
	assert.Equal(t, 1.0, s.At(2))

	s.Insert(3)
	assert.Equal(t, 3.0, s.At(0))
	assert.Equal(t, 3.0, s.At(1))
	assert.Equal(t, 2.0, s.At(2))
	assert.Equal(t, []float64{2, 3, 3}, s.Values())
	assert.Equal(t, 8.0, s.Sum())
}

func TestAtOutOfRange(t *testing.T) {
	s := MustNew[float64](3)
	for _, age := range []int{3, 4, -1} {
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r, "age %d", age)
				err, ok := r.(error)
				require.True(t, ok)
				assert.True(t, errors.Is(err, ErrIndexOutOfRange))
			}()
			s.At(age)
		}()
	}
}

func TestConstructionErrors(t *testing.T) {
	_, err := New[float64](0)
	assert.True(t, errors.Is(err, ErrInvalidSize))

	_, err = New[float64](-3)
	assert.True(t, errors.Is(err, ErrInvalidSize))

	_, err = From[float64](nil)
	assert.True(t, errors.Is(err, ErrInvalidSize))

	_, err = New[float32](1<<24 + 1)
	assert.True(t, errors.Is(err, ErrSizeNotRepresentable))

	n, err := sizeOf[float32](1 << 24)
	assert.NoError(t, err)
	assert.Equal(t, float32(1<<24), n)

	_, err = sizeOf[float64](1<<53 + 1)
	assert.True(t, errors.Is(err, ErrSizeNotRepresentable))

	assert.Panics(t, func() { MustNew[float64](0) })
	assert.Panics(t, func() { MustFrom([]float64{}) })
}

func TestFloat32(t *testing.T) {
	s := MustFrom([]float32{2, 4, 6})
	assert.InDelta(t, 4.0, float64(s.Mean()), tolerance)
	assert.InDelta(t, 1.63299, float64(s.Stdev()), tolerance)
	s.Insert(8)
	assert.InDelta(t, 6.0, float64(s.Mean()), tolerance)
	assert.InDelta(t, 2.66666, float64(s.Var()), tolerance)
}

func TestResync(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	s := MustNew[float64](16, WithResyncEvery(10))
	plain := MustNew[float64](16)
	for i := 0; i < 1000; i++ {
		v := r.NormFloat64()*1e6 + 1e9
		s.Insert(v)
		plain.Insert(v)
	}
	// 1000 is a multiple of 10, so s was just recomputed from its buffer.
	batch := MustFrom(s.Values())
	assert.InEpsilon(t, batch.Mean(), s.Mean(), 1e-12)
	assert.InEpsilon(t, batch.Var(), s.Var(), 1e-9)
	assert.InEpsilon(t, batch.Sum(), s.Sum(), 1e-12)

	plain.Resync()
	assert.Equal(t, s.Mean(), plain.Mean())
	assert.Equal(t, s.Var(), plain.Var())
	assert.Equal(t, s.Sum(), plain.Sum())
}

func TestClone(t *testing.T) {
	s := MustFrom([]float64{1, 2, 3})
	c := s.Clone()
	c.Insert(10)
	assert.Equal(t, 3.0, s.Curr())
	assert.Equal(t, 6.0, s.Sum())
	assert.Equal(t, 10.0, c.Curr())
	assert.Equal(t, 15.0, c.Sum())
}

func TestSnapshot(t *testing.T) {
	s := MustFrom([]float64{2, 4, 6})
	st := s.Snapshot()
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, s.Curr(), st.Curr)
	assert.Equal(t, s.Sum(), st.Sum)
	assert.Equal(t, s.Mean(), st.Mean)
	assert.Equal(t, s.Var(), st.Var)
	assert.Equal(t, s.Stdev(), st.Stdev)
	assert.Equal(t, s.Norm(), st.Norm)
	assert.Contains(t, s.String(), "n=3")
}
