package breaker

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"rollnorm/rolling"
)

// sre implements the client side throttling from the Google SRE book.
// It starts dropping once requests >= k * accepts, with probability
// max(0, (requests - k*accepts) / (requests + 1)).
//
// Outcomes live in a window of the last Window calls: 1 for success, 0 for
// failure, so accepts is the window sum.
type sre struct {
	mu   sync.Mutex
	stat *rolling.Series[float64]

	randMu sync.Mutex // rand.Rand is not safe for concurrent use
	r      *rand.Rand

	switchOff bool
	k         float64
	request   int64
	state     int32
}

func newSre(conf *Config) *sre {
	return &sre{
		stat:      rolling.MustNew[float64](conf.Window),
		r:         rand.New(rand.NewSource(time.Now().UnixNano())),
		switchOff: conf.SwitchOff,
		k:         conf.K,
		request:   conf.Request,
		state:     StateClosed,
	}
}

func (s *sre) summary() (success int64, total int64) {
	s.mu.Lock()
	total = int64(s.stat.Len())
	if n := s.stat.Inserted(); n < uint64(total) {
		total = int64(n)
	}
	success = int64(math.Round(s.stat.Sum()))
	s.mu.Unlock()
	return
}

// true means drop
func (s *sre) trueOnProba(p float64) (truth bool) {
	s.randMu.Lock()
	truth = s.r.Float64() < p
	s.randMu.Unlock()
	return
}

func (s *sre) Allow() error {
	if s.switchOff {
		return nil
	}
	success, total := s.summary()

	k := float64(success) * s.k

	if total < s.request || float64(total) < k {
		if atomic.LoadInt32(&s.state) == StateOpen {
			atomic.CompareAndSwapInt32(&s.state, StateOpen, StateClosed)
		}
		return nil
	}

	if atomic.LoadInt32(&s.state) == StateClosed {
		atomic.CompareAndSwapInt32(&s.state, StateClosed, StateOpen)
	}

	p := math.Max(0, (float64(total)-k)/float64(total+1))
	if s.trueOnProba(p) {
		return ErrServiceUnavailable
	}
	return nil
}

func (s *sre) MarkSuccess() {
	s.mu.Lock()
	s.stat.Insert(1)
	s.mu.Unlock()
}

func (s *sre) MarkFailed() {
	s.mu.Lock()
	s.stat.Insert(0)
	s.mu.Unlock()
}
