package breaker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func getSre(window int, request int64) *sre {
	c := &Config{Window: window, Request: request}
	c.fix()
	return newSre(c)
}

func TestConfigFix(t *testing.T) {
	c := &Config{Window: 10}
	c.fix()
	assert.Equal(t, 1.5, c.K)
	assert.Equal(t, int64(10), c.Request, "request is capped by the window")

	c = &Config{}
	c.fix()
	assert.Equal(t, 100, c.Window)
	assert.Equal(t, int64(100), c.Request)
}

func TestSummary(t *testing.T) {
	s := getSre(5, 5)
	s.MarkSuccess()
	s.MarkFailed()
	s.MarkSuccess()

	success, total := s.summary()
	assert.Equal(t, int64(2), success)
	assert.Equal(t, int64(3), total)

	for i := 0; i < 10; i++ {
		s.MarkFailed()
	}
	success, total = s.summary()
	assert.Equal(t, int64(0), success, "old successes slid out")
	assert.Equal(t, int64(5), total)
}

func TestAllowHealthy(t *testing.T) {
	s := getSre(100, 50)
	for i := 0; i < 200; i++ {
		s.MarkSuccess()
	}
	for i := 0; i < 100; i++ {
		assert.NoError(t, s.Allow())
	}
	assert.Equal(t, int32(StateClosed), atomic.LoadInt32(&s.state))
}

func TestAllowBelowRequestFloor(t *testing.T) {
	s := getSre(100, 50)
	for i := 0; i < 49; i++ {
		s.MarkFailed()
	}
	for i := 0; i < 100; i++ {
		assert.NoError(t, s.Allow())
	}
}

func TestAllowFailing(t *testing.T) {
	s := getSre(100, 50)
	for i := 0; i < 100; i++ {
		s.MarkFailed()
	}

	dropped := 0
	for i := 0; i < 200; i++ {
		if err := s.Allow(); err != nil {
			assert.Equal(t, ErrServiceUnavailable, err)
			dropped++
		}
	}
	// p = 100/101 per call
	assert.Greater(t, dropped, 150)
	assert.Equal(t, int32(StateOpen), atomic.LoadInt32(&s.state))

	// recovery closes the breaker again
	for i := 0; i < 100; i++ {
		s.MarkSuccess()
	}
	assert.NoError(t, s.Allow())
	assert.Equal(t, int32(StateClosed), atomic.LoadInt32(&s.state))
}

func TestSwitchOff(t *testing.T) {
	b := New(&Config{SwitchOff: true, Window: 10})
	for i := 0; i < 10; i++ {
		b.MarkFailed()
	}
	assert.NoError(t, b.Allow())
}

func TestConcurrentMarks(t *testing.T) {
	b := New(nil).(*sre)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.MarkSuccess()
				_ = b.Allow()
			}
		}()
	}
	wg.Wait()
	success, total := b.summary()
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(100), success)
}
