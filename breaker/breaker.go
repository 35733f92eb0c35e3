package breaker

import (
	"github.com/pkg/errors"
)

var ErrServiceUnavailable = errors.New("breaker: service unavailable")

type Breaker interface {
	Allow() error
	MarkSuccess() // call after a permitted request succeeded
	MarkFailed()  // call after a permitted request failed
}

type Config struct {
	SwitchOff bool    // true disables the breaker, Allow always passes
	K         float64 // SRE multiplier, lower is more aggressive

	Window  int   // number of most recent calls considered
	Request int64 // minimum calls in the window before the breaker may trip
}

func (c *Config) fix() {
	if c.K == 0 {
		c.K = 1.5
	}

	if c.Window == 0 {
		c.Window = 100
	}

	if c.Request == 0 {
		c.Request = 100
	}

	if c.Request > int64(c.Window) {
		c.Request = int64(c.Window)
	}
}

const (
	StateOpen     = iota // dropping requests
	StateClosed          // passing requests
	StateHalfOpen        // unused by the SRE breaker
)

func New(c *Config) Breaker {
	if c == nil {
		c = &Config{}
	}
	conf := *c
	conf.fix()
	return newSre(&conf)
}
