// Package backoff implements a bounded exponential backoff sequence, used
// by the swarm connector to space out repeated dial attempts to the same
// peer. Timing goes through an injected clock.Clock so tests run instantly.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/andres-erbsen/clock"
)

// Config configures a Backoff.
type Config struct {
	Min          time.Duration `yaml:"min"`
	Max          time.Duration `yaml:"max"`
	Factor       float64       `yaml:"factor"`
	NoJitter     bool          `yaml:"no_jitter"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Min == 0 {
		c.Min = 250 * time.Millisecond
	}
	if c.Max == 0 {
		c.Max = 30 * time.Second
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = time.Minute
	}
}

// Backoff generates bounded Attempts sequences sharing the same config.
type Backoff struct {
	config Config
	clk    clock.Clock
}

// New creates a new Backoff from config.
func New(config Config) *Backoff {
	config.applyDefaults()
	return &Backoff{config: config, clk: clock.New()}
}

// WithClock overrides the clock used by b, for tests.
func (b *Backoff) WithClock(clk clock.Clock) *Backoff {
	b.clk = clk
	return b
}

// ErrTimedOut is returned by Attempts.Err once the retry timeout has elapsed.
var ErrTimedOut = errors.New("backoff: retry timeout exceeded")

// Attempts returns a fresh attempt sequence rooted at the current time.
func (b *Backoff) Attempts() *Attempts {
	return &Attempts{
		config:  b.config,
		clk:     b.clk,
		started: b.clk.Now(),
	}
}

// Attempts tracks one in-progress retry sequence: repeated calls to
// WaitForNext sleep an exponentially increasing amount of time (the first
// call always succeeds immediately) until the cumulative elapsed time would
// exceed the configured RetryTimeout, at which point it returns false and
// Err reports ErrTimedOut.
type Attempts struct {
	config  Config
	clk     clock.Clock
	started time.Time
	n       int
	err     error
}

// WaitForNext blocks for the next backoff interval (none, on the first
// call) and reports whether another attempt should be made.
func (a *Attempts) WaitForNext() bool {
	if a.err != nil {
		return false
	}
	if a.n == 0 {
		a.n++
		return true
	}

	delay := a.delay(a.n)
	elapsed := a.clk.Now().Sub(a.started)
	if elapsed+delay > a.config.RetryTimeout {
		a.err = ErrTimedOut
		return false
	}

	a.clk.Sleep(delay)
	a.n++
	return true
}

// Err returns the reason the sequence stopped, or nil if it has not stopped
// yet.
func (a *Attempts) Err() error {
	return a.err
}

func (a *Attempts) delay(attempt int) time.Duration {
	d := float64(a.config.Min) * math.Pow(a.config.Factor, float64(attempt-1))
	if d > float64(a.config.Max) {
		d = float64(a.config.Max)
	}
	if !a.config.NoJitter {
		d = d/2 + rand.Float64()*(d/2)
	}
	return time.Duration(d)
}
