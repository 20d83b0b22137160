// Package circuitbreaker guards Hot KV calls on the request path.
// When Redis is down, every decision would otherwise burn its full
// per-call deadline before degrading; an open breaker fails the call
// immediately so the engine drops into its degraded path at once.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker open")
	ErrTooManyRequests = errors.New("too many probe requests")
)

// Config tunes a breaker.
type Config struct {
	Name string

	// MaxProbes is how many requests may pass in half-open state.
	MaxProbes uint32
	// Interval clears the closed-state counts periodically.
	Interval time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ReadyToTrip decides from the counts whether to open.
	ReadyToTrip func(Counts) bool
}

// DefaultConfig trips after >=5 requests with a >50% failure rate and
// probes again after 10 seconds; short enough that a Redis blip does
// not blind the engine for long.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  60 * time.Second,
		Cooldown:  10 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.failureRatio() > 0.5
		},
	}
}

// Counts tracks requests within one generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) failureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func (c *Counts) request() {
	c.Requests++
}

func (c *Counts) success() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a three-state circuit breaker. A generation counter
// discards results that straddle a state change.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the current state, applying any pending transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Do runs fn under the breaker. An open breaker returns ErrOpen
// without calling fn.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, ErrTooManyRequests
	}
	b.counts.request()
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, cur := b.currentState(now)
	if gen != cur {
		return // stale result from before a state change
	}

	if success {
		b.counts.success()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.failure()
	switch state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	slog.Warn("[CircuitBreaker] State change",
		"name", b.cfg.Name, "from", prev.String(), "to", state.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
