// Package circuitbreaker fails calls to a broken upstream fast. Every
// paid request that waits out a full client timeout against a dead
// model service is money the payer spent on nothing, so once failures
// pile up the breaker opens and callers get an immediate error they
// can refund or surface.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail immediately
	StateHalfOpen              // limited probes test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Counts are the outcomes observed in the current epoch. Requests
// counts admissions, so it includes calls still in flight.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio is failures over admitted requests, zero when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// record books one settled outcome. Admission already counted the
// request itself.
func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
	} else {
		c.TotalFailures++
		c.ConsecutiveFailures++
		c.ConsecutiveSuccesses = 0
	}
}

// Config tunes a breaker.
type Config struct {
	// Name identifies the breaker in logs.
	Name string

	// MaxRequests caps concurrent probes while half-open; that many
	// consecutive successes close the circuit again.
	MaxRequests uint32

	// Interval resets the closed-state counts so a slow trickle of old
	// failures cannot trip the breaker forever after.
	Interval time.Duration

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration

	// ReadyToTrip sees a copy of the counts after every failure while
	// closed; returning true opens the circuit.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips once at least five requests have been admitted
// and more than half of them failed, stays open for thirty seconds,
// then allows three probes.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 5 && counts.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to State) {
			slog.Warn("circuit state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// CircuitBreaker books outcomes per epoch. Each state change and each
// Interval tick starts a new epoch, and a result whose call was
// admitted in an older epoch is discarded, so nothing that happened
// before a transition can influence the state after it.
type CircuitBreaker struct {
	cfg *Config

	mu       sync.Mutex
	state    State
	epoch    uint64
	counts   Counts
	deadline time.Time
}

// New creates a breaker; a nil config gets DefaultConfig.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	cb := &CircuitBreaker{cfg: cfg, state: StateClosed}
	if cfg.Interval > 0 {
		cb.deadline = time.Now().Add(cfg.Interval)
	}
	return cb
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State reports the current state. Reading it advances an expired open
// state to half-open, so callers always see the effective state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.stateAt(time.Now())
	return state
}

// Counts returns a copy of the current epoch's counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs fn if the breaker admits the call and books the
// outcome. A panic inside fn counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	epoch, err := cb.admit()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, false)
			panic(r)
		}
	}()

	result, err := fn()
	cb.settle(epoch, err == nil)
	return result, err
}

// ExecuteContext is Execute for context-aware calls.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	epoch, err := cb.admit()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, false)
			panic(r)
		}
	}()

	result, err := fn(ctx)
	cb.settle(epoch, err == nil)
	return result, err
}

// admit decides whether a call may proceed and stamps it with the
// epoch it was admitted under.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, epoch := cb.stateAt(now)

	switch {
	case state == StateOpen:
		return epoch, ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return epoch, ErrTooManyRequests
	}

	cb.counts.Requests++
	return epoch, nil
}

// settle books the outcome of an admitted call, unless the epoch has
// moved on since admission.
func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, current := cb.stateAt(now)
	if epoch != current {
		return
	}

	cb.counts.record(ok)

	switch {
	case !ok && state == StateClosed:
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.transition(StateOpen, now)
		}
	case !ok && state == StateHalfOpen:
		// The upstream is still broken; go back to failing fast.
		cb.transition(StateOpen, now)
	case ok && state == StateHalfOpen:
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.transition(StateClosed, now)
		}
	}
}

// stateAt resolves the effective state at now, applying any expired
// deadline. Callers must hold the lock.
func (cb *CircuitBreaker) stateAt(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.deadline.IsZero() && cb.deadline.Before(now) {
			cb.advance(now)
		}
	case StateOpen:
		if cb.deadline.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.epoch
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.advance(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// advance opens a new epoch: counts reset and the next deadline is
// armed for the state we are now in.
func (cb *CircuitBreaker) advance(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.deadline = now.Add(cb.cfg.Interval)
		} else {
			cb.deadline = time.Time{}
		}
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	default:
		// Half-open has no deadline; it resolves by probe outcomes.
		cb.deadline = time.Time{}
	}
}
