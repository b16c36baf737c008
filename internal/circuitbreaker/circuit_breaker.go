// Package circuitbreaker stops calling an optional backend (remote cache, report store)
// after it keeps failing, so callers degrade immediately instead of waiting on timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/metrics"
)

// State of a breaker. The numeric value is exported as the breaker state gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	// ErrOpen is returned without calling the backend while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTrialLimit is returned while the allowed trial calls of a half-open breaker are in flight.
	ErrTrialLimit = errors.New("circuit breaker trial calls are in flight")
)

// Config tunes when a breaker opens and how it recovers.
type Config struct {
	FailureThreshold  uint32        // consecutive backend failures that open the breaker
	Cooldown          time.Duration // how long an open breaker rejects calls
	TrialCalls        uint32        // trial calls allowed in flight while half-open
	RecoveryThreshold uint32        // successful trial calls that close the breaker again

	// IsFailure decides which errors count against the backend. Nil means every error
	// except the caller's own cancellation.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits a backend whose absence only costs performance.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Cooldown:          10 * time.Second,
		TrialCalls:        1,
		RecoveryThreshold: 2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.TrialCalls == 0 {
		c.TrialCalls = def.TrialCalls
	}
	if c.RecoveryThreshold == 0 {
		c.RecoveryThreshold = def.RecoveryThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = backendFailure
	}
	return c
}

func backendFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Breaker guards one backend. It is safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  uint32 // consecutive, while closed
	successes uint32 // trial successes, while half-open
	inFlight  uint32 // trial calls, while half-open
	openUntil time.Time
}

// New returns a closed breaker named after the backend it guards.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{name: name, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// Execute calls fn unless the breaker rejects the call, and returns fn's error.
func (b *Breaker) Execute(ctx context.Context, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	trial, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.record(trial, true)
			panic(r)
		}
		b.record(trial, b.cfg.IsFailure(err))
	}()
	return fn()
}

// State reports the current state, moving an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	return b.state
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	switch b.state {
	case StateOpen:
		return false, ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.TrialCalls {
			return false, ErrTrialLimit
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.inFlight--
	}

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if !trial {
			return
		}
		if failed {
			b.transition(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.RecoveryThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.transition(StateHalfOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures, b.successes = 0, 0
	if to == StateOpen {
		b.openUntil = b.now().Add(b.cfg.Cooldown)
	}

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
	metrics.BreakerStateChanges.WithLabelValues(b.name, from.String(), to.String()).Inc()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
	log := b.logger.Info
	if to == StateOpen {
		log = b.logger.Warn
	}
	log("Backend breaker changed state",
		zap.String("backend", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
