// Package breaker implements a small circuit breaker used to shed load
// off a failing upstream instead of hammering it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/metrics"
)

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
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling the upstream while the breaker is
// open or the half-open probe allowance is spent.
var ErrOpen = errors.New("breaker: upstream circuit open")

// Settings bounds the state machine. Zero values pick the defaults.
type Settings struct {
	FailureThreshold uint32        // consecutive failures that open the circuit
	SuccessThreshold uint32        // consecutive half-open successes that close it
	ProbeAllowance   uint32        // max concurrent-ish requests while half-open
	CooldownPeriod   time.Duration // open -> half-open delay
	ResetInterval    time.Duration // closed-state counter reset
}

func (s *Settings) applyDefaults() {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 2
	}
	if s.ProbeAllowance == 0 {
		s.ProbeAllowance = 3
	}
	if s.CooldownPeriod == 0 {
		s.CooldownPeriod = 10 * time.Second
	}
	if s.ResetInterval == 0 {
		s.ResetInterval = time.Minute
	}
}

// Breaker tracks one upstream. Safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	requests   uint32
	successes  uint32
	failures   uint32
	expiry     time.Time
}

func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	settings.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		expiry:   time.Now().Add(settings.ResetInterval),
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn unless the circuit is open. fn's error feeds the state
// machine and is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(gen, err == nil)
	return err
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.step(time.Now())
	return s
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.step(time.Now())
	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.requests >= b.settings.ProbeAllowance {
		return gen, ErrOpen
	}
	b.requests++
	return gen, nil
}

func (b *Breaker) record(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, cur := b.step(now)
	// A state change since admission already reset the counters.
	if cur != gen {
		return
	}

	if ok {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				b.transition(StateClosed, now)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// step advances time-driven transitions and returns the effective state.
// Callers must hold mu.
func (b *Breaker) step(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.reset(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.reset(now)
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(state))
	b.logger.Info("circuit state changed",
		zap.String("breaker", b.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (b *Breaker) reset(now time.Time) {
	b.generation++
	b.requests = 0
	b.successes = 0
	b.failures = 0
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.settings.ResetInterval)
	case StateOpen:
		b.expiry = now.Add(b.settings.CooldownPeriod)
	default:
		b.expiry = time.Time{}
	}
}
