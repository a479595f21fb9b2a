// Package breaker implements a per-collaborator circuit breaker with
// closed, open, and half-open states modeled as an explicit state machine.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a call is rejected without invoking the
// wrapped operation because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state. A breaker is always in exactly one state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Triggers for the state machine transition table.
const (
	triggerTrip         = "trip"          // closed → open
	triggerProbe        = "probe"         // open → half-open
	triggerProbeSuccess = "probe_success" // half-open → closed
	triggerProbeFailure = "probe_failure" // half-open → open
)

// Config controls breaker behavior. A disabled breaker is a pass-through
// that never trips.
type Config struct {
	Enabled          bool
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns an enabled breaker config with a threshold of 5
// consecutive failures and a 30s reset timeout.
func DefaultConfig() Config {
	return Config{Enabled: true, FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breaker guards calls to one collaborator. Exclusively owned by a single
// scenario run; safe for concurrent use by parallel steps within that run.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	sm          *stateless.StateMachine
	failures    int
	lastFailure time.Time
	probing     bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New creates a breaker for the named collaborator.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	sm := stateless.NewStateMachine(StateClosed)
	sm.Configure(StateClosed).
		Permit(triggerTrip, StateOpen)
	sm.Configure(StateOpen).
		Permit(triggerProbe, StateHalfOpen)
	sm.Configure(StateHalfOpen).
		Permit(triggerProbeSuccess, StateClosed).
		Permit(triggerProbeFailure, StateOpen)
	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		b.logger.Debug("circuit breaker transition",
			zap.String("breaker", b.name),
			zap.Stringer("from", t.Source.(State)),
			zap.Stringer("to", t.Destination.(State)),
			zap.Int("failures", b.failures))
	})
	b.sm = sm
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs op through the breaker. While open it fails fast with
// ErrCircuitOpen until the reset timeout elapses, then admits exactly one
// probe call: probe success closes the breaker and resets the failure
// count, probe failure reopens it.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.cfg.Enabled {
		return op(ctx)
	}

	b.mu.Lock()
	switch b.state() {
	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.fire(triggerProbe)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	probe := b.state() == StateHalfOpen
	b.mu.Unlock()

	err := op(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if err != nil {
			b.lastFailure = time.Now()
			b.fire(triggerProbeFailure)
			return err
		}
		b.failures = 0
		b.fire(triggerProbeSuccess)
		return nil
	}

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.cfg.FailureThreshold && b.state() == StateClosed {
			b.fire(triggerTrip)
			b.logger.Warn("circuit breaker tripped",
				zap.String("breaker", b.name),
				zap.Int("failures", b.failures))
		}
		return err
	}
	b.failures = 0
	return nil
}

// state reads the machine state. Callers hold b.mu.
func (b *Breaker) state() State {
	return b.sm.MustState().(State)
}

// fire drives a transition. Callers hold b.mu; transitions are only fired
// from states that permit them, so an error here is a programming bug.
func (b *Breaker) fire(trigger string) {
	if err := b.sm.Fire(trigger); err != nil {
		b.logger.Error("circuit breaker transition rejected",
			zap.String("breaker", b.name),
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}
