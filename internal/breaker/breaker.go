// Package breaker implements a three-state circuit breaker used to
// isolate failing agents. Each protected target gets its own breaker,
// created lazily by the Manager and never destroyed.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current mode of a circuit breaker.
type State string

const (
	// StateClosed allows calls through and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the retry timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a limited number of concurrent trial calls.
	StateHalfOpen State = "half-open"
)

// Valid returns true if the state is a recognized value.
func (s State) Valid() bool {
	switch s {
	case StateClosed, StateOpen, StateHalfOpen:
		return true
	default:
		return false
	}
}

var (
	// ErrOpen is returned when a call is rejected because the breaker
	// is open and the retry timeout has not elapsed.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyTrials is returned when a half-open breaker already has
	// its maximum number of trial calls in flight.
	ErrTooManyTrials = errors.New("circuit breaker trial limit reached")
)

// Default thresholds applied when a Config field is not positive.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultTimeout          = 60 * time.Second
	DefaultHalfOpenLimit    = 2
)

// Config controls the transition thresholds of a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures while
	// closed that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of successful trials while
	// half-open that closes the breaker.
	SuccessThreshold int
	// Timeout is how long an open breaker rejects calls before
	// admitting a trial.
	Timeout time.Duration
	// HalfOpenLimit caps the number of concurrent trial calls while
	// half-open.
	HalfOpenLimit int
	// OnStateChange is invoked after every state transition. It runs
	// outside the breaker's lock and may emit events or log.
	OnStateChange func(StateChange)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HalfOpenLimit <= 0 {
		c.HalfOpenLimit = DefaultHalfOpenLimit
	}
	return c
}

// StateChange describes a single breaker transition.
type StateChange struct {
	// Name is the breaker that transitioned.
	Name string
	// From is the state before the transition.
	From State
	// To is the state after the transition.
	To State
	// At is when the transition happened.
	At time.Time
}

// Metrics is a point-in-time snapshot of one breaker.
type Metrics struct {
	// Name is the breaker's identifier.
	Name string `json:"name"`
	// State is the current state.
	State State `json:"state"`
	// ConsecutiveFailures counts failures since the last success while
	// closed.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// HalfOpenSuccesses counts successful trials in the current
	// half-open period.
	HalfOpenSuccesses int `json:"half_open_successes"`
	// InFlightTrials counts trial calls currently executing while
	// half-open.
	InFlightTrials int `json:"in_flight_trials"`
	// NextAttempt is when an open breaker will admit a trial. Zero
	// unless open.
	NextAttempt time.Time `json:"next_attempt"`
	// TotalCalls counts every admitted call.
	TotalCalls uint64 `json:"total_calls"`
	// TotalFailures counts every failed call.
	TotalFailures uint64 `json:"total_failures"`
	// TotalRejections counts calls rejected without executing.
	TotalRejections uint64 `json:"total_rejections"`
	// TimesOpened counts transitions into the open state.
	TimesOpened uint64 `json:"times_opened"`
}

// Breaker is a three-state failure isolation guard around calls to a
// single target. The zero value is not usable; create one with New.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	trials      int
	nextAttempt time.Time

	totalCalls      uint64
	totalFailures   uint64
	totalRejections uint64
	timesOpened     uint64
}

// New creates a closed breaker for the named target. Non-positive
// config fields fall back to package defaults. A nil logger disables
// logging.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker admits the call, routing its outcome
// into the state machine. When the breaker is open it returns ErrOpen
// without invoking fn; when half-open and at the trial limit it returns
// ErrTooManyTrials. Otherwise it returns fn's error unmodified.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterCall(err == nil)
	return err
}

// Allow reports whether a call would currently be admitted, without
// reserving a trial slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !b.now().Before(b.nextAttempt)
	case StateHalfOpen:
		return b.trials < b.config.HalfOpenLimit
	default:
		return false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		InFlightTrials:      b.trials,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalRejections:     b.totalRejections,
		TimesOpened:         b.timesOpened,
	}
	if b.state == StateOpen {
		m.NextAttempt = b.nextAttempt
	}
	return m
}

// Reset returns the breaker to closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.transitionLocked(StateClosed)
	b.failures = 0
	b.successes = 0
	b.trials = 0
	b.nextAttempt = time.Time{}
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset", zap.String("breaker", b.name))
	b.fire(change)
}

// ForceState moves the breaker into the given state unconditionally,
// clearing transient counters. Forcing open starts a fresh retry
// timeout.
func (b *Breaker) ForceState(state State) error {
	if !state.Valid() {
		return errors.New("invalid circuit breaker state: " + string(state))
	}

	b.mu.Lock()
	change := b.transitionLocked(state)
	b.failures = 0
	b.successes = 0
	b.trials = 0
	if state == StateOpen {
		b.nextAttempt = b.now().Add(b.config.Timeout)
	} else {
		b.nextAttempt = time.Time{}
	}
	b.mu.Unlock()

	b.logger.Info("circuit breaker state forced",
		zap.String("breaker", b.name),
		zap.String("state", string(state)))
	b.fire(change)
	return nil
}

// beforeCall admits or rejects a call and reserves a trial slot when
// half-open.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()

	var change *StateChange
	var err error
	switch b.state {
	case StateClosed:
		b.totalCalls++

	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.totalRejections++
			err = ErrOpen
			break
		}
		change = b.transitionLocked(StateHalfOpen)
		b.successes = 0
		b.trials = 1
		b.totalCalls++

	case StateHalfOpen:
		if b.trials >= b.config.HalfOpenLimit {
			b.totalRejections++
			err = ErrTooManyTrials
			break
		}
		b.trials++
		b.totalCalls++
	}

	b.mu.Unlock()
	b.fire(change)
	return err
}

// afterCall routes a call outcome into the state machine.
func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()

	var change *StateChange
	if success {
		change = b.onSuccessLocked()
	} else {
		change = b.onFailureLocked()
	}

	b.mu.Unlock()
	b.fire(change)
}

func (b *Breaker) onSuccessLocked() *StateChange {
	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		if b.trials > 0 {
			b.trials--
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			change := b.transitionLocked(StateClosed)
			b.failures = 0
			b.successes = 0
			b.trials = 0
			b.nextAttempt = time.Time{}
			return change
		}

	case StateOpen:
		// Stale result from a trial admitted before a reopen.
	}
	return nil
}

func (b *Breaker) onFailureLocked() *StateChange {
	b.totalFailures++

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			return b.openLocked()
		}

	case StateHalfOpen:
		return b.openLocked()

	case StateOpen:
		// Stale result from a trial admitted before a reopen.
	}
	return nil
}

// openLocked moves to open and schedules the next trial attempt.
func (b *Breaker) openLocked() *StateChange {
	change := b.transitionLocked(StateOpen)
	b.nextAttempt = b.now().Add(b.config.Timeout)
	b.successes = 0
	b.trials = 0
	b.timesOpened++
	return change
}

// transitionLocked records a state change and returns the notification
// to fire once the lock is released. Returns nil when the state does
// not change.
func (b *Breaker) transitionLocked(to State) *StateChange {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	return &StateChange{Name: b.name, From: from, To: to, At: b.now()}
}

// fire delivers a state change notification outside the lock.
func (b *Breaker) fire(change *StateChange) {
	if change == nil {
		return
	}
	b.logger.Info("circuit breaker state change",
		zap.String("breaker", change.Name),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)))
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(*change)
	}
}
