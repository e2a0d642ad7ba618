package breaker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/events"
)

// AggregateMetrics summarizes every breaker the manager tracks.
type AggregateMetrics struct {
	// Breakers is the total number of tracked breakers.
	Breakers int `json:"breakers"`
	// Closed, Open, and HalfOpen count breakers per state.
	Closed   int `json:"closed"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
	// TotalCalls sums admitted calls across all breakers.
	TotalCalls uint64 `json:"total_calls"`
	// TotalFailures sums failed calls across all breakers.
	TotalFailures uint64 `json:"total_failures"`
	// TotalRejections sums rejected calls across all breakers.
	TotalRejections uint64 `json:"total_rejections"`
	// TimesOpened sums open transitions across all breakers.
	TimesOpened uint64 `json:"times_opened"`
}

// Manager lazily creates and caches one breaker per named target. All
// breakers share the manager's thresholds, logger, and event emitter.
type Manager struct {
	config   Config
	logger   *zap.Logger
	emitter  *events.Emitter
	onChange func(StateChange)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a manager whose breakers use the given config.
// The emitter may be nil; state changes are then only logged. A nil
// logger disables logging. A config OnStateChange callback, if set,
// runs on every transition of every breaker, before event emission.
func NewManager(config Config, logger *zap.Logger, emitter *events.Emitter) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:   config.withDefaults(),
		logger:   logger,
		emitter:  emitter,
		onChange: config.OnStateChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}

	cfg := m.config
	cfg.OnStateChange = m.handleStateChange
	b = New(name, cfg, m.logger)
	m.breakers[name] = b
	return b
}

// Execute runs fn through the named target's breaker.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return m.Get(name).Execute(ctx, fn)
}

// States returns the current state of every tracked breaker.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State()
	}
	return states
}

// Metrics returns a snapshot of every tracked breaker keyed by name.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]Metrics, len(m.breakers))
	for name, b := range m.breakers {
		metrics[name] = b.Metrics()
	}
	return metrics
}

// Aggregate sums the metrics of every tracked breaker.
func (m *Manager) Aggregate() AggregateMetrics {
	perBreaker := m.Metrics()

	agg := AggregateMetrics{Breakers: len(perBreaker)}
	for _, bm := range perBreaker {
		switch bm.State {
		case StateClosed:
			agg.Closed++
		case StateOpen:
			agg.Open++
		case StateHalfOpen:
			agg.HalfOpen++
		}
		agg.TotalCalls += bm.TotalCalls
		agg.TotalFailures += bm.TotalFailures
		agg.TotalRejections += bm.TotalRejections
		agg.TimesOpened += bm.TimesOpened
	}
	return agg
}

// ForceState overrides the named target's breaker state, creating the
// breaker if it does not exist yet.
func (m *Manager) ForceState(name string, state State) error {
	return m.Get(name).ForceState(state)
}

// Reset returns the named target's breaker to closed. Unknown names
// are ignored.
func (m *Manager) Reset(name string) {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAll returns every tracked breaker to closed.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}

func (m *Manager) handleStateChange(change StateChange) {
	if m.onChange != nil {
		m.onChange(change)
	}
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(events.Event{
		Type:        events.BreakerStateChange,
		Timestamp:   change.At,
		BreakerName: change.Name,
		FromState:   string(change.From),
		ToState:     string(change.To),
	})
}
