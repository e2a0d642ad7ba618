package coordination

import (
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/executor"
	"github.com/dirigent-dev/dirigent/internal/metrics"
	"github.com/dirigent-dev/dirigent/internal/store"
)

// Option configures a Manager. Use With* functions to create Options.
type Option func(*managerOptions)

// managerOptions holds all optional construction-time dependencies.
type managerOptions struct {
	logger        *zap.Logger
	store         *store.Store
	executor      executor.Executor
	collector     *metrics.Collector
	planLabel     string
	emitterBuffer int

	// Injectable clock for tests.
	now func() time.Time
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *managerOptions) { o.logger = l }
}

// WithStore sets the audit store. Without a store the engine keeps all
// state in memory and persists nothing.
func WithStore(s *store.Store) Option {
	return func(o *managerOptions) { o.store = s }
}

// WithExecutor sets the executor that carries out assigned tasks.
// Defaults to a simulator with a short fixed delay.
func WithExecutor(e executor.Executor) Option {
	return func(o *managerOptions) { o.executor = e }
}

// WithCollector sets the Prometheus metrics collector. Without one the
// engine records no metrics.
func WithCollector(c *metrics.Collector) Option {
	return func(o *managerOptions) { o.collector = c }
}

// WithPlanLabel sets the label recorded on the audit run row, typically
// the plan name being executed.
func WithPlanLabel(label string) Option {
	return func(o *managerOptions) { o.planLabel = label }
}

// WithEmitterBuffer sets the event channel capacity.
func WithEmitterBuffer(n int) Option {
	return func(o *managerOptions) { o.emitterBuffer = n }
}

// WithClock sets the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) { o.now = now }
}
