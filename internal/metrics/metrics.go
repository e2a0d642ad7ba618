// Package metrics exposes Prometheus instrumentation for the coordination
// engine. The collector owns its registry so multiple engines (and tests)
// never trip over duplicate registration in the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dirigent-dev/dirigent/internal/breaker"
)

// Collector records engine activity as Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   prometheus.Counter
	tasksInFlight prometheus.Gauge
	queueDepth    *prometheus.GaugeVec

	locksHeld    prometheus.Gauge
	lockWait     prometheus.Histogram
	deadlocks    prometheus.Counter
	conflicts    *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	stealsTotal  *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	breakerTrans *prometheus.CounterVec
}

// NewCollector creates a collector with a fresh registry and all engine
// metrics registered under the dirigent namespace.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal state, by status.",
		},
		[]string{"status"},
	)
	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dirigent",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock task execution time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)
	c.taskRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "task_retries_total",
			Help:      "Failed attempts that were requeued for another try.",
		},
	)
	c.tasksInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dirigent",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently executing on an agent.",
		},
	)
	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dirigent",
			Name:      "agent_queue_depth",
			Help:      "Tasks queued per agent, including the running one.",
		},
		[]string{"agent_id"},
	)

	c.locksHeld = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dirigent",
			Name:      "locks_held",
			Help:      "Resource locks currently held across all agents.",
		},
	)
	c.lockWait = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dirigent",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting in a resource queue before acquisition.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
	c.deadlocks = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "deadlocks_total",
			Help:      "Deadlock cycles detected and broken.",
		},
	)
	c.conflicts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "conflicts_total",
			Help:      "Conflicts reported, by kind.",
		},
		[]string{"kind"},
	)
	c.resolutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "resolutions_total",
			Help:      "Conflicts resolved, by strategy.",
		},
		[]string{"strategy"},
	)
	c.stealsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "task_steals_total",
			Help:      "Tasks moved between agents by work stealing.",
		},
		[]string{"source", "target"},
	)
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dirigent",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per agent: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)
	c.breakerTrans = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dirigent",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions, by target state.",
		},
		[]string{"name", "to"},
	)

	return c
}

// Registry returns the collector's private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the collector's registry in the
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// AttemptStarted records the start of one execution attempt.
func (c *Collector) AttemptStarted() {
	c.tasksInFlight.Inc()
}

// AttemptFinished records the end of one execution attempt, whatever its
// outcome.
func (c *Collector) AttemptFinished() {
	c.tasksInFlight.Dec()
}

// TaskFinished records a task reaching a terminal state. taskType labels the
// duration histogram; status labels the terminal counter.
func (c *Collector) TaskFinished(taskType, status string, d time.Duration) {
	c.tasksTotal.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// TasksCancelled adds n to the cancelled-task counter. Cancellation
// happens inside the scheduler (dependency cascades, agent loss), so
// the engine reconciles this count periodically instead of at each
// call site.
func (c *Collector) TasksCancelled(n uint64) {
	if n == 0 {
		return
	}
	c.tasksTotal.WithLabelValues("cancelled").Add(float64(n))
}

// TaskRetried records a failed attempt that was requeued.
func (c *Collector) TaskRetried() {
	c.taskRetries.Inc()
}

// SetQueueDepth records the current queue depth for an agent.
func (c *Collector) SetQueueDepth(agentID string, depth int) {
	c.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

// DropAgent removes per-agent series after the agent deregisters so the
// scrape output does not accumulate departed agents.
func (c *Collector) DropAgent(agentID string) {
	c.queueDepth.DeleteLabelValues(agentID)
	c.breakerState.DeleteLabelValues(agentID)
}

// LockAcquired records a granted resource lock and the time spent waiting
// for it.
func (c *Collector) LockAcquired(wait time.Duration) {
	c.locksHeld.Inc()
	c.lockWait.Observe(wait.Seconds())
}

// LocksReleased records n locks being released.
func (c *Collector) LocksReleased(n int) {
	c.locksHeld.Sub(float64(n))
}

// DeadlockDetected records a broken deadlock cycle.
func (c *Collector) DeadlockDetected() {
	c.deadlocks.Inc()
}

// ConflictReported records a new conflict of the given kind.
func (c *Collector) ConflictReported(kind string) {
	c.conflicts.WithLabelValues(kind).Inc()
}

// ConflictResolved records a resolution by strategy.
func (c *Collector) ConflictResolved(strategy string) {
	c.resolutions.WithLabelValues(strategy).Inc()
}

// TasksStolen records n tasks moving from source to target.
func (c *Collector) TasksStolen(source, target string, n int) {
	c.stealsTotal.WithLabelValues(source, target).Add(float64(n))
}

// SetBreakerState records the current state of an agent's circuit breaker.
func (c *Collector) SetBreakerState(name string, state breaker.State) {
	var v float64
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	c.breakerState.WithLabelValues(name).Set(v)
}

// BreakerTransition records a state change on an agent's circuit breaker.
func (c *Collector) BreakerTransition(name string, to breaker.State) {
	c.breakerTrans.WithLabelValues(name, string(to)).Inc()
}
