package scheduler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/balancer"
	"github.com/dirigent-dev/dirigent/internal/breaker"
	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// Strategy names a built-in agent selection strategy used when no load
// balancer is wired in, or as the balancer's fallback.
type Strategy string

const (
	// StrategyCapabilityMatch picks the agent matching the most of the
	// task's required capabilities.
	StrategyCapabilityMatch Strategy = "capability-match"
	// StrategyRoundRobin rotates through agents in ID order.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastLoaded picks the agent with the lowest utilization.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyAffinity picks the agent with the highest affinity for the
	// task's type, breaking ties by load.
	StrategyAffinity Strategy = "affinity"
)

// strategyFunc picks an agent ID from the eligible candidates, or ""
// when none fits.
type strategyFunc func(task *models.Task, agents []*models.Agent, workloads map[string]*models.Workload) string

// AdvancedScheduler layers agent selection and per-type statistics on
// top of the core Scheduler. Selection prefers the load balancer when
// one is wired in and falls back to the configured built-in strategy.
// Agents whose circuit breaker refuses calls are excluded up front.
type AdvancedScheduler struct {
	*Scheduler

	logger   *zap.Logger
	strategy Strategy
	// strategies is populated at construction and never mutated.
	strategies map[Strategy]strategyFunc
	balancer   *balancer.LoadBalancer
	breakers   *breaker.Manager
	stats      *statsTracker

	// rrMu guards the round-robin cursor.
	rrMu   sync.Mutex
	rrNext int
}

// AdvancedOption configures an AdvancedScheduler.
type AdvancedOption func(*AdvancedScheduler)

// WithStrategy sets the built-in selection strategy.
func WithStrategy(strategy Strategy) AdvancedOption {
	return func(a *AdvancedScheduler) { a.strategy = strategy }
}

// WithBalancer wires in a load balancer for scored agent selection.
func WithBalancer(lb *balancer.LoadBalancer) AdvancedOption {
	return func(a *AdvancedScheduler) { a.balancer = lb }
}

// WithBreakers wires in the per-agent circuit breaker manager so agents
// with open breakers stop receiving assignments.
func WithBreakers(m *breaker.Manager) AdvancedOption {
	return func(a *AdvancedScheduler) { a.breakers = m }
}

// NewAdvanced creates an AdvancedScheduler around a fresh core scheduler.
func NewAdvanced(cfg Config, logger *zap.Logger, emitter *events.Emitter, opts ...AdvancedOption) *AdvancedScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AdvancedScheduler{
		Scheduler: New(cfg, logger, emitter),
		logger:    logger,
		strategy:  StrategyCapabilityMatch,
		stats:     newStatsTracker(),
	}
	a.strategies = map[Strategy]strategyFunc{
		StrategyCapabilityMatch: pickByCapability,
		StrategyRoundRobin:      a.pickRoundRobin,
		StrategyLeastLoaded:     pickLeastLoaded,
		StrategyAffinity:        pickByAffinity,
	}
	for _, opt := range opts {
		opt(a)
	}
	if _, known := a.strategies[a.strategy]; !known {
		logger.Warn("unknown scheduling strategy, using capability-match",
			zap.String("strategy", string(a.strategy)))
		a.strategy = StrategyCapabilityMatch
	}
	return a
}

// Strategy returns the configured built-in selection strategy.
func (a *AdvancedScheduler) Strategy() Strategy {
	return a.strategy
}

// SelectAgent picks an agent for the task without assigning it. Agents
// whose breaker refuses calls are excluded; inside the remaining pool
// the load balancer decides when present, otherwise the built-in
// strategy does.
func (a *AdvancedScheduler) SelectAgent(task *models.Task, candidates []*models.Agent) (string, error) {
	if task == nil {
		return "", &models.TaskError{Op: "assign", Reason: "nil task"}
	}
	if len(candidates) == 0 {
		return "", &models.CoordinationError{Op: "assign", Reason: "no agents registered"}
	}

	eligible, excluded := a.filterByBreaker(candidates)
	if len(eligible) == 0 {
		return "", &models.CoordinationError{Op: "assign", Reason: "all agents rejected by circuit breaker"}
	}

	agentID := ""
	if a.balancer != nil {
		selection, err := a.balancer.SelectAgent(task, eligible, &balancer.Constraints{Exclude: excluded})
		if err != nil {
			a.logger.Debug("balancer could not select, falling back to strategy",
				zap.String("task_id", task.ID), zap.Error(err))
		} else {
			agentID = selection.AgentID
		}
	}
	if agentID == "" {
		pick := a.strategies[a.strategy]
		agentID = pick(task, eligible, a.workloads())
	}
	if agentID == "" {
		return "", &models.CoordinationError{Op: "assign", Reason: "no eligible agent for task " + task.ID}
	}
	return agentID, nil
}

// AssignAuto selects an agent for the task and assigns it immediately.
// Returns the chosen agent ID.
func (a *AdvancedScheduler) AssignAuto(task *models.Task, candidates []*models.Agent) (string, error) {
	agentID, err := a.SelectAgent(task, candidates)
	if err != nil {
		return "", err
	}
	if err := a.Assign(task.ID, agentID); err != nil {
		return "", err
	}
	return agentID, nil
}

// filterByBreaker splits candidates into agents whose breaker currently
// admits calls and the IDs of those it does not.
func (a *AdvancedScheduler) filterByBreaker(candidates []*models.Agent) (eligible []*models.Agent, excluded []string) {
	if a.breakers == nil {
		return candidates, nil
	}
	for _, agent := range candidates {
		if a.breakers.Get(agent.ID).Allow() {
			eligible = append(eligible, agent)
		} else {
			excluded = append(excluded, agent.ID)
		}
	}
	return eligible, excluded
}

func (a *AdvancedScheduler) workloads() map[string]*models.Workload {
	if a.balancer == nil {
		return nil
	}
	return a.balancer.Workloads()
}

// Complete records the task outcome in the per-type statistics and then
// completes it in the core scheduler.
func (a *AdvancedScheduler) Complete(taskID, result string) ([]string, error) {
	promoted, err := a.Scheduler.Complete(taskID, result)
	if err != nil {
		return nil, err
	}
	if task, ok := a.Scheduler.Get(taskID); ok {
		var duration time.Duration
		if task.StartedAt != nil && task.CompletedAt != nil {
			duration = task.CompletedAt.Sub(*task.StartedAt)
		}
		a.stats.record(task.Type, duration, true)
	}
	return promoted, nil
}

// Fail records the failed attempt in the per-type statistics and then
// routes it through the core scheduler's retry handling.
func (a *AdvancedScheduler) Fail(taskID string, cause error) error {
	task, known := a.Scheduler.Get(taskID)
	if err := a.Scheduler.Fail(taskID, cause); err != nil {
		return err
	}
	if known {
		a.stats.record(task.Type, 0, false)
	}
	return nil
}

// Stats returns the statistics for one task type.
func (a *AdvancedScheduler) Stats(taskType string) (TypeStats, bool) {
	return a.stats.get(taskType)
}

// AllStats returns statistics for every task type seen so far.
func (a *AdvancedScheduler) AllStats() []TypeStats {
	return a.stats.all()
}

// pickByCapability returns the agent matching the largest share of the
// task's required capabilities. With no requirements every agent
// matches fully and the first by ID wins.
func pickByCapability(task *models.Task, agents []*models.Agent, _ map[string]*models.Workload) string {
	required := task.RequiredCapabilities()

	best := ""
	bestScore := -1.0
	for _, agent := range sortedAgents(agents) {
		score := capabilityRatio(agent, required)
		if score > bestScore {
			best = agent.ID
			bestScore = score
		}
	}
	return best
}

// capabilityRatio is the fraction of required capabilities the agent
// has; 1.0 when nothing is required.
func capabilityRatio(agent *models.Agent, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, capability := range required {
		if agent.Capabilities.Has(capability) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// pickRoundRobin rotates through the agents in ID order.
func (a *AdvancedScheduler) pickRoundRobin(_ *models.Task, agents []*models.Agent, _ map[string]*models.Workload) string {
	ordered := sortedAgents(agents)
	if len(ordered) == 0 {
		return ""
	}

	a.rrMu.Lock()
	defer a.rrMu.Unlock()
	agent := ordered[a.rrNext%len(ordered)]
	a.rrNext++
	return agent.ID
}

// pickLeastLoaded returns the agent with the lowest tracked utilization.
// Agents without a workload record count as idle.
func pickLeastLoaded(_ *models.Task, agents []*models.Agent, workloads map[string]*models.Workload) string {
	best := ""
	bestLoad := 2.0
	for _, agent := range sortedAgents(agents) {
		load := 0.0
		if w, ok := workloads[agent.ID]; ok {
			load = w.Utilization
		}
		if load < bestLoad {
			best = agent.ID
			bestLoad = load
		}
	}
	return best
}

// pickByAffinity returns the agent with the highest affinity for the
// task's type, falling back to least-loaded when nobody has any.
func pickByAffinity(task *models.Task, agents []*models.Agent, workloads map[string]*models.Workload) string {
	best := ""
	bestAffinity := 0.0
	for _, agent := range sortedAgents(agents) {
		w, ok := workloads[agent.ID]
		if !ok || w.Affinity == nil {
			continue
		}
		if affinity := w.Affinity[task.Type]; affinity > bestAffinity {
			best = agent.ID
			bestAffinity = affinity
		}
	}
	if best == "" {
		return pickLeastLoaded(task, agents, workloads)
	}
	return best
}

func sortedAgents(agents []*models.Agent) []*models.Agent {
	out := append([]*models.Agent(nil), agents...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
