// Package balancer scores agents for task placement and detects load
// imbalance for work stealing. It tracks per-agent workloads, rolling
// success rates, and utilization history for predictive placement.
package balancer

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/pkg/models"
)

// Strategy selects how candidate agents are scored.
type Strategy string

const (
	// StrategyLoadBased favors the least utilized agent.
	StrategyLoadBased Strategy = "load-based"
	// StrategyPerformanceBased favors the agent with the best success rate.
	StrategyPerformanceBased Strategy = "performance-based"
	// StrategyCapabilityBased favors the agent matching the most required
	// capabilities.
	StrategyCapabilityBased Strategy = "capability-based"
	// StrategyAffinityBased favors the agent with the highest affinity
	// for the task's type.
	StrategyAffinityBased Strategy = "affinity-based"
	// StrategyCostBased favors the cheapest agent by cost rate.
	StrategyCostBased Strategy = "cost-based"
	// StrategyHybrid blends load, performance, capability, and affinity
	// under configurable weights.
	StrategyHybrid Strategy = "hybrid"
)

// Valid returns true if the strategy is a known value.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLoadBased, StrategyPerformanceBased, StrategyCapabilityBased,
		StrategyAffinityBased, StrategyCostBased, StrategyHybrid:
		return true
	default:
		return false
	}
}

// Utilization bounds for rebalancing decisions.
const (
	// overloadedUtilization marks an agent as a stealing source.
	overloadedUtilization = 0.8
	// underloadedUtilization marks an agent as a stealing target.
	underloadedUtilization = 0.3
	// underloadedQueueMax is the queue depth below which an agent can
	// receive stolen work.
	underloadedQueueMax = 2
)

// Prediction blend: the strategy score carries predictionBaseWeight and
// the predicted-load score the remainder.
const predictionBaseWeight = 0.7

// Weights control the hybrid strategy's component mix. Zero-value
// weights fall back to the defaults 0.3/0.25/0.25/0.2.
type Weights struct {
	Load        float64
	Performance float64
	Capability  float64
	Affinity    float64
}

func (w Weights) withDefaults() Weights {
	if w.Load == 0 && w.Performance == 0 && w.Capability == 0 && w.Affinity == 0 {
		return Weights{Load: 0.3, Performance: 0.25, Capability: 0.25, Affinity: 0.2}
	}
	return w
}

func (w Weights) sum() float64 {
	return w.Load + w.Performance + w.Capability + w.Affinity
}

// Config holds the balancer's strategy and prediction settings.
type Config struct {
	// Strategy is the scoring strategy; invalid values fall back to hybrid.
	Strategy Strategy
	// Weights is the hybrid component mix.
	Weights Weights
	// Prediction blends scores with the least-squares load predictor.
	Prediction bool
	// SampleLimit caps the utilization history per agent. Zero means
	// DefaultSampleLimit.
	SampleLimit int
}

func (c Config) withDefaults() Config {
	if !c.Strategy.Valid() {
		c.Strategy = StrategyHybrid
	}
	c.Weights = c.Weights.withDefaults()
	if c.SampleLimit <= 0 {
		c.SampleLimit = DefaultSampleLimit
	}
	return c
}

// Constraints restrict which candidates a selection may consider.
type Constraints struct {
	// Exclude lists agent IDs that must not be selected.
	Exclude []string
	// MaxLoad rejects agents whose utilization exceeds it. Zero disables
	// the ceiling.
	MaxLoad float64
	// RequiredCapabilities rejects agents missing any listed capability,
	// in addition to the task's own requirements.
	RequiredCapabilities []string
}

// AgentScore is one agent's final score in a selection.
type AgentScore struct {
	// AgentID identifies the scored agent.
	AgentID string `json:"agent_id"`
	// Score is the final blended score in [0, 1].
	Score float64 `json:"score"`
}

// Selection is the outcome of scoring candidates for a task.
type Selection struct {
	// AgentID is the winning agent.
	AgentID string `json:"agent_id"`
	// Score is the winner's final score.
	Score float64 `json:"score"`
	// Confidence is the score gap to the runner-up, clamped to [0, 1].
	// A lone candidate scores full confidence.
	Confidence float64 `json:"confidence"`
	// Alternatives lists up to three runners-up in descending order.
	Alternatives []AgentScore `json:"alternatives,omitempty"`
}

// LoadBalancer scores agents and tracks their workloads. All methods are
// safe for concurrent use.
type LoadBalancer struct {
	cfg    Config
	logger *zap.Logger

	mu sync.RWMutex
	// workloads tracks the last known load per agent.
	workloads map[string]*models.Workload
	// predictors holds the utilization sample history per agent.
	predictors map[string]*loadPredictor
	// costs holds explicit per-agent cost rates for the cost strategy.
	costs map[string]float64

	now func() time.Time
}

// New creates a LoadBalancer.
func New(cfg Config, logger *zap.Logger) *LoadBalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancer{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		workloads:  make(map[string]*models.Workload),
		predictors: make(map[string]*loadPredictor),
		costs:      make(map[string]float64),
		now:        time.Now,
	}
}

// Strategy returns the configured scoring strategy.
func (lb *LoadBalancer) Strategy() Strategy {
	return lb.cfg.Strategy
}

// SelectAgent filters the candidates by the constraints, scores the
// survivors under the configured strategy, and returns the winner with
// its confidence and up to three alternatives. It fails with
// *models.CoordinationError when no candidate survives filtering.
func (lb *LoadBalancer) SelectAgent(task *models.Task, candidates []*models.Agent, constraints *Constraints) (*Selection, error) {
	if task == nil {
		return nil, &models.CoordinationError{Op: "select", Reason: "nil task"}
	}
	if constraints == nil {
		constraints = &Constraints{}
	}

	lb.mu.RLock()
	defer lb.mu.RUnlock()

	eligible := lb.filterLocked(candidates, constraints)
	if len(eligible) == 0 {
		return nil, &models.CoordinationError{Op: "select", Reason: "no eligible agents for task " + task.ID}
	}

	scores := make([]AgentScore, 0, len(eligible))
	for _, agent := range eligible {
		scores = append(scores, AgentScore{AgentID: agent.ID, Score: lb.scoreLocked(task, agent)})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].AgentID < scores[j].AgentID
	})

	selection := &Selection{
		AgentID:    scores[0].AgentID,
		Score:      scores[0].Score,
		Confidence: 1.0,
	}
	if len(scores) > 1 {
		selection.Confidence = clamp01(scores[0].Score - scores[1].Score)
		limit := len(scores)
		if limit > 4 {
			limit = 4
		}
		selection.Alternatives = append(selection.Alternatives, scores[1:limit]...)
	}

	lb.logger.Debug("agent selected",
		zap.String("task_id", task.ID),
		zap.String("agent_id", selection.AgentID),
		zap.Float64("score", selection.Score),
		zap.Float64("confidence", selection.Confidence))
	return selection, nil
}

// filterLocked drops excluded, overloaded, and under-qualified agents.
func (lb *LoadBalancer) filterLocked(candidates []*models.Agent, constraints *Constraints) []*models.Agent {
	excluded := make(map[string]struct{}, len(constraints.Exclude))
	for _, id := range constraints.Exclude {
		excluded[id] = struct{}{}
	}

	var eligible []*models.Agent
	for _, agent := range candidates {
		if agent == nil {
			continue
		}
		if _, skip := excluded[agent.ID]; skip {
			continue
		}
		if constraints.MaxLoad > 0 {
			if w, ok := lb.workloads[agent.ID]; ok && w.Utilization > constraints.MaxLoad {
				continue
			}
		}
		if len(constraints.RequiredCapabilities) > 0 && !hasAll(agent, constraints.RequiredCapabilities) {
			continue
		}
		eligible = append(eligible, agent)
	}
	return eligible
}

// scoreLocked computes the final score for one agent: the strategy score,
// optionally blended with the predicted-load score.
func (lb *LoadBalancer) scoreLocked(task *models.Task, agent *models.Agent) float64 {
	base := lb.strategyScoreLocked(task, agent)

	if lb.cfg.Prediction {
		if predicted, ok := lb.predictLocked(agent.ID, task); ok {
			predictedScore := clamp01(1 - predicted)
			base = predictionBaseWeight*base + (1-predictionBaseWeight)*predictedScore
		}
	}
	return clamp01(base)
}

func (lb *LoadBalancer) strategyScoreLocked(task *models.Task, agent *models.Agent) float64 {
	switch lb.cfg.Strategy {
	case StrategyLoadBased:
		return lb.loadScoreLocked(agent.ID)
	case StrategyPerformanceBased:
		return lb.performanceScoreLocked(agent.ID)
	case StrategyCapabilityBased:
		return capabilityScore(task, agent)
	case StrategyAffinityBased:
		return lb.affinityScoreLocked(task, agent.ID)
	case StrategyCostBased:
		return lb.costScoreLocked(agent.ID)
	default:
		w := lb.cfg.Weights
		total := w.sum()
		if total <= 0 {
			return lb.loadScoreLocked(agent.ID)
		}
		blended := w.Load*lb.loadScoreLocked(agent.ID) +
			w.Performance*lb.performanceScoreLocked(agent.ID) +
			w.Capability*capabilityScore(task, agent) +
			w.Affinity*lb.affinityScoreLocked(task, agent.ID)
		return blended / total
	}
}

// loadScoreLocked rewards idle agents. Unknown agents count as idle.
func (lb *LoadBalancer) loadScoreLocked(agentID string) float64 {
	w, ok := lb.workloads[agentID]
	if !ok {
		return 1.0
	}
	return clamp01(1 - w.Utilization)
}

// performanceScoreLocked is the agent's rolling success rate. Agents
// without history get a neutral 0.8 so newcomers still receive work.
func (lb *LoadBalancer) performanceScoreLocked(agentID string) float64 {
	w, ok := lb.workloads[agentID]
	if !ok || w.UpdatedAt.IsZero() {
		return 0.8
	}
	return clamp01(w.SuccessRate)
}

// capabilityScore is the fraction of the task's required capabilities
// the agent has.
func capabilityScore(task *models.Task, agent *models.Agent) float64 {
	required := task.RequiredCapabilities()
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

// affinityScoreLocked is the agent's tracked affinity for the task's
// type, neutral 0.5 when untracked.
func (lb *LoadBalancer) affinityScoreLocked(task *models.Task, agentID string) float64 {
	w, ok := lb.workloads[agentID]
	if !ok || w.Affinity == nil {
		return 0.5
	}
	affinity, tracked := w.Affinity[task.Type]
	if !tracked {
		return 0.5
	}
	return clamp01(affinity)
}

// costScoreLocked rewards cheap agents. The cost rate is the explicit
// per-agent rate when set, otherwise derived from the agent's average
// task duration scaled by its utilization.
func (lb *LoadBalancer) costScoreLocked(agentID string) float64 {
	cost, ok := lb.costs[agentID]
	if !ok {
		if w, tracked := lb.workloads[agentID]; tracked {
			cost = w.AvgTaskDuration.Seconds() * (1 + w.Utilization)
		}
	}
	return 1 / (1 + math.Max(0, cost))
}

func hasAll(agent *models.Agent, required []string) bool {
	for _, capability := range required {
		if !agent.Capabilities.Has(capability) {
			return false
		}
	}
	return true
}

// UpdateWorkload replaces the tracked workload for an agent.
func (lb *LoadBalancer) UpdateWorkload(w models.Workload) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = lb.now()
	}
	lb.workloads[w.AgentID] = w.Clone()
}

// Workload returns a copy of one agent's tracked workload.
func (lb *LoadBalancer) Workload(agentID string) (*models.Workload, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	w, ok := lb.workloads[agentID]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// Workloads returns copies of every tracked workload keyed by agent ID.
func (lb *LoadBalancer) Workloads() map[string]*models.Workload {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	out := make(map[string]*models.Workload, len(lb.workloads))
	for id, w := range lb.workloads {
		out[id] = w.Clone()
	}
	return out
}

// RecordOutcome folds one attempt outcome into the agent's rolling
// success rate and average duration (exponential moving averages).
func (lb *LoadBalancer) RecordOutcome(agentID string, duration time.Duration, success bool) {
	const alpha = 0.3

	lb.mu.Lock()
	defer lb.mu.Unlock()

	w := lb.workloadLocked(agentID)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if w.UpdatedAt.IsZero() {
		w.SuccessRate = outcome
	} else {
		w.SuccessRate = (1-alpha)*w.SuccessRate + alpha*outcome
	}
	if success && duration > 0 {
		if w.AvgTaskDuration == 0 {
			w.AvgTaskDuration = duration
		} else {
			w.AvgTaskDuration = time.Duration((1-alpha)*float64(w.AvgTaskDuration) + alpha*float64(duration))
		}
	}
	w.UpdatedAt = lb.now()
}

// RecordAffinity nudges the agent's affinity for a task type toward the
// given outcome, so agents drift toward work they finish successfully.
func (lb *LoadBalancer) RecordAffinity(agentID, taskType string, success bool) {
	const step = 0.1

	if taskType == "" {
		return
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	w := lb.workloadLocked(agentID)
	if w.Affinity == nil {
		w.Affinity = make(map[string]float64)
	}
	current, tracked := w.Affinity[taskType]
	if !tracked {
		current = 0.5
	}
	if success {
		current += step
	} else {
		current -= step
	}
	w.Affinity[taskType] = clamp01(current)
	w.UpdatedAt = lb.now()
}

// RecordSample appends a utilization observation to the agent's history
// and refreshes the tracked workload's utilization.
func (lb *LoadBalancer) RecordSample(agentID string, utilization float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	p, ok := lb.predictors[agentID]
	if !ok {
		p = newLoadPredictor(lb.cfg.SampleLimit)
		lb.predictors[agentID] = p
	}
	p.add(clamp01(utilization))

	w := lb.workloadLocked(agentID)
	w.Utilization = clamp01(utilization)
	w.UpdatedAt = lb.now()
}

// PredictLoad returns the predicted next utilization for an agent
// adjusted by the task's complexity, and whether enough history exists
// to predict at all.
func (lb *LoadBalancer) PredictLoad(agentID string, task *models.Task) (float64, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.predictLocked(agentID, task)
}

func (lb *LoadBalancer) predictLocked(agentID string, task *models.Task) (float64, bool) {
	p, ok := lb.predictors[agentID]
	if !ok {
		return 0, false
	}
	next, ok := p.predictNext()
	if !ok {
		return 0, false
	}
	return clamp01(next + complexityBump(task)), true
}

// SetCost sets an explicit cost rate for an agent, used by the
// cost-based strategy in place of the derived estimate.
func (lb *LoadBalancer) SetCost(agentID string, rate float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.costs[agentID] = rate
}

// ShiftQueue moves n queued tasks' worth of depth from one agent's
// tracked workload to another's, keeping rebalance decisions current
// between samplings.
func (lb *LoadBalancer) ShiftQueue(source, target string, n int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	src := lb.workloadLocked(source)
	dst := lb.workloadLocked(target)
	src.QueueDepth -= n
	if src.QueueDepth < 0 {
		src.QueueDepth = 0
	}
	dst.QueueDepth += n
	now := lb.now()
	src.UpdatedAt = now
	dst.UpdatedAt = now
}

// Forget drops all tracking for an agent.
func (lb *LoadBalancer) Forget(agentID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.workloads, agentID)
	delete(lb.predictors, agentID)
	delete(lb.costs, agentID)
}

// StealProposal pairs an overloaded agent with an underloaded one.
type StealProposal struct {
	// Source is the overloaded agent to steal from.
	Source string
	// Target is the underloaded agent to move work to.
	Target string
}

// Rebalance pairs overloaded agents (utilization above 0.8 and queue
// depth above stealThreshold) with underloaded ones (utilization below
// 0.3 and queue depth below 2). The most loaded source is paired with
// the least loaded target first.
func (lb *LoadBalancer) Rebalance(stealThreshold int) []StealProposal {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var overloaded, underloaded []*models.Workload
	for _, w := range lb.workloads {
		switch {
		case w.Utilization > overloadedUtilization && w.QueueDepth > stealThreshold:
			overloaded = append(overloaded, w)
		case w.Utilization < underloadedUtilization && w.QueueDepth < underloadedQueueMax:
			underloaded = append(underloaded, w)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return nil
	}

	sort.Slice(overloaded, func(i, j int) bool {
		if overloaded[i].QueueDepth != overloaded[j].QueueDepth {
			return overloaded[i].QueueDepth > overloaded[j].QueueDepth
		}
		return overloaded[i].AgentID < overloaded[j].AgentID
	})
	sort.Slice(underloaded, func(i, j int) bool {
		if underloaded[i].QueueDepth != underloaded[j].QueueDepth {
			return underloaded[i].QueueDepth < underloaded[j].QueueDepth
		}
		return underloaded[i].AgentID < underloaded[j].AgentID
	})

	pairs := len(overloaded)
	if len(underloaded) < pairs {
		pairs = len(underloaded)
	}
	proposals := make([]StealProposal, 0, pairs)
	for i := 0; i < pairs; i++ {
		proposals = append(proposals, StealProposal{
			Source: overloaded[i].AgentID,
			Target: underloaded[i].AgentID,
		})
	}
	return proposals
}

// workloadLocked returns the tracked workload for an agent, creating an
// empty record on first reference. Caller holds lb.mu.
func (lb *LoadBalancer) workloadLocked(agentID string) *models.Workload {
	w, ok := lb.workloads[agentID]
	if !ok {
		w = &models.Workload{AgentID: agentID}
		lb.workloads[agentID] = w
	}
	return w
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
