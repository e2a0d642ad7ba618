// Package conflict arbitrates contention between agents over resources
// and task assignments. Strategies are registered at construction;
// resolutions are terminal.
package conflict

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// DefaultHistoryLimit bounds how many conflict records the resolver
// retains before the oldest resolved ones are evicted.
const DefaultHistoryLimit = 500

// Strategy names a built-in arbitration strategy.
type Strategy string

const (
	// StrategyPriority awards the subject to the agent with the highest
	// registered priority.
	StrategyPriority Strategy = "priority"
	// StrategyTimestamp awards the subject to the agent with the
	// earliest request.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyVote awards the subject to the agent with the most votes;
	// the first maximum wins ties.
	StrategyVote Strategy = "vote"
)

// Context carries the per-conflict evidence a strategy arbitrates on.
// Strategies read only the fields they need.
type Context struct {
	// Priorities maps agent ID to arbitration priority. Missing agents
	// fall back to the resolver's priority lookup.
	Priorities map[string]int
	// Timestamps maps agent ID to when it requested the subject.
	Timestamps map[string]time.Time
	// Votes maps agent ID to the number of votes cast for it.
	Votes map[string]int
}

// strategyFunc decides a winner among the conflict's agents. It returns
// the winning agent ID and a human-readable reason.
type strategyFunc func(c *models.Conflict, vctx *Context) (winner, reason string, err error)

// PriorityLookup resolves an agent's registered arbitration priority.
// Unknown agents report zero.
type PriorityLookup func(agentID string) int

// Resolver records conflicts and arbitrates them with the registered
// strategies. All methods are safe for concurrent use.
type Resolver struct {
	logger  *zap.Logger
	emitter *events.Emitter
	// priorityOf supplies registered agent priorities to the priority
	// strategy when the per-conflict context has none.
	priorityOf PriorityLookup
	// strategies is populated at construction and never mutated.
	strategies map[Strategy]strategyFunc

	mu sync.RWMutex
	// conflicts maps conflict ID to its record.
	conflicts map[string]*models.Conflict
	// order lists conflict IDs oldest first for eviction.
	order []string
	// historyLimit caps retained conflicts.
	historyLimit int
	// resolvedCount counts resolutions for metrics.
	resolvedCount uint64

	now func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPriorityLookup wires the agent registry's priority lookup into
// the priority strategy.
func WithPriorityLookup(lookup PriorityLookup) Option {
	return func(r *Resolver) { r.priorityOf = lookup }
}

// WithHistoryLimit overrides the retained conflict record bound.
func WithHistoryLimit(limit int) Option {
	return func(r *Resolver) {
		if limit > 0 {
			r.historyLimit = limit
		}
	}
}

// NewResolver creates a Resolver with the priority, timestamp, and vote
// strategies registered.
func NewResolver(logger *zap.Logger, emitter *events.Emitter, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		logger:       logger,
		emitter:      emitter,
		conflicts:    make(map[string]*models.Conflict),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	r.strategies = map[Strategy]strategyFunc{
		StrategyPriority:  r.resolveByPriority,
		StrategyTimestamp: resolveByTimestamp,
		StrategyVote:      resolveByVote,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report records a new conflict between agents over a subject and emits
// a conflict event. At least two agents must be involved.
func (r *Resolver) Report(kind models.ConflictKind, agents []string, subject string) (*models.Conflict, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown conflict kind %q", kind)
	}
	if len(agents) < 2 {
		return nil, fmt.Errorf("a conflict needs at least two agents, got %d", len(agents))
	}

	c := &models.Conflict{
		ID:         "conflict-" + uuid.New().String()[:8],
		Kind:       kind,
		Subject:    subject,
		Agents:     append([]string(nil), agents...),
		ReportedAt: r.now(),
	}

	r.mu.Lock()
	r.conflicts[c.ID] = c
	r.order = append(r.order, c.ID)
	r.evictLocked()
	r.mu.Unlock()

	r.logger.Warn("conflict reported",
		zap.String("conflict_id", c.ID),
		zap.String("kind", string(kind)),
		zap.String("subject", subject),
		zap.Strings("agents", agents))
	if r.emitter != nil {
		r.emitter.Emit(events.Event{
			Type:       events.ConflictReported,
			ConflictID: c.ID,
			ResourceID: subject,
			Agents:     append([]string(nil), agents...),
			Message:    string(kind),
		})
	}
	return cloneConflict(c), nil
}

// Resolve arbitrates a conflict with the named strategy. Resolution is
// terminal: resolving an already-resolved conflict fails. The decided
// resolution is returned and a conflict:resolved event emitted.
func (r *Resolver) Resolve(conflictID string, strategy Strategy, vctx *Context) (*models.Resolution, error) {
	decide, known := r.strategies[strategy]
	if !known {
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
	if vctx == nil {
		vctx = &Context{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conflicts[conflictID]
	if !ok {
		return nil, fmt.Errorf("unknown conflict %q", conflictID)
	}
	if c.Resolved {
		return nil, fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	winner, reason, err := decide(c, vctx)
	if err != nil {
		return nil, fmt.Errorf("resolving conflict %s: %w", conflictID, err)
	}

	resolution := &models.Resolution{
		WinnerID:   winner,
		Losers:     losersOf(c.Agents, winner),
		Strategy:   string(strategy),
		Reason:     reason,
		ResolvedAt: r.now(),
	}
	c.Resolved = true
	c.Resolution = resolution
	r.resolvedCount++

	r.logger.Info("conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("strategy", string(strategy)),
		zap.String("winner", winner),
		zap.String("reason", reason))
	if r.emitter != nil {
		r.emitter.Emit(events.Event{
			Type:       events.ConflictResolved,
			ConflictID: conflictID,
			AgentID:    winner,
			Agents:     append([]string(nil), c.Agents...),
			Message:    reason,
		})
	}

	out := *resolution
	out.Losers = append([]string(nil), resolution.Losers...)
	return &out, nil
}

// resolveByPriority awards the highest-priority agent. Per-conflict
// priorities win over the registered lookup; ties break by agent ID so
// the outcome is deterministic.
func (r *Resolver) resolveByPriority(c *models.Conflict, vctx *Context) (string, string, error) {
	winner := ""
	best := 0
	for _, agentID := range sortedStrings(c.Agents) {
		priority, given := vctx.Priorities[agentID]
		if !given && r.priorityOf != nil {
			priority = r.priorityOf(agentID)
		}
		if winner == "" || priority > best {
			winner = agentID
			best = priority
		}
	}
	return winner, fmt.Sprintf("highest priority %d", best), nil
}

// resolveByTimestamp awards the agent with the earliest request. Agents
// without a timestamp lose to any agent with one.
func resolveByTimestamp(c *models.Conflict, vctx *Context) (string, string, error) {
	if len(vctx.Timestamps) == 0 {
		return "", "", fmt.Errorf("timestamp strategy needs request timestamps")
	}

	winner := ""
	var earliest time.Time
	for _, agentID := range sortedStrings(c.Agents) {
		at, ok := vctx.Timestamps[agentID]
		if !ok {
			continue
		}
		if winner == "" || at.Before(earliest) {
			winner = agentID
			earliest = at
		}
	}
	if winner == "" {
		return "", "", fmt.Errorf("no involved agent has a request timestamp")
	}
	return winner, fmt.Sprintf("earliest request at %s", earliest.Format(time.RFC3339)), nil
}

// resolveByVote awards the agent with the most votes. Agents are
// considered in sorted order, so the first maximum wins ties.
func resolveByVote(c *models.Conflict, vctx *Context) (string, string, error) {
	if len(vctx.Votes) == 0 {
		return "", "", fmt.Errorf("vote strategy needs votes")
	}

	winner := ""
	best := -1
	for _, agentID := range sortedStrings(c.Agents) {
		if votes := vctx.Votes[agentID]; votes > best {
			winner = agentID
			best = votes
		}
	}
	return winner, fmt.Sprintf("%d votes", best), nil
}

// Get returns a copy of a conflict record.
func (r *Resolver) Get(conflictID string) (*models.Conflict, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conflicts[conflictID]
	if !ok {
		return nil, false
	}
	return cloneConflict(c), true
}

// Unresolved returns copies of all conflicts still awaiting arbitration,
// oldest first.
func (r *Resolver) Unresolved() []*models.Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Conflict
	for _, id := range r.order {
		if c := r.conflicts[id]; c != nil && !c.Resolved {
			out = append(out, cloneConflict(c))
		}
	}
	return out
}

// History returns copies of every retained conflict, oldest first.
func (r *Resolver) History() []*models.Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Conflict, 0, len(r.order))
	for _, id := range r.order {
		if c := r.conflicts[id]; c != nil {
			out = append(out, cloneConflict(c))
		}
	}
	return out
}

// ResolvedCount returns how many conflicts have been resolved.
func (r *Resolver) ResolvedCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolvedCount
}

// Cleanup removes resolved conflicts older than maxAge and returns how
// many were dropped. Unresolved conflicts are never cleaned up.
func (r *Resolver) Cleanup(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.order[:0]
	for _, id := range r.order {
		c := r.conflicts[id]
		if c == nil {
			continue
		}
		if c.Resolved && c.Resolution != nil && c.Resolution.ResolvedAt.Before(cutoff) {
			delete(r.conflicts, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept

	if removed > 0 {
		r.logger.Debug("cleaned up resolved conflicts", zap.Int("removed", removed))
	}
	return removed
}

// evictLocked drops the oldest resolved conflicts beyond the history
// limit. Unresolved conflicts are retained even over the limit so
// pending arbitration is never lost.
func (r *Resolver) evictLocked() {
	if len(r.order) <= r.historyLimit {
		return
	}
	kept := r.order[:0]
	excess := len(r.order) - r.historyLimit
	for _, id := range r.order {
		c := r.conflicts[id]
		if excess > 0 && c != nil && c.Resolved {
			delete(r.conflicts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func losersOf(agents []string, winner string) []string {
	var losers []string
	for _, id := range agents {
		if id != winner {
			losers = append(losers, id)
		}
	}
	sort.Strings(losers)
	return losers
}

func cloneConflict(c *models.Conflict) *models.Conflict {
	out := *c
	out.Agents = append([]string(nil), c.Agents...)
	if c.Resolution != nil {
		res := *c.Resolution
		res.Losers = append([]string(nil), c.Resolution.Losers...)
		out.Resolution = &res
	}
	return &out
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
