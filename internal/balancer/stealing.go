package balancer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// stealHistoryLimit bounds retained steal operation records.
const stealHistoryLimit = 100

// TaskMover is the scheduler surface the stealing coordinator needs:
// listing an agent's queued tasks (lowest priority first) and moving one
// task between agent queues.
type TaskMover interface {
	QueuedFor(agentID string) []*models.Task
	Reassign(taskID, fromAgent, toAgent string) error
}

// StealOperation records one completed work-stealing transfer.
type StealOperation struct {
	// ID identifies the operation.
	ID string `json:"id"`
	// Source is the agent tasks were taken from.
	Source string `json:"source"`
	// Target is the agent tasks were moved to.
	Target string `json:"target"`
	// TaskIDs lists the moved tasks.
	TaskIDs []string `json:"task_ids"`
	// SourceQueueBefore and SourceQueueAfter are the source queue depths
	// around the transfer.
	SourceQueueBefore int `json:"source_queue_before"`
	SourceQueueAfter  int `json:"source_queue_after"`
	// TargetQueueBefore and TargetQueueAfter are the target queue depths
	// around the transfer.
	TargetQueueBefore int `json:"target_queue_before"`
	TargetQueueAfter  int `json:"target_queue_after"`
	// At is when the transfer happened.
	At time.Time `json:"at"`
}

// WorkStealingCoordinator moves queued tasks from overloaded agents to
// underloaded ones. It never touches running work; only earmarked queued
// tasks move.
type WorkStealingCoordinator struct {
	lb       *LoadBalancer
	mover    TaskMover
	emitter  *events.Emitter
	logger   *zap.Logger
	maxBatch int

	mu          sync.Mutex
	history     []StealOperation
	totalStolen uint64

	now func() time.Time
}

// NewWorkStealingCoordinator creates a coordinator that moves at most
// maxBatch tasks per operation.
func NewWorkStealingCoordinator(lb *LoadBalancer, mover TaskMover, maxBatch int, logger *zap.Logger, emitter *events.Emitter) *WorkStealingCoordinator {
	if maxBatch <= 0 {
		maxBatch = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkStealingCoordinator{
		lb:       lb,
		mover:    mover,
		emitter:  emitter,
		logger:   logger,
		maxBatch: maxBatch,
		now:      time.Now,
	}
}

// ExecuteWorkStealing moves up to maxBatch of the source agent's
// lowest-priority queued tasks to the target agent. It fails without
// mutating anything when the agents are equal or the source queue is
// empty; a transfer that moves at least one task succeeds and is
// recorded, emitted, and reflected in the balancer's workloads.
func (c *WorkStealingCoordinator) ExecuteWorkStealing(source, target string) (*StealOperation, error) {
	if source == target {
		return nil, &models.CoordinationError{Op: "steal", Reason: "source and target agent are the same"}
	}

	queued := c.mover.QueuedFor(source)
	if len(queued) == 0 {
		return nil, &models.CoordinationError{Op: "steal", Reason: fmt.Sprintf("agent %s has no queued tasks", source)}
	}
	targetBefore := len(c.mover.QueuedFor(target))

	batch := len(queued)
	if batch > c.maxBatch {
		batch = c.maxBatch
	}

	var moved []string
	for _, task := range queued[:batch] {
		if err := c.mover.Reassign(task.ID, source, target); err != nil {
			// The task started or got cancelled since the snapshot; skip it.
			c.logger.Debug("skipping task during steal",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		moved = append(moved, task.ID)
	}
	if len(moved) == 0 {
		return nil, &models.CoordinationError{Op: "steal", Reason: fmt.Sprintf("no queued task of agent %s could be moved", source)}
	}

	c.lb.ShiftQueue(source, target, len(moved))

	op := StealOperation{
		ID:                "steal-" + uuid.New().String()[:8],
		Source:            source,
		Target:            target,
		TaskIDs:           moved,
		SourceQueueBefore: len(queued),
		SourceQueueAfter:  len(queued) - len(moved),
		TargetQueueBefore: targetBefore,
		TargetQueueAfter:  targetBefore + len(moved),
		At:                c.now(),
	}

	c.mu.Lock()
	c.history = append(c.history, op)
	if len(c.history) > stealHistoryLimit {
		c.history = c.history[len(c.history)-stealHistoryLimit:]
	}
	c.totalStolen += uint64(len(moved))
	c.mu.Unlock()

	c.logger.Info("work stealing executed",
		zap.String("source", source),
		zap.String("target", target),
		zap.Strings("task_ids", moved))
	if c.emitter != nil {
		c.emitter.Emit(events.Event{
			Type:        events.WorkStealingRequest,
			SourceAgent: source,
			TargetAgent: target,
			TaskIDs:     moved,
			Message:     fmt.Sprintf("moved %d tasks", len(moved)),
		})
	}
	return &op, nil
}

// Rebalance asks the balancer for overloaded/underloaded pairs and
// executes a steal for each. Pairs whose source queue emptied in the
// meantime are skipped. Returns the completed operations.
func (c *WorkStealingCoordinator) Rebalance(stealThreshold int) []*StealOperation {
	proposals := c.lb.Rebalance(stealThreshold)
	if len(proposals) == 0 {
		return nil
	}

	var ops []*StealOperation
	for _, proposal := range proposals {
		op, err := c.ExecuteWorkStealing(proposal.Source, proposal.Target)
		if err != nil {
			c.logger.Debug("rebalance pair skipped",
				zap.String("source", proposal.Source),
				zap.String("target", proposal.Target),
				zap.Error(err))
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// History returns the retained steal operations, oldest first.
func (c *WorkStealingCoordinator) History() []StealOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StealOperation(nil), c.history...)
}

// TotalStolen returns the lifetime count of moved tasks.
func (c *WorkStealingCoordinator) TotalStolen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStolen
}
