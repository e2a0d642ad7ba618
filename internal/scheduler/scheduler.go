// Package scheduler owns the task lifecycle: dependency-aware queueing,
// assignment to agents, retry with exponential backoff, and cascading
// cancellation. It tracks every submitted task and keeps a bounded
// history of completed work, but never executes anything itself; the
// coordination manager runs the executor and reports outcomes back.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/internal/graph"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// DefaultHistoryLimit bounds how many completed tasks are retained before
// the oldest are evicted from the scheduler and the graph's completed set.
const DefaultHistoryLimit = 1000

// Config holds the scheduler's retry and timeout settings.
type Config struct {
	// MaxRetries is how many times a failing task is re-queued before it
	// fails terminally.
	MaxRetries int
	// RetryDelay is the base backoff delay; attempt n waits
	// RetryDelay * 2^(n-1).
	RetryDelay time.Duration
	// AttemptTimeout bounds a single execution attempt. The maintenance
	// sweep force-fails tasks stuck running past twice this value.
	AttemptTimeout time.Duration
	// HistoryLimit caps retained completed tasks. Zero means
	// DefaultHistoryLimit.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// Scheduler tracks tasks through their lifecycle and decides what is
// eligible to run. All mutation goes through its methods; the dependency
// graph and the task records stay consistent under one lock.
type Scheduler struct {
	cfg     Config
	logger  *zap.Logger
	emitter *events.Emitter

	// graph holds the dependency structure; node presence and status
	// mirror the non-terminal tasks in the tasks map.
	graph *graph.DependencyGraph

	mu sync.RWMutex
	// tasks maps task ID to the scheduler's record of it.
	tasks map[string]*models.Task
	// history lists completed task IDs, oldest first, bounded by
	// cfg.HistoryLimit.
	history []string
	// timers holds the active retry backoff timer per task, if any.
	timers map[string]*time.Timer
	// counters accumulate terminal outcomes for metrics.
	completedCount uint64
	failedCount    uint64
	cancelledCount uint64
	retryCount     uint64

	// trigger signals the dispatch loop that eligibility may have changed.
	trigger chan struct{}

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates a Scheduler with its own empty dependency graph.
func New(cfg Config, logger *zap.Logger, emitter *events.Emitter) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		emitter: emitter,
		graph:   graph.New(),
		tasks:   make(map[string]*models.Task),
		timers:  make(map[string]*time.Timer),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Graph exposes the underlying dependency graph for diagnostics such as
// critical path and dot rendering. Callers must not mutate it directly.
func (s *Scheduler) Graph() *graph.DependencyGraph {
	return s.graph
}

// Wake returns the channel the dispatch loop selects on. The scheduler
// sends (without blocking) whenever task eligibility may have changed.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.trigger
}

// Notify signals the dispatch loop to re-check eligibility, for
// external changes such as a new agent registering.
func (s *Scheduler) Notify() {
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Submit registers a single task. Tasks with unknown dependencies are
// rejected with *models.DependencyError; duplicates with *models.TaskError.
// A missing ID is filled with a generated one, a missing priority
// defaults to medium.
func (s *Scheduler) Submit(task *models.Task) error {
	if task == nil {
		return &models.TaskError{Op: "submit", Reason: "nil task"}
	}

	s.mu.Lock()
	err := s.submitLocked(task)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.wake()
	return nil
}

// SubmitAll registers a batch of tasks whose dependencies may reference
// each other in any order. The batch is all-or-nothing: one bad task
// rejects the whole call and leaves the scheduler unchanged.
func (s *Scheduler) SubmitAll(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	s.mu.Lock()
	err := s.submitAllLocked(tasks)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.wake()
	return nil
}

func (s *Scheduler) submitAllLocked(tasks []*models.Task) error {
	for _, task := range tasks {
		if task == nil {
			return &models.TaskError{Op: "submit", Reason: "nil task in batch"}
		}
		s.normalizeLocked(task)
		if _, dup := s.tasks[task.ID]; dup {
			return &models.TaskError{TaskID: task.ID, Op: "submit", Reason: "task already submitted"}
		}
	}
	if err := s.graph.Build(tasks); err != nil {
		return err
	}
	for _, task := range tasks {
		s.recordLocked(task)
	}
	return nil
}

// submitLocked validates and registers one task. Caller holds s.mu.
func (s *Scheduler) submitLocked(task *models.Task) error {
	s.normalizeLocked(task)
	if _, dup := s.tasks[task.ID]; dup {
		return &models.TaskError{TaskID: task.ID, Op: "submit", Reason: "task already submitted"}
	}
	if err := s.graph.AddTask(task.ID, task.DependsOn); err != nil {
		return err
	}
	s.recordLocked(task)
	return nil
}

// normalizeLocked fills generated defaults on a submitted task.
func (s *Scheduler) normalizeLocked(task *models.Task) {
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()[:8]
	}
	if !task.Priority.Valid() {
		task.Priority = models.PriorityMedium
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
}

// recordLocked stores the task record with a status matching its graph
// node. Caller holds s.mu and has already added the task to the graph.
func (s *Scheduler) recordLocked(task *models.Task) {
	c := task.Clone()
	if status, ok := s.graph.Status(c.ID); ok && status == graph.NodeReady {
		c.Status = models.TaskStatusQueued
	} else {
		c.Status = models.TaskStatusPending
	}
	s.tasks[c.ID] = c
	s.logger.Debug("task submitted",
		zap.String("task_id", c.ID),
		zap.String("type", c.Type),
		zap.String("status", string(c.Status)),
		zap.Strings("depends_on", c.DependsOn))
}

// Get returns a copy of the task record, if known.
func (s *Scheduler) Get(taskID string) (*models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of every tracked task, sorted by ID.
func (s *Scheduler) Tasks() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Ready returns copies of tasks eligible for assignment: dependency-free
// in the graph, not mid-backoff, ordered by priority rank (highest
// first), then submission time, then ID.
func (s *Scheduler) Ready() []*models.Task {
	readyIDs := s.graph.Ready()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(readyIDs))
	for _, id := range readyIDs {
		task, ok := s.tasks[id]
		if !ok || task.Status != models.TaskStatusQueued {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Assign hands a task to an agent and transitions it to running. It
// fails with *models.DependencyError when any dependency has not
// completed, and with *models.TaskError for unknown or ineligible tasks.
func (s *Scheduler) Assign(taskID, agentID string) error {
	s.mu.Lock()
	ev, err := s.assignLocked(taskID, agentID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(ev)
	return nil
}

func (s *Scheduler) assignLocked(taskID, agentID string) (events.Event, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return events.Event{}, &models.TaskError{TaskID: taskID, Op: "assign", Reason: "unknown task"}
	}
	if task.Status.Terminal() {
		return events.Event{}, &models.TaskError{TaskID: taskID, Op: "assign", Reason: fmt.Sprintf("task is %s", task.Status)}
	}
	if missing := s.graph.Dependencies(taskID); len(missing) > 0 {
		return events.Event{}, &models.DependencyError{TaskID: taskID, Missing: missing}
	}
	if err := s.graph.MarkRunning(taskID); err != nil {
		return events.Event{}, err
	}

	started := s.now()
	task.AssignedTo = agentID
	task.Status = models.TaskStatusRunning
	task.StartedAt = &started

	s.logger.Info("task started",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int("retry_count", task.RetryCount))
	return events.Event{Type: events.TaskStarted, TaskID: taskID, AgentID: agentID}, nil
}

// Earmark reserves a queued task for a specific agent without starting
// it. The dispatch loop and the work-stealing coordinator use this to
// maintain per-agent queues.
func (s *Scheduler) Earmark(taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return &models.TaskError{TaskID: taskID, Op: "earmark", Reason: "unknown task"}
	}
	if task.Status != models.TaskStatusQueued {
		return &models.TaskError{TaskID: taskID, Op: "earmark", Reason: fmt.Sprintf("task is %s, not queued", task.Status)}
	}
	task.AssignedTo = agentID
	return nil
}

// Reassign moves a queued task from one agent's queue to another's. It
// fails without side effects unless the task is queued and currently
// earmarked to the source agent.
func (s *Scheduler) Reassign(taskID, fromAgent, toAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return &models.TaskError{TaskID: taskID, Op: "reassign", Reason: "unknown task"}
	}
	if task.Status != models.TaskStatusQueued {
		return &models.TaskError{TaskID: taskID, Op: "reassign", Reason: fmt.Sprintf("task is %s, not queued", task.Status)}
	}
	if task.AssignedTo != fromAgent {
		return &models.TaskError{TaskID: taskID, Op: "reassign", Reason: fmt.Sprintf("task is earmarked to %q, not %q", task.AssignedTo, fromAgent)}
	}
	task.AssignedTo = toAgent
	return nil
}

// Requeue returns a running task to the queue without counting a retry.
// Used when an attempt is preempted rather than failed, such as deadlock
// recovery or shutdown. Requeueing an already-queued task is a no-op.
func (s *Scheduler) Requeue(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return &models.TaskError{TaskID: taskID, Op: "requeue", Reason: "unknown task"}
	}
	switch task.Status {
	case models.TaskStatusQueued, models.TaskStatusPending:
		return nil
	case models.TaskStatusAssigned, models.TaskStatusRunning:
	default:
		return &models.TaskError{TaskID: taskID, Op: "requeue", Reason: fmt.Sprintf("task is %s", task.Status)}
	}
	if err := s.graph.MarkReady(taskID); err != nil {
		return err
	}
	task.Status = models.TaskStatusQueued
	task.AssignedTo = ""
	task.StartedAt = nil

	s.logger.Info("task requeued", zap.String("task_id", taskID))
	s.wake()
	return nil
}

// AgentLoad returns how many tasks are running on and queued behind the
// given agent.
func (s *Scheduler) AgentLoad(agentID string) (running, queued int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, task := range s.tasks {
		if task.AssignedTo != agentID {
			continue
		}
		switch task.Status {
		case models.TaskStatusAssigned, models.TaskStatusRunning:
			running++
		case models.TaskStatusQueued:
			queued++
		}
	}
	return running, queued
}

// QueuedFor returns copies of the tasks earmarked to an agent but not
// yet running, sorted by priority rank ascending so the lowest-priority
// work is first in line to be stolen.
func (s *Scheduler) QueuedFor(agentID string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if task.AssignedTo == agentID && task.Status == models.TaskStatusQueued {
			out = append(out, task.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Complete marks a running task finished, promotes dependents whose
// last dependency it was, and returns the IDs of tasks that became
// queued as a result.
func (s *Scheduler) Complete(taskID, result string) ([]string, error) {
	s.mu.Lock()
	promoted, ev, err := s.completeLocked(taskID, result)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	s.wake()
	return promoted, nil
}

func (s *Scheduler) completeLocked(taskID, result string) ([]string, events.Event, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, events.Event{}, &models.TaskError{TaskID: taskID, Op: "complete", Reason: "unknown task"}
	}
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusAssigned {
		return nil, events.Event{}, &models.TaskError{TaskID: taskID, Op: "complete", Reason: fmt.Sprintf("task is %s, not running", task.Status)}
	}

	ready, err := s.graph.MarkCompleted(taskID)
	if err != nil {
		return nil, events.Event{}, err
	}

	completed := s.now()
	task.Status = models.TaskStatusCompleted
	task.Result = result
	task.CompletedAt = &completed
	s.completedCount++

	for _, id := range ready {
		if dependent, ok := s.tasks[id]; ok && dependent.Status == models.TaskStatusPending {
			dependent.Status = models.TaskStatusQueued
		}
	}

	s.history = append(s.history, taskID)
	s.evictHistoryLocked()

	s.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("agent_id", task.AssignedTo),
		zap.Strings("promoted", ready))
	return ready, events.Event{Type: events.TaskCompleted, TaskID: taskID, AgentID: task.AssignedTo}, nil
}

// evictHistoryLocked drops the oldest completed tasks beyond the limit,
// removing them from the task map and the graph's completed set. Tasks
// submitted later may no longer depend on evicted IDs.
func (s *Scheduler) evictHistoryLocked() {
	for len(s.history) > s.cfg.HistoryLimit {
		oldest := s.history[0]
		s.history = s.history[1:]
		delete(s.tasks, oldest)
		s.graph.ForgetCompleted(oldest)
		s.logger.Debug("evicted completed task from history", zap.String("task_id", oldest))
	}
}

// Fail records a failed attempt. Below the retry limit the task is
// re-queued after an exponential backoff; at exhaustion it fails
// terminally and every transitive dependent is cancelled exactly once.
func (s *Scheduler) Fail(taskID string, cause error) error {
	s.mu.Lock()
	evs, err := s.failLocked(taskID, cause)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(evs...)
	s.wake()
	return nil
}

func (s *Scheduler) failLocked(taskID string, cause error) ([]events.Event, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, &models.TaskError{TaskID: taskID, Op: "fail", Reason: "unknown task"}
	}
	if task.Status.Terminal() {
		return nil, &models.TaskError{TaskID: taskID, Op: "fail", Reason: fmt.Sprintf("task is already %s", task.Status)}
	}

	if task.RetryCount < s.cfg.MaxRetries {
		task.RetryCount++
		s.retryCount++
		s.scheduleRetryLocked(task, cause)
		return nil, nil
	}
	return s.failTerminalLocked(task, cause), nil
}

// scheduleRetryLocked parks the task until its backoff expires, then
// re-queues it. The delay doubles with each attempt.
func (s *Scheduler) scheduleRetryLocked(task *models.Task, cause error) {
	delay := s.cfg.RetryDelay << (task.RetryCount - 1)
	task.Status = models.TaskStatusPending
	task.AssignedTo = ""

	taskID := task.ID
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() { s.finishBackoff(taskID, timer) })
	if old, ok := s.timers[taskID]; ok {
		old.Stop()
	}
	s.timers[taskID] = timer

	s.logger.Warn("task attempt failed, retry scheduled",
		zap.String("task_id", taskID),
		zap.Int("attempt", task.RetryCount),
		zap.Duration("backoff", delay),
		zap.Error(cause))
}

// finishBackoff re-queues a task whose backoff timer fired. Stale timers
// (replaced or cancelled while the callback was pending) are ignored.
func (s *Scheduler) finishBackoff(taskID string, timer *time.Timer) {
	s.mu.Lock()
	current, ok := s.timers[taskID]
	if !ok || current != timer {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)

	task, exists := s.tasks[taskID]
	if !exists || task.Status != models.TaskStatusPending {
		s.mu.Unlock()
		return
	}
	if err := s.graph.MarkReady(taskID); err != nil {
		s.mu.Unlock()
		s.logger.Error("requeue after backoff failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	task.Status = models.TaskStatusQueued
	s.mu.Unlock()

	s.logger.Info("task re-queued after backoff",
		zap.String("task_id", taskID),
		zap.Int("retry_count", task.RetryCount))
	s.wake()
}

// failTerminalLocked marks the task failed and cancels its transitive
// dependents. Returns the events to emit once the lock is released.
func (s *Scheduler) failTerminalLocked(task *models.Task, cause error) []events.Event {
	now := s.now()
	task.Status = models.TaskStatusFailed
	if cause != nil {
		task.Error = cause.Error()
	}
	task.CompletedAt = &now
	s.failedCount++

	dependents := s.graph.MarkFailed(task.ID)
	s.graph.Remove(task.ID)

	evs := []events.Event{{
		Type:    events.TaskFailed,
		TaskID:  task.ID,
		AgentID: task.AssignedTo,
		Error:   cause,
	}}
	for _, depID := range dependents {
		if ev, ok := s.cancelOneLocked(depID, fmt.Sprintf("dependency %s failed", task.ID)); ok {
			evs = append(evs, ev)
		}
	}

	s.logger.Error("task failed terminally",
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AssignedTo),
		zap.Int("retry_count", task.RetryCount),
		zap.Strings("cancelled_dependents", dependents),
		zap.Error(cause))
	return evs
}

// Cancel cancels a task and every transitive dependent. Each affected
// task is cancelled at most once; already-terminal tasks are skipped.
func (s *Scheduler) Cancel(taskID, reason string) error {
	s.mu.Lock()
	evs, err := s.cancelLocked(taskID, reason)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(evs...)
	s.wake()
	return nil
}

func (s *Scheduler) cancelLocked(taskID, reason string) ([]events.Event, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, &models.TaskError{TaskID: taskID, Op: "cancel", Reason: "unknown task"}
	}
	if task.Status.Terminal() {
		return nil, &models.TaskError{TaskID: taskID, Op: "cancel", Reason: fmt.Sprintf("task is already %s", task.Status)}
	}

	// Collect the closure before removing nodes; removal detaches edges.
	dependents := s.graph.TransitiveDependents(taskID)

	var evs []events.Event
	if ev, ok := s.cancelOneLocked(taskID, reason); ok {
		evs = append(evs, ev)
	}
	for _, depID := range dependents {
		if ev, ok := s.cancelOneLocked(depID, fmt.Sprintf("dependency %s cancelled", taskID)); ok {
			evs = append(evs, ev)
		}
	}
	return evs, nil
}

// cancelOneLocked cancels a single task without cascading. Returns false
// when the task is unknown or already terminal.
func (s *Scheduler) cancelOneLocked(taskID, reason string) (events.Event, bool) {
	task, ok := s.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return events.Event{}, false
	}

	if timer, active := s.timers[taskID]; active {
		timer.Stop()
		delete(s.timers, taskID)
	}

	now := s.now()
	task.Status = models.TaskStatusCancelled
	task.Error = reason
	task.CompletedAt = &now
	s.cancelledCount++
	s.graph.Remove(taskID)

	s.logger.Info("task cancelled",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	return events.Event{Type: events.TaskCancelled, TaskID: taskID, AgentID: task.AssignedTo, Message: reason}, true
}

// CancelAgentTasks cancels every non-terminal task assigned or earmarked
// to an agent, cascading to dependents as usual. Returns the IDs of the
// directly cancelled tasks.
func (s *Scheduler) CancelAgentTasks(agentID string) []string {
	s.mu.Lock()
	var direct []string
	var evs []events.Event
	for _, id := range s.agentTaskIDsLocked(agentID) {
		cancelled, err := s.cancelLocked(id, fmt.Sprintf("agent %s terminated", agentID))
		if err != nil {
			// Already cancelled by an earlier cascade in this loop.
			continue
		}
		direct = append(direct, id)
		evs = append(evs, cancelled...)
	}
	s.mu.Unlock()

	s.emit(evs...)
	if len(direct) > 0 {
		s.wake()
	}
	sort.Strings(direct)
	return direct
}

// RescheduleAgentTasks returns an agent's running and earmarked tasks to
// the queue without counting a retry. Used for deadlock preemption and
// agent handoff. Returns the IDs of the rescheduled tasks.
func (s *Scheduler) RescheduleAgentTasks(agentID string) []string {
	s.mu.Lock()
	var rescheduled []string
	for _, id := range s.agentTaskIDsLocked(agentID) {
		task := s.tasks[id]
		switch task.Status {
		case models.TaskStatusAssigned, models.TaskStatusRunning:
			if err := s.graph.MarkReady(id); err != nil {
				s.logger.Error("reschedule failed", zap.String("task_id", id), zap.Error(err))
				continue
			}
			task.Status = models.TaskStatusQueued
			task.AssignedTo = ""
			task.StartedAt = nil
			rescheduled = append(rescheduled, id)
		case models.TaskStatusQueued:
			task.AssignedTo = ""
			rescheduled = append(rescheduled, id)
		}
	}
	s.mu.Unlock()

	if len(rescheduled) > 0 {
		s.logger.Info("rescheduled agent tasks",
			zap.String("agent_id", agentID),
			zap.Strings("task_ids", rescheduled))
		s.wake()
	}
	sort.Strings(rescheduled)
	return rescheduled
}

// agentTaskIDsLocked lists non-terminal tasks attached to an agent,
// sorted for deterministic processing.
func (s *Scheduler) agentTaskIDsLocked(agentID string) []string {
	var ids []string
	for id, task := range s.tasks {
		if task.AssignedTo == agentID && !task.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Maintenance force-fails tasks stuck running past twice the attempt
// timeout. The failure routes through the normal retry path, so a stuck
// task retries until exhaustion like any other failure. Returns the IDs
// of the tasks swept.
func (s *Scheduler) Maintenance(now time.Time) []string {
	limit := 2 * s.cfg.AttemptTimeout

	s.mu.Lock()
	var stuck []string
	for id, task := range s.tasks {
		if task.Status != models.TaskStatusRunning || task.StartedAt == nil {
			continue
		}
		if now.Sub(*task.StartedAt) > limit {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)

	var evs []events.Event
	for _, id := range stuck {
		failed, err := s.failLocked(id, &models.TaskTimeoutError{TaskID: id, Limit: limit})
		if err != nil {
			continue
		}
		evs = append(evs, failed...)
	}
	s.mu.Unlock()

	if len(stuck) > 0 {
		s.logger.Warn("maintenance swept stuck tasks", zap.Strings("task_ids", stuck))
		s.emit(evs...)
		s.wake()
	}
	return stuck
}

// Counts returns the number of tracked tasks per status.
func (s *Scheduler) Counts() map[models.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.TaskStatus]int)
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts
}

// Totals returns lifetime counters: completed, failed, cancelled tasks
// and attempts that entered the retry path.
func (s *Scheduler) Totals() (completed, failed, cancelled, retries uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completedCount, s.failedCount, s.cancelledCount, s.retryCount
}

// History returns the retained completed task IDs, oldest first.
func (s *Scheduler) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.history...)
}

// Pending reports whether any task is still in a non-terminal state.
func (s *Scheduler) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			return true
		}
	}
	return false
}

// Stop cancels all outstanding backoff timers. Tasks mid-backoff stay
// pending; a restarted dispatch loop will not see them again until they
// are re-queued by a new scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) emit(evs ...events.Event) {
	if s.emitter == nil {
		return
	}
	for _, ev := range evs {
		if ev.Type == "" {
			continue
		}
		s.emitter.Emit(ev)
	}
}
