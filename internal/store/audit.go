package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// RunStatus represents the status of an engine run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Run represents one engine invocation: a plan executed to completion
// or interruption.
type Run struct {
	ID             string     `json:"id"`
	Plan           string     `json:"plan"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
}

// EventRecord is one audit log row derived from an engine event.
type EventRecord struct {
	Seq        int64     `json:"seq"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Run operations

// CreateRun records the start of an engine run.
func (s *Store) CreateRun(r *Run) error {
	_, err := s.Exec(`
		INSERT INTO runs (id, plan, status, started_at, tasks_completed, tasks_failed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Plan, string(r.Status), formatTime(r.StartedAt), r.TasksCompleted, r.TasksFailed)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with the given status and counters.
func (s *Store) FinishRun(id string, status RunStatus, completed, failed int) error {
	_, err := s.Exec(`
		UPDATE runs SET status = ?, finished_at = ?, tasks_completed = ?, tasks_failed = ?
		WHERE id = ?
	`, string(status), formatTime(time.Now()), completed, failed, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil without error if absent.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.QueryRow(`
		SELECT id, plan, status, started_at, finished_at, tasks_completed, tasks_failed
		FROM runs WHERE id = ?
	`, id)

	var r Run
	var plan sql.NullString
	var startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&r.ID, &plan, &r.Status, &startedAt, &finishedAt, &r.TasksCompleted, &r.TasksFailed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if plan.Valid {
		r.Plan = plan.String
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// ListRuns lists runs newest first, optionally filtered by status.
// A limit of 0 means no limit.
func (s *Store) ListRuns(status *RunStatus, limit int) ([]Run, error) {
	query := `
		SELECT id, plan, status, started_at, finished_at, tasks_completed, tasks_failed
		FROM runs`
	var args []any
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var plan sql.NullString
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &plan, &r.Status, &startedAt, &finishedAt, &r.TasksCompleted, &r.TasksFailed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if plan.Valid {
			r.Plan = plan.String
		}
		r.StartedAt, _ = parseTime(startedAt)
		r.FinishedAt = parseNullableTime(finishedAt)
		runs = append(runs, r)
	}
	return runs, nil
}

// GetActiveRun returns the most recent active run, if any.
func (s *Store) GetActiveRun() (*Run, error) {
	status := RunActive
	runs, err := s.ListRuns(&status, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Task operations

// SaveTask inserts or updates the audit row for a task. Tasks transition
// through several states during a run, so writes are upserts keyed by
// (run_id, id).
func (s *Store) SaveTask(runID string, t *models.Task) error {
	dependsOn, _ := json.Marshal(t.DependsOn)
	resources, _ := json.Marshal(t.Resources)

	var startedAt, completedAt *string
	if t.StartedAt != nil {
		v := formatTime(*t.StartedAt)
		startedAt = &v
	}
	if t.CompletedAt != nil {
		v := formatTime(*t.CompletedAt)
		completedAt = &v
	}

	_, err := s.Exec(`
		INSERT INTO tasks (id, run_id, type, description, priority, status, assigned_to,
			retry_count, depends_on, resources, result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO UPDATE SET
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			retry_count = excluded.retry_count,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, t.ID, runID, t.Type, t.Description, string(t.Priority), string(t.Status), t.AssignedTo,
		t.RetryCount, string(dependsOn), string(resources), t.Result, t.Error,
		formatTime(t.CreatedAt), startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task audit row. Returns nil without error if absent.
func (s *Store) GetTask(runID, id string) (*models.Task, error) {
	row := s.QueryRow(`
		SELECT id, type, description, priority, status, assigned_to, retry_count,
			depends_on, resources, result, error, created_at, started_at, completed_at
		FROM tasks WHERE run_id = ? AND id = ?
	`, runID, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks lists task audit rows for a run, optionally filtered by status.
func (s *Store) ListTasks(runID string, status *models.TaskStatus) ([]*models.Task, error) {
	query := `
		SELECT id, type, description, priority, status, assigned_to, retry_count,
			depends_on, resources, result, error, created_at, started_at, completed_at
		FROM tasks WHERE run_id = ?`
	args := []any{runID}
	if status != nil {
		query += " AND status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var typ, description, assignedTo, dependsOn, resources, result, errMsg sql.NullString
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &typ, &description, &t.Priority, &t.Status, &assignedTo, &t.RetryCount,
		&dependsOn, &resources, &result, &errMsg, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if typ.Valid {
		t.Type = typ.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if assignedTo.Valid {
		t.AssignedTo = assignedTo.String
	}
	if dependsOn.Valid {
		json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
	}
	if resources.Valid {
		json.Unmarshal([]byte(resources.String), &t.Resources)
	}
	if result.Valid {
		t.Result = result.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// Conflict operations

// SaveConflict inserts or updates the audit row for a conflict. A second
// write for the same conflict carries the resolution.
func (s *Store) SaveConflict(runID string, c *models.Conflict) error {
	agents, _ := json.Marshal(c.Agents)

	var winner, strategy, reason *string
	var resolvedAt *string
	if c.Resolution != nil {
		winner = &c.Resolution.WinnerID
		strategy = &c.Resolution.Strategy
		reason = &c.Resolution.Reason
		v := formatTime(c.Resolution.ResolvedAt)
		resolvedAt = &v
	}

	_, err := s.Exec(`
		INSERT INTO conflicts (id, run_id, kind, subject, agents, winner, strategy, reason, reported_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, id) DO UPDATE SET
			winner = excluded.winner,
			strategy = excluded.strategy,
			reason = excluded.reason,
			resolved_at = excluded.resolved_at
	`, c.ID, runID, string(c.Kind), c.Subject, string(agents), winner, strategy, reason,
		formatTime(c.ReportedAt), resolvedAt)
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// ListConflicts lists conflict audit rows for a run, oldest first.
func (s *Store) ListConflicts(runID string) ([]*models.Conflict, error) {
	rows, err := s.Query(`
		SELECT id, kind, subject, agents, winner, strategy, reason, reported_at, resolved_at
		FROM conflicts WHERE run_id = ? ORDER BY reported_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		var c models.Conflict
		var subject, agents, winner, strategy, reason sql.NullString
		var reportedAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Kind, &subject, &agents, &winner, &strategy, &reason, &reportedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if subject.Valid {
			c.Subject = subject.String
		}
		if agents.Valid {
			json.Unmarshal([]byte(agents.String), &c.Agents)
		}
		c.ReportedAt, _ = parseTime(reportedAt)
		if winner.Valid {
			c.Resolved = true
			c.Resolution = &models.Resolution{
				WinnerID: winner.String,
				Strategy: strategy.String,
				Reason:   reason.String,
			}
			if t := parseNullableTime(resolvedAt); t != nil {
				c.Resolution.ResolvedAt = *t
			}
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, nil
}

// Event operations

// AppendEvent records an engine event in the audit log.
func (s *Store) AppendEvent(runID string, ev events.Event) error {
	msg := ev.Message
	if msg == "" && ev.Error != nil {
		msg = ev.Error.Error()
	}
	_, err := s.Exec(`
		INSERT INTO events (run_id, type, task_id, agent_id, resource_id, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, string(ev.Type), ev.TaskID, ev.AgentID, ev.ResourceID, msg, formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents lists the most recent events for a run, newest first.
// A limit of 0 means no limit.
func (s *Store) ListEvents(runID string, limit int) ([]EventRecord, error) {
	query := `
		SELECT seq, run_id, type, task_id, agent_id, resource_id, message, occurred_at
		FROM events WHERE run_id = ? ORDER BY seq DESC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var taskID, agentID, resourceID, message sql.NullString
		var occurredAt string
		if err := rows.Scan(&r.Seq, &r.RunID, &r.Type, &taskID, &agentID, &resourceID, &message, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if taskID.Valid {
			r.TaskID = taskID.String
		}
		if agentID.Valid {
			r.AgentID = agentID.String
		}
		if resourceID.Valid {
			r.ResourceID = resourceID.String
		}
		if message.Valid {
			r.Message = message.String
		}
		r.OccurredAt, _ = parseTime(occurredAt)
		records = append(records, r)
	}
	return records, nil
}

// CountTasksByStatus returns the number of tasks in each status for a run.
func (s *Store) CountTasksByStatus(runID string) (map[models.TaskStatus]int, error) {
	rows, err := s.Query(`
		SELECT status, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY status
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, nil
}
