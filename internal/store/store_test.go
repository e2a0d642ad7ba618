package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// setupTestStore creates a migrated temporary store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	path := filepath.Join(nested, "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(nested); os.IsNotExist(err) {
		t.Errorf("parent directories not created: %s", nested)
	}
}

func TestMigrate(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	tables := []string{"schema_version", "runs", "tasks", "conflicts", "events"}
	for _, table := range tables {
		var count int
		row := s.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&count); err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.Migrate(); err != nil {
			t.Fatalf("Migrate (iteration %d) failed: %v", i, err)
		}
	}

	var version int
	row := s.QueryRow("SELECT MAX(version) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != 4 {
		t.Errorf("schema version = %d, want 4", version)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := setupTestStore(t)

	run := &Run{
		ID:        "run-1",
		Plan:      "plans/build.yaml",
		Status:    RunActive,
		StartedAt: time.Now(),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for existing run")
	}
	if got.Plan != "plans/build.yaml" {
		t.Errorf("Plan = %q, want %q", got.Plan, "plans/build.yaml")
	}
	if got.Status != RunActive {
		t.Errorf("Status = %q, want %q", got.Status, RunActive)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}

	if err := s.FinishRun("run-1", RunCompleted, 5, 1); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err = s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun after finish failed: %v", err)
	}
	if got.Status != RunCompleted {
		t.Errorf("Status = %q, want %q", got.Status, RunCompleted)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil after FinishRun")
	}
	if got.TasksCompleted != 5 || got.TasksFailed != 1 {
		t.Errorf("counters = (%d, %d), want (5, 1)", got.TasksCompleted, got.TasksFailed)
	}
}

func TestGetRun_Missing(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.GetRun("no-such-run")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestListRuns_FilterAndLimit(t *testing.T) {
	s := setupTestStore(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		status := RunCompleted
		if i == 3 {
			status = RunActive
		}
		run := &Run{
			ID:        fmt.Sprintf("run-%d", i),
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.CreateRun(run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	all, err := s.ListRuns(nil, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	// Newest first.
	if all[0].ID != "run-3" {
		t.Errorf("first run = %s, want run-3", all[0].ID)
	}

	completed := RunCompleted
	filtered, err := s.ListRuns(&completed, 2)
	if err != nil {
		t.Fatalf("ListRuns filtered failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("len(filtered) = %d, want 2", len(filtered))
	}
	for _, r := range filtered {
		if r.Status != RunCompleted {
			t.Errorf("run %s status = %q, want completed", r.ID, r.Status)
		}
	}

	active, err := s.GetActiveRun()
	if err != nil {
		t.Fatalf("GetActiveRun failed: %v", err)
	}
	if active == nil || active.ID != "run-3" {
		t.Errorf("GetActiveRun = %+v, want run-3", active)
	}
}

func TestSaveTask_Upsert(t *testing.T) {
	s := setupTestStore(t)

	started := time.Now()
	task := &models.Task{
		ID:        "task-a",
		Type:      "build",
		Priority:  models.PriorityHigh,
		Status:    models.TaskStatusQueued,
		DependsOn: []string{"task-b"},
		Resources: []string{"db"},
		CreatedAt: time.Now(),
	}
	if err := s.SaveTask("run-1", task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	task.Status = models.TaskStatusRunning
	task.AssignedTo = "agent-1"
	task.StartedAt = &started
	if err := s.SaveTask("run-1", task); err != nil {
		t.Fatalf("SaveTask upsert failed: %v", err)
	}

	got, err := s.GetTask("run-1", "task-a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetTask returned nil for existing task")
	}
	if got.Status != models.TaskStatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.AssignedTo != "agent-1" {
		t.Errorf("AssignedTo = %q, want agent-1", got.AssignedTo)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil after upsert")
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "task-b" {
		t.Errorf("DependsOn = %v, want [task-b]", got.DependsOn)
	}
	if len(got.Resources) != 1 || got.Resources[0] != "db" {
		t.Errorf("Resources = %v, want [db]", got.Resources)
	}

	// Only one row despite two writes.
	var count int
	row := s.QueryRow("SELECT COUNT(*) FROM tasks WHERE run_id = ? AND id = ?", "run-1", "task-a")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestListTasks_StatusFilter(t *testing.T) {
	s := setupTestStore(t)

	statuses := []models.TaskStatus{
		models.TaskStatusCompleted,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	}
	for i, status := range statuses {
		task := &models.Task{
			ID:        fmt.Sprintf("task-%d", i),
			Priority:  models.PriorityMedium,
			Status:    status,
			CreatedAt: time.Now(),
		}
		if err := s.SaveTask("run-1", task); err != nil {
			t.Fatalf("SaveTask failed: %v", err)
		}
	}

	completed := models.TaskStatusCompleted
	tasks, err := s.ListTasks("run-1", &completed)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}

	counts, err := s.CountTasksByStatus("run-1")
	if err != nil {
		t.Fatalf("CountTasksByStatus failed: %v", err)
	}
	if counts[models.TaskStatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", counts[models.TaskStatusCompleted])
	}
	if counts[models.TaskStatusFailed] != 1 {
		t.Errorf("failed count = %d, want 1", counts[models.TaskStatusFailed])
	}
}

func TestSaveConflict_ResolutionUpdate(t *testing.T) {
	s := setupTestStore(t)

	conflict := &models.Conflict{
		ID:         "conflict-1",
		Kind:       models.ConflictResource,
		Subject:    "db-main",
		Agents:     []string{"agent-1", "agent-2"},
		ReportedAt: time.Now(),
	}
	if err := s.SaveConflict("run-1", conflict); err != nil {
		t.Fatalf("SaveConflict failed: %v", err)
	}

	conflict.Resolved = true
	conflict.Resolution = &models.Resolution{
		WinnerID:   "agent-1",
		Losers:     []string{"agent-2"},
		Strategy:   "priority",
		Reason:     "higher priority",
		ResolvedAt: time.Now(),
	}
	if err := s.SaveConflict("run-1", conflict); err != nil {
		t.Fatalf("SaveConflict resolution failed: %v", err)
	}

	conflicts, err := s.ListConflicts("run-1")
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	got := conflicts[0]
	if !got.Resolved {
		t.Error("conflict not marked resolved")
	}
	if got.Resolution == nil || got.Resolution.WinnerID != "agent-1" {
		t.Errorf("Resolution = %+v, want winner agent-1", got.Resolution)
	}
	if got.Resolution.Strategy != "priority" {
		t.Errorf("Strategy = %q, want priority", got.Resolution.Strategy)
	}
	if len(got.Agents) != 2 {
		t.Errorf("Agents = %v, want two entries", got.Agents)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	s := setupTestStore(t)

	for i := 0; i < 5; i++ {
		ev := events.Event{
			Type:      events.TaskStarted,
			Timestamp: time.Now(),
			TaskID:    fmt.Sprintf("task-%d", i),
			AgentID:   "agent-1",
		}
		if err := s.AppendEvent("run-1", ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	records, err := s.ListEvents("run-1", 3)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	// Newest first.
	if records[0].TaskID != "task-4" {
		t.Errorf("first record task = %s, want task-4", records[0].TaskID)
	}
	if records[0].Type != string(events.TaskStarted) {
		t.Errorf("record type = %q, want %q", records[0].Type, events.TaskStarted)
	}
}

func TestAppendEvent_ErrorBecomesMessage(t *testing.T) {
	s := setupTestStore(t)

	ev := events.Event{
		Type:      events.TaskFailed,
		Timestamp: time.Now(),
		TaskID:    "task-x",
		Error:     fmt.Errorf("boom"),
	}
	if err := s.AppendEvent("run-1", ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	records, err := s.ListEvents("run-1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].Message != "boom" {
		t.Errorf("Message = %q, want %q", records[0].Message, "boom")
	}
}

func TestPurgeOldRuns(t *testing.T) {
	s := setupTestStore(t)

	oldRun := &Run{
		ID:        "run-old",
		Status:    RunCompleted,
		StartedAt: time.Now().Add(-48 * time.Hour),
	}
	newRun := &Run{
		ID:        "run-new",
		Status:    RunActive,
		StartedAt: time.Now(),
	}
	for _, r := range []*Run{oldRun, newRun} {
		if err := s.CreateRun(r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}
	task := &models.Task{ID: "t1", Priority: models.PriorityMedium, Status: models.TaskStatusCompleted, CreatedAt: time.Now()}
	if err := s.SaveTask("run-old", task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	ev := events.Event{Type: events.TaskCompleted, Timestamp: time.Now(), TaskID: "t1"}
	if err := s.AppendEvent("run-old", ev); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	count, err := s.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns failed: %v", err)
	}
	if count != 1 {
		t.Errorf("purged = %d, want 1", count)
	}

	got, err := s.GetRun("run-old")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Error("old run still present after purge")
	}

	tasks, err := s.ListTasks("run-old", nil)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("old run tasks not purged: %d remain", len(tasks))
	}

	records, err := s.ListEvents("run-old", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("old run events not purged: %d remain", len(records))
	}

	if got, err := s.GetRun("run-new"); err != nil || got == nil {
		t.Errorf("recent run missing after purge: %v, %v", got, err)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	s := setupTestStore(t)

	err := s.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)",
			"tx-fail", "active", formatTime(time.Now()))
		if err != nil {
			return err
		}
		return fmt.Errorf("simulated error")
	})
	if err == nil {
		t.Error("expected error from Transaction")
	}

	var count int
	row := s.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", "tx-fail")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if count != 0 {
		t.Error("transaction was not rolled back")
	}
}

func TestDefaultPath(t *testing.T) {
	original := os.Getenv("XDG_DATA_HOME")
	defer os.Setenv("XDG_DATA_HOME", original)

	os.Setenv("XDG_DATA_HOME", "/custom/data")
	path := DefaultPath()
	expected := "/custom/data/dirigent/dirigent.db"
	if path != expected {
		t.Errorf("DefaultPath() = %q, want %q", path, expected)
	}
}

func TestProjectPath(t *testing.T) {
	path := ProjectPath("/my/project")
	expected := "/my/project/.dirigent/audit.db"
	if path != expected {
		t.Errorf("ProjectPath() = %q, want %q", path, expected)
	}
}
