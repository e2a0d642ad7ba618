package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDependencyError_Message(t *testing.T) {
	err := &DependencyError{TaskID: "task-1", Missing: []string{"task-0", "task-2"}}

	msg := err.Error()
	if !strings.Contains(msg, "task-1") {
		t.Errorf("expected message to name the task, got %q", msg)
	}
	if !strings.Contains(msg, "task-0, task-2") {
		t.Errorf("expected message to list missing dependencies, got %q", msg)
	}
}

func TestResourceLockError_Message(t *testing.T) {
	err := &ResourceLockError{ResourceID: "db", AgentID: "agent-1", Reason: "timeout after 30s"}

	msg := err.Error()
	for _, want := range []string{"agent-1", "db", "timeout after 30s"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to contain %q, got %q", want, msg)
		}
	}
}

func TestTaskTimeoutError_Message(t *testing.T) {
	err := &TaskTimeoutError{TaskID: "task-1", Limit: 30 * time.Second}

	msg := err.Error()
	if !strings.Contains(msg, "task-1") || !strings.Contains(msg, "30s") {
		t.Errorf("expected message to name task and limit, got %q", msg)
	}
}

func TestErrors_MatchWithAs(t *testing.T) {
	tests := []struct {
		name    string
		wrapped error
		match   func(error) bool
	}{
		{
			"dependency error",
			fmt.Errorf("assign: %w", &DependencyError{TaskID: "t1", Missing: []string{"t0"}}),
			func(err error) bool {
				var de *DependencyError
				return errors.As(err, &de) && de.TaskID == "t1"
			},
		},
		{
			"resource lock error",
			fmt.Errorf("acquire: %w", &ResourceLockError{ResourceID: "r1", AgentID: "a1", Reason: "timeout"}),
			func(err error) bool {
				var le *ResourceLockError
				return errors.As(err, &le) && le.ResourceID == "r1"
			},
		},
		{
			"task timeout error",
			fmt.Errorf("sweep: %w", &TaskTimeoutError{TaskID: "t1", Limit: time.Second}),
			func(err error) bool {
				var te *TaskTimeoutError
				return errors.As(err, &te)
			},
		},
		{
			"task error",
			fmt.Errorf("complete: %w", &TaskError{TaskID: "t1", Op: "complete", Reason: "unknown task"}),
			func(err error) bool {
				var te *TaskError
				return errors.As(err, &te) && te.Op == "complete"
			},
		},
		{
			"deadlock error",
			fmt.Errorf("detect: %w", &DeadlockError{Agents: []string{"a1", "a2"}}),
			func(err error) bool {
				var de *DeadlockError
				return errors.As(err, &de) && len(de.Agents) == 2
			},
		},
		{
			"coordination error",
			fmt.Errorf("submit: %w", &CoordinationError{Op: "submit", Reason: "not running"}),
			func(err error) bool {
				var ce *CoordinationError
				return errors.As(err, &ce)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.match(tt.wrapped) {
				t.Errorf("errors.As failed to match %v", tt.wrapped)
			}
		})
	}
}
