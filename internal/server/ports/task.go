package ports

import (
	"context"
	"time"
)

// TaskStatus represents the state of a background task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TerminationReason records why a task stopped running.
type TerminationReason string

const (
	TerminationReasonCompleted  TerminationReason = "completed"
	TerminationReasonCancelled  TerminationReason = "cancelled"
	TerminationReasonSuperseded TerminationReason = "superseded"
	TerminationReasonTimeout    TerminationReason = "timeout"
	TerminationReasonError      TerminationReason = "error"
	TerminationReasonNone       TerminationReason = ""
)

// Task is the record of one background unit of work owned by a session.
type Task struct {
	ID                string            `json:"task_id"`
	SessionID         string            `json:"session_id"`
	Description       string            `json:"description,omitempty"`
	Status            TaskStatus        `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Error             string            `json:"error,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// TaskStore manages task lifecycle records.
type TaskStore interface {
	// Create creates a new pending task for a session.
	Create(ctx context.Context, sessionID string, description string) (*Task, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// ListBySession returns tasks for a session, newest first.
	ListBySession(ctx context.Context, sessionID string) ([]*Task, error)

	// SetStatus updates task status, stamping started/completed times.
	SetStatus(ctx context.Context, taskID string, status TaskStatus) error

	// SetError records task failure.
	SetError(ctx context.Context, taskID string, err error) error

	// SetTerminationReason records why the task stopped.
	SetTerminationReason(ctx context.Context, taskID string, reason TerminationReason) error

	// Delete removes a task record.
	Delete(ctx context.Context, taskID string) error
}

// TaskHandle associates a session with its one outstanding cancellable unit
// of work. Cancel must be safe to call more than once; Done is closed when
// the task's goroutine has fully unwound.
//
// Registering a new handle for a session supersedes the previous one. The
// registry swaps handles under its lock but cancels and awaits the superseded
// handle only after releasing it; awaiting Done while holding the registry
// lock is the deadlock this design exists to prevent.
type TaskHandle struct {
	ID     string
	Cancel context.CancelCauseFunc
	Done   <-chan struct{}
}

// Await blocks until the task goroutine has unwound or ctx expires.
func (h *TaskHandle) Await(ctx context.Context) error {
	if h == nil || h.Done == nil {
		return nil
	}
	select {
	case <-h.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskRunner is implemented by the external orchestration layer: it performs
// the actual work for a session, emitting whatever telemetry it likes through
// the listener. The core only manages its lifecycle.
type TaskRunner interface {
	Run(ctx context.Context, sessionID string, listener EventListener) error
}

// TaskRunnerFunc adapts a function to the TaskRunner interface.
type TaskRunnerFunc func(ctx context.Context, sessionID string, listener EventListener) error

// Run implements TaskRunner.
func (f TaskRunnerFunc) Run(ctx context.Context, sessionID string, listener EventListener) error {
	return f(ctx, sessionID, listener)
}
