package app

import (
	"context"
	"errors"
	"fmt"

	"relay/internal/async"
	"relay/internal/logging"
	"relay/internal/server/ports"
)

// Lifecycle event types emitted by the task service.
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
)

// TaskService runs session-owned background tasks. Each session has at most
// one outstanding task: starting a new one supersedes and cancels the
// previous one. The runner does the actual work; the service owns the record
// keeping, the lifecycle events, and the cancellation wiring.
type TaskService struct {
	store       ports.TaskStore
	broadcaster *EventBroadcaster
	events      ports.EventListener
	logger      logging.Logger
}

// NewTaskService creates a task service publishing through the broadcaster.
// Extra listeners, when given, observe every lifecycle event alongside it.
func NewTaskService(store ports.TaskStore, broadcaster *EventBroadcaster, extra ...ports.EventListener) *TaskService {
	var events ports.EventListener = broadcaster
	if len(extra) > 0 {
		all := append([]ports.EventListener{broadcaster}, extra...)
		events = NewMultiEventListener(all...)
	}
	return &TaskService{
		store:       store,
		broadcaster: broadcaster,
		events:      events,
		logger:      logging.NewComponentLogger("TaskService"),
	}
}

type taskLifecyclePayload struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StartTask creates a task record, registers its handle with the broadcaster
// (superseding any previous task for the session), and runs the runner in a
// detached goroutine. The task's context survives the caller's: only
// cancellation through the handle, supersession, or shutdown stops it.
func (ts *TaskService) StartTask(ctx context.Context, sessionID string, description string, runner ports.TaskRunner) (*ports.Task, error) {
	if sessionID == "" {
		return nil, ValidationError("session id is required")
	}
	if runner == nil {
		return nil, ValidationError("task runner is required")
	}

	task, err := ts.store.Create(ctx, sessionID, description)
	if err != nil {
		return nil, fmt.Errorf("create task record: %w", err)
	}

	// The task must not die with the HTTP request that started it.
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})
	handle := &ports.TaskHandle{ID: task.ID, Cancel: cancel, Done: done}

	if err := ts.broadcaster.RegisterTask(ctx, sessionID, handle); err != nil {
		cancel(err)
		close(done)
		_ = ts.store.Delete(context.Background(), task.ID)
		return nil, err
	}

	if err := ts.store.SetStatus(ctx, task.ID, ports.TaskStatusRunning); err != nil {
		ts.logger.Warn("mark task running: %v", err)
	}
	ts.emit(sessionID, EventTypeTaskStarted, taskLifecyclePayload{
		TaskID:      task.ID,
		SessionID:   sessionID,
		Description: description,
	})

	async.Go(ts.logger, "task "+task.ID, func() {
		defer close(done)
		defer ts.broadcaster.ClearTask(sessionID, handle)

		runErr := runGuarded(taskCtx, runner, sessionID, ts.events)
		ts.finish(sessionID, task.ID, taskCtx, runErr)
	})

	ts.logger.Info("task started: session=%s task=%s", sessionID, task.ID)
	return task, nil
}

// runGuarded invokes the runner, converting a panic into an error so the
// task record never sticks in running.
func runGuarded(ctx context.Context, runner ports.TaskRunner, sessionID string, listener ports.EventListener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return runner.Run(ctx, sessionID, listener)
}

// finish records the terminal status and emits the matching lifecycle event.
// Runs on the task goroutine after the runner returns.
func (ts *TaskService) finish(sessionID, taskID string, taskCtx context.Context, runErr error) {
	bg := context.Background()
	payload := taskLifecyclePayload{TaskID: taskID, SessionID: sessionID}

	cause := context.Cause(taskCtx)
	switch {
	case cause != nil:
		status := ports.TaskStatusCancelled
		reason := ports.TerminationReasonCancelled
		if errors.Is(cause, errTaskSuperseded) {
			reason = ports.TerminationReasonSuperseded
		}
		if err := ts.store.SetStatus(bg, taskID, status); err != nil {
			ts.logger.Warn("mark task cancelled: %v", err)
		}
		_ = ts.store.SetTerminationReason(bg, taskID, reason)
		payload.Reason = string(reason)
		ts.emit(sessionID, EventTypeTaskCancelled, payload)
		ts.logger.Info("task cancelled: session=%s task=%s reason=%s", sessionID, taskID, reason)

	case runErr != nil:
		if err := ts.store.SetError(bg, taskID, runErr); err != nil {
			ts.logger.Warn("mark task failed: %v", err)
		}
		_ = ts.store.SetTerminationReason(bg, taskID, ports.TerminationReasonError)
		payload.Error = runErr.Error()
		ts.emit(sessionID, EventTypeTaskFailed, payload)
		ts.logger.Warn("task failed: session=%s task=%s err=%v", sessionID, taskID, runErr)

	default:
		if err := ts.store.SetStatus(bg, taskID, ports.TaskStatusCompleted); err != nil {
			ts.logger.Warn("mark task completed: %v", err)
		}
		_ = ts.store.SetTerminationReason(bg, taskID, ports.TerminationReasonCompleted)
		ts.emit(sessionID, EventTypeTaskCompleted, payload)
		ts.logger.Info("task completed: session=%s task=%s", sessionID, taskID)
	}
}

func (ts *TaskService) emit(sessionID, eventType string, payload taskLifecyclePayload) {
	ts.events.OnEvent(sessionID, ports.NewEvent(eventType, payload))
}

// CancelTask cancels the session's outstanding task, if any, and waits up to
// five seconds for its goroutine to unwind. Status bookkeeping is done by the
// task goroutine itself.
func (ts *TaskService) CancelTask(ctx context.Context, sessionID string) bool {
	cancelled := ts.broadcaster.CancelSessionTasks(ctx, sessionID)
	if cancelled {
		ts.logger.Info("task cancel requested: session=%s", sessionID)
	}
	return cancelled
}

// GetTask returns a task record by id.
func (ts *TaskService) GetTask(ctx context.Context, taskID string) (*ports.Task, error) {
	return ts.store.Get(ctx, taskID)
}

// SessionTasks returns the session's task records, newest first.
func (ts *TaskService) SessionTasks(ctx context.Context, sessionID string) ([]*ports.Task, error) {
	return ts.store.ListBySession(ctx, sessionID)
}

// CurrentTask reports the session's most recent task along with whether its
// goroutine is still running.
func (ts *TaskService) CurrentTask(ctx context.Context, sessionID string) (*ports.Task, bool, error) {
	taskID, running := ts.broadcaster.SessionTaskStatus(sessionID)
	if taskID != "" {
		task, err := ts.store.Get(ctx, taskID)
		if err != nil {
			return nil, false, err
		}
		return task, running, nil
	}

	tasks, err := ts.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if len(tasks) == 0 {
		return nil, false, NotFoundError("no task for session " + sessionID)
	}
	return tasks[0], false, nil
}
