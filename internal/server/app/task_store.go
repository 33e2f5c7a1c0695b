package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/server/ports"
)

// InMemoryTaskStore implements TaskStore with in-memory storage
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*ports.Task
}

// NewInMemoryTaskStore creates a new in-memory task store
func NewInMemoryTaskStore() ports.TaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*ports.Task),
	}
}

// Create creates a new pending task for a session
func (s *InMemoryTaskStore) Create(ctx context.Context, sessionID string, description string) (*ports.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	taskID := fmt.Sprintf("task-%s", uuid.New().String())

	task := &ports.Task{
		ID:          taskID,
		SessionID:   sessionID,
		Status:      ports.TaskStatusPending,
		Description: description,
		CreatedAt:   time.Now(),
	}

	s.tasks[taskID] = task
	return task, nil
}

// Get retrieves a task by ID
func (s *InMemoryTaskStore) Get(ctx context.Context, taskID string) (*ports.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, NotFoundError("task not found: " + taskID)
	}

	copied := *task
	return &copied, nil
}

// ListBySession returns tasks for a specific session, newest first
func (s *InMemoryTaskStore) ListBySession(ctx context.Context, sessionID string) ([]*ports.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*ports.Task, 0)
	for _, task := range s.tasks {
		if task.SessionID == sessionID {
			copied := *task
			tasks = append(tasks, &copied)
		}
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// SetStatus updates task status, stamping started/completed times
func (s *InMemoryTaskStore) SetStatus(ctx context.Context, taskID string, status ports.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return NotFoundError("task not found: " + taskID)
	}

	task.Status = status

	now := time.Now()
	switch status {
	case ports.TaskStatusRunning:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case ports.TaskStatusCompleted, ports.TaskStatusFailed, ports.TaskStatusCancelled:
		if task.CompletedAt == nil {
			task.CompletedAt = &now
		}
	}

	return nil
}

// SetError records task failure
func (s *InMemoryTaskStore) SetError(ctx context.Context, taskID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return NotFoundError("task not found: " + taskID)
	}

	task.Error = err.Error()
	task.Status = ports.TaskStatusFailed
	now := time.Now()
	task.CompletedAt = &now

	return nil
}

// SetTerminationReason records why the task stopped running
func (s *InMemoryTaskStore) SetTerminationReason(ctx context.Context, taskID string, reason ports.TerminationReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return NotFoundError("task not found: " + taskID)
	}

	task.TerminationReason = reason
	return nil
}

// Delete removes a task record
func (s *InMemoryTaskStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; !exists {
		return NotFoundError("task not found: " + taskID)
	}

	delete(s.tasks, taskID)
	return nil
}
