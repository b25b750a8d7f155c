package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store used for tests and for
// running the engine without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("%w: task %q already exists", ErrValidation, task.ID)
	}
	for _, existing := range s.tasks {
		if existing.ProjectID == task.ProjectID && !existing.IsArchived &&
			existing.PhaseOrder == task.PhaseOrder &&
			existing.StepOrder == task.StepOrder &&
			existing.TaskOrder == task.TaskOrder {
			return fmt.Errorf("%w: order (%d,%d,%d) already taken in project %q",
				ErrValidation, task.PhaseOrder, task.StepOrder, task.TaskOrder, task.ProjectID)
		}
	}
	stored := task.Clone()
	s.tasks[task.ID] = &stored
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if current.Version != task.Version {
		return Task{}, ErrConcurrentModification
	}
	stored := task.Clone()
	stored.Version = task.Version + 1
	s.tasks[task.ID] = &stored
	return stored.Clone(), nil
}

func (s *MemoryStore) ListTasksByProject(_ context.Context, projectID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, 16)
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOverdueOngoing(_ context.Context, cutoff time.Time) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, 4)
	for _, t := range s.tasks {
		if t.Status != StatusOngoing || t.IsArchived {
			continue
		}
		if t.ExpectedEndTime == nil || !t.ExpectedEndTime.Before(cutoff) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemoryStore) EscalateIfOverdue(_ context.Context, taskID string, now time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != StatusOngoing || t.IsArchived {
		return false, nil
	}
	if t.ExpectedEndTime == nil || !t.ExpectedEndTime.Before(now) {
		return false, nil
	}
	escalatedAt := now
	t.Status = StatusEscalated
	t.EscalationReason = reason
	t.EscalatedAt = &escalatedAt
	t.UpdatedAt = now
	t.Version++
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
