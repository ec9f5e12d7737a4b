package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"toolmesh/pkg/models"
)

// MemoryWorkflowStore is an in-memory implementation of WorkflowStore. It
// mirrors the persisted layout (auto-incrementing ids, rows copied on the way
// in and out) and backs tests and single-process development.
type MemoryWorkflowStore struct {
	mu         sync.Mutex
	nextWfID   int64
	nextRunID  int64
	nextStepID int64
	workflows  map[int64]*models.WorkflowDefinition
	runs       map[int64]*models.WorkflowRun
	steps      map[int64]*models.StepResult
}

// NewMemoryWorkflowStore creates an empty MemoryWorkflowStore.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[int64]*models.WorkflowDefinition),
		runs:      make(map[int64]*models.WorkflowRun),
		steps:     make(map[int64]*models.StepResult),
	}
}

// CreateWorkflow inserts a definition and fills in its generated ID.
func (s *MemoryWorkflowStore) CreateWorkflow(_ context.Context, wf *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWfID++
	wf.ID = s.nextWfID
	wf.CreatedAt = time.Now().UTC()
	s.workflows[wf.ID] = copyRow(wf)
	return nil
}

// GetWorkflow retrieves a definition by ID.
func (s *MemoryWorkflowStore) GetWorkflow(_ context.Context, id int64) (*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRow(wf), nil
}

// ListWorkflows returns all definitions.
func (s *MemoryWorkflowStore) ListWorkflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WorkflowDefinition, 0, len(s.workflows))
	for id := int64(1); id <= s.nextWfID; id++ {
		if wf, ok := s.workflows[id]; ok {
			out = append(out, copyRow(wf))
		}
	}
	return out, nil
}

// SetWorkflowActive toggles a definition's active flag.
func (s *MemoryWorkflowStore) SetWorkflowActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Active = active
	return nil
}

// GetActiveWorkflowsByTrigger returns active definitions for one trigger.
func (s *MemoryWorkflowStore) GetActiveWorkflowsByTrigger(_ context.Context, event models.EventName) ([]*models.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowDefinition
	for id := int64(1); id <= s.nextWfID; id++ {
		wf, ok := s.workflows[id]
		if ok && wf.Active && wf.TriggerEvent == event {
			out = append(out, copyRow(wf))
		}
	}
	return out, nil
}

// CreateRun inserts a run and fills in its generated ID.
func (s *MemoryWorkflowStore) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	run.ID = s.nextRunID
	s.runs[run.ID] = copyRow(run)
	return nil
}

// UpdateRun persists a run's current state.
func (s *MemoryWorkflowStore) UpdateRun(_ context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = copyRow(run)
	return nil
}

// GetRun retrieves a run by ID.
func (s *MemoryWorkflowStore) GetRun(_ context.Context, id int64) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRow(run), nil
}

// ListRunsByWorkflow returns all runs of one workflow, newest first.
func (s *MemoryWorkflowStore) ListRunsByWorkflow(_ context.Context, workflowID int64) ([]*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowRun
	for id := s.nextRunID; id >= 1; id-- {
		run, ok := s.runs[id]
		if ok && run.WorkflowID == workflowID {
			out = append(out, copyRow(run))
		}
	}
	return out, nil
}

// CreateStep inserts a step result and fills in its generated ID.
func (s *MemoryWorkflowStore) CreateStep(_ context.Context, step *models.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStepID++
	step.ID = s.nextStepID
	s.steps[step.ID] = copyRow(step)
	return nil
}

// UpdateStep persists a step result's current state.
func (s *MemoryWorkflowStore) UpdateStep(_ context.Context, step *models.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.ID]; !ok {
		return ErrNotFound
	}
	s.steps[step.ID] = copyRow(step)
	return nil
}

// ListStepsByRun returns a run's steps ordered by index.
func (s *MemoryWorkflowStore) ListStepsByRun(_ context.Context, runID int64) ([]*models.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.StepResult
	for id := int64(1); id <= s.nextStepID; id++ {
		step, ok := s.steps[id]
		if ok && step.RunID == runID {
			out = append(out, copyRow(step))
		}
	}
	return out, nil
}

// copyRow deep-copies a row through JSON, matching what a real round trip
// through the encoded columns produces.
func copyRow[T any](src *T) *T {
	data, err := json.Marshal(src)
	if err != nil {
		cp := *src
		return &cp
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		cp := *src
		return &cp
	}
	return dst
}
