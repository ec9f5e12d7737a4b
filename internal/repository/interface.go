// Package repository persists workflow definitions, runs, and step results.
// It is a data facade only; the engine owns all state transitions.
package repository

import (
	"context"
	"errors"

	"toolmesh/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// WorkflowStore is the persistence interface for the three workflow
// relations. The only query beyond CRUD is the active-by-trigger filter.
type WorkflowStore interface {
	// CreateWorkflow inserts a definition and fills in its generated ID.
	CreateWorkflow(ctx context.Context, wf *models.WorkflowDefinition) error
	// GetWorkflow retrieves a definition by ID.
	GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDefinition, error)
	// ListWorkflows returns all definitions.
	ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	// SetWorkflowActive toggles the only mutable field of a definition.
	SetWorkflowActive(ctx context.Context, id int64, active bool) error
	// GetActiveWorkflowsByTrigger returns definitions with active=true and
	// the given trigger event.
	GetActiveWorkflowsByTrigger(ctx context.Context, event models.EventName) ([]*models.WorkflowDefinition, error)

	// CreateRun inserts a run and fills in its generated ID.
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	// UpdateRun persists a run's current state.
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error
	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id int64) (*models.WorkflowRun, error)
	// ListRunsByWorkflow returns all runs of one workflow, newest first.
	ListRunsByWorkflow(ctx context.Context, workflowID int64) ([]*models.WorkflowRun, error)

	// CreateStep inserts a step result and fills in its generated ID.
	CreateStep(ctx context.Context, step *models.StepResult) error
	// UpdateStep persists a step result's current state.
	UpdateStep(ctx context.Context, step *models.StepResult) error
	// ListStepsByRun returns a run's steps ordered by index.
	ListStepsByRun(ctx context.Context, runID int64) ([]*models.StepResult, error)
}
