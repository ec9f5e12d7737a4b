package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"toolmesh/pkg/models"
)

// PostgresWorkflowStore is the PostgreSQL implementation of WorkflowStore.
// Nested fields (trigger conditions, step templates, payloads, results) are
// stored as JSONB and decoded on read; encoded text never leaves this
// adapter.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// Migrate creates the three workflow relations if they do not exist.
func (s *PostgresWorkflowStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_definitions (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			trigger_event TEXT NOT NULL,
			trigger_conditions JSONB NOT NULL DEFAULT '{}',
			steps JSONB NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id BIGSERIAL PRIMARY KEY,
			workflow_id BIGINT NOT NULL REFERENCES workflow_definitions(id),
			status TEXT NOT NULL,
			trigger_payload JSONB,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS workflow_steps (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES workflow_runs(id),
			idx INT NOT NULL,
			server TEXT NOT NULL,
			tool TEXT NOT NULL,
			resolved_arguments JSONB,
			status TEXT NOT NULL,
			result JSONB,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			UNIQUE (run_id, idx)
		);`)
	return err
}

// CreateWorkflow inserts a definition and fills in its generated ID.
func (s *PostgresWorkflowStore) CreateWorkflow(ctx context.Context, wf *models.WorkflowDefinition) error {
	conditions, err := json.Marshal(conditionsOrEmpty(wf.TriggerConditions))
	if err != nil {
		return fmt.Errorf("encode trigger conditions: %w", err)
	}
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}

	wf.CreatedAt = time.Now().UTC()
	return s.db.QueryRow(ctx,
		`INSERT INTO workflow_definitions (name, trigger_event, trigger_conditions, steps, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		wf.Name, wf.TriggerEvent, conditions, steps, wf.Active, wf.CreatedAt,
	).Scan(&wf.ID)
}

// GetWorkflow retrieves a definition by ID.
func (s *PostgresWorkflowStore) GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, trigger_event, trigger_conditions, steps, active, created_at
		 FROM workflow_definitions WHERE id = $1`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns all definitions.
func (s *PostgresWorkflowStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, trigger_event, trigger_conditions, steps, active, created_at
		 FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

// SetWorkflowActive toggles a definition's active flag.
func (s *PostgresWorkflowStore) SetWorkflowActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_definitions SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveWorkflowsByTrigger returns active definitions for one trigger.
func (s *PostgresWorkflowStore) GetActiveWorkflowsByTrigger(ctx context.Context, event models.EventName) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, trigger_event, trigger_conditions, steps, active, created_at
		 FROM workflow_definitions WHERE active AND trigger_event = $1 ORDER BY id`, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

// CreateRun inserts a run and fills in its generated ID.
func (s *PostgresWorkflowStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	payload, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("encode trigger payload: %w", err)
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO workflow_runs (workflow_id, status, trigger_payload, error, started_at, completed_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		run.WorkflowID, run.Status, payload, run.Error, run.StartedAt, run.CompletedAt, run.DurationMs,
	).Scan(&run.ID)
}

// UpdateRun persists a run's current state.
func (s *PostgresWorkflowStore) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_runs SET status = $1, error = $2, completed_at = $3, duration_ms = $4 WHERE id = $5`,
		run.Status, run.Error, run.CompletedAt, run.DurationMs, run.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *PostgresWorkflowStore) GetRun(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	var (
		run     models.WorkflowRun
		payload []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow_id, status, trigger_payload, error, started_at, completed_at, duration_ms
		 FROM workflow_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.Status, &payload, &run.Error, &run.StartedAt, &run.CompletedAt, &run.DurationMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(payload, &run.TriggerPayload); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunsByWorkflow returns all runs of one workflow, newest first.
func (s *PostgresWorkflowStore) ListRunsByWorkflow(ctx context.Context, workflowID int64) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_id, status, trigger_payload, error, started_at, completed_at, duration_ms
		 FROM workflow_runs WHERE workflow_id = $1 ORDER BY id DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		var (
			run     models.WorkflowRun
			payload []byte
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.Status, &payload, &run.Error, &run.StartedAt, &run.CompletedAt, &run.DurationMs); err != nil {
			return nil, err
		}
		if err := decodeJSON(payload, &run.TriggerPayload); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// CreateStep inserts a step result and fills in its generated ID.
func (s *PostgresWorkflowStore) CreateStep(ctx context.Context, step *models.StepResult) error {
	args, err := json.Marshal(step.ResolvedArguments)
	if err != nil {
		return fmt.Errorf("encode resolved arguments: %w", err)
	}
	result, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO workflow_steps (run_id, idx, server, tool, resolved_arguments, status, result, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		step.RunID, step.Index, step.Server, step.Tool, args, step.Status, result, step.Error, step.StartedAt, step.CompletedAt,
	).Scan(&step.ID)
}

// UpdateStep persists a step result's current state.
func (s *PostgresWorkflowStore) UpdateStep(ctx context.Context, step *models.StepResult) error {
	args, err := json.Marshal(step.ResolvedArguments)
	if err != nil {
		return fmt.Errorf("encode resolved arguments: %w", err)
	}
	result, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_steps SET resolved_arguments = $1, status = $2, result = $3, error = $4, started_at = $5, completed_at = $6
		 WHERE id = $7`,
		args, step.Status, result, step.Error, step.StartedAt, step.CompletedAt, step.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStepsByRun returns a run's steps ordered by index.
func (s *PostgresWorkflowStore) ListStepsByRun(ctx context.Context, runID int64) ([]*models.StepResult, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, run_id, idx, server, tool, resolved_arguments, status, result, error, started_at, completed_at
		 FROM workflow_steps WHERE run_id = $1 ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.StepResult
	for rows.Next() {
		var (
			step   models.StepResult
			args   []byte
			result []byte
		)
		if err := rows.Scan(&step.ID, &step.RunID, &step.Index, &step.Server, &step.Tool, &args, &step.Status, &result, &step.Error, &step.StartedAt, &step.CompletedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(args, &step.ResolvedArguments); err != nil {
			return nil, err
		}
		if err := decodeJSON(result, &step.Result); err != nil {
			return nil, err
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func scanWorkflow(row pgx.Row) (*models.WorkflowDefinition, error) {
	var (
		wf         models.WorkflowDefinition
		conditions []byte
		steps      []byte
	)
	err := row.Scan(&wf.ID, &wf.Name, &wf.TriggerEvent, &conditions, &steps, &wf.Active, &wf.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(conditions, &wf.TriggerConditions); err != nil {
		return nil, err
	}
	if err := decodeJSON(steps, &wf.Steps); err != nil {
		return nil, err
	}
	return &wf, nil
}

func scanWorkflows(rows pgx.Rows) ([]*models.WorkflowDefinition, error) {
	var workflows []*models.WorkflowDefinition
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func conditionsOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
