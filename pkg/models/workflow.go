package models

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a workflow run. Runs transition
// running -> completed or running -> failed exactly once; terminal states are
// immutable.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a single step within a run. Steps
// after a failed step stay pending and never execute.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// StepDefinition is one ordered remote tool invocation inside a workflow.
// Arguments is a JSON-shaped template; string leaves may contain {{path}}
// placeholders resolved against the triggering payload and earlier step
// results.
type StepDefinition struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// WorkflowDefinition declares a trigger and an ordered step sequence.
// Definitions are immutable except for the Active flag.
type WorkflowDefinition struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	TriggerEvent      EventName        `json:"triggerEvent"`
	TriggerConditions map[string]any   `json:"triggerConditions,omitempty"`
	Steps             []StepDefinition `json:"steps"`
	Active            bool             `json:"active"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// WorkflowRun is one execution instance of a workflow.
type WorkflowRun struct {
	ID             int64          `json:"id"`
	WorkflowID     int64          `json:"workflowId"`
	Status         RunStatus      `json:"status"`
	TriggerPayload map[string]any `json:"triggerPayload,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	DurationMs     int64          `json:"durationMs,omitempty"`
}

// StepResult records one step of one run. Index is 0-based and unique per
// run. ResolvedArguments is the argument template after resolution; Result is
// the parsed tool response for completed steps.
type StepResult struct {
	ID                int64          `json:"id"`
	RunID             int64          `json:"runId"`
	Index             int            `json:"index"`
	Server            string         `json:"server"`
	Tool              string         `json:"tool"`
	ResolvedArguments map[string]any `json:"resolvedArguments,omitempty"`
	Status            StepStatus     `json:"status"`
	Result            any            `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	StartedAt         *time.Time     `json:"startedAt,omitempty"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// ErrValidation marks definition or argument problems rejected at the
// registration boundary, before anything touches the engine.
var ErrValidation = errors.New("validation error")

// Validate checks a definition at the registration boundary.
func (w *WorkflowDefinition) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrValidation)
	}
	if w.TriggerEvent == "" {
		return fmt.Errorf("%w: trigger event is required", ErrValidation)
	}
	if !KnownEvent(w.TriggerEvent) {
		return fmt.Errorf("%w: unknown trigger event %q", ErrValidation, w.TriggerEvent)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", ErrValidation)
	}
	for i, s := range w.Steps {
		if s.Server == "" {
			return fmt.Errorf("%w: step[%d] requires server", ErrValidation, i)
		}
		if s.Tool == "" {
			return fmt.Errorf("%w: step[%d] requires tool", ErrValidation, i)
		}
	}
	return nil
}
