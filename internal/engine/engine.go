// Package engine is the workflow orchestrator. It subscribes to the event
// catalog, matches declarative triggers against incoming payloads, and drives
// each matching workflow through its ordered steps, persisting every state
// transition and emitting lifecycle events.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"toolmesh/internal/events"
	"toolmesh/internal/logging"
	"toolmesh/internal/repository"
	"toolmesh/pkg/models"
)

// ToolCaller is the slice of the client manager the engine depends on.
type ToolCaller interface {
	CallTool(ctx context.Context, endpoint, tool string, args map[string]any) (any, error)
}

// Engine coordinates trigger evaluation and step execution. It is the only
// writer of run and step status.
type Engine struct {
	store   repository.WorkflowStore
	clients ToolCaller
	bus     *events.Bus
	logger  *logging.Logger

	tracer        trace.Tracer
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter

	// Definitions are immutable apart from the active flag, so compiled
	// step templates are cached by workflow id and step index.
	tmplMu    sync.Mutex
	templates map[stepKey]*Template

	unsubscribes []func()
}

type stepKey struct {
	workflow int64
	step     int
}

// New creates an Engine. Collaborators are injected; the engine holds no
// global state.
func New(store repository.WorkflowStore, clients ToolCaller, bus *events.Bus, logger *logging.Logger) *Engine {
	meter := otel.Meter("toolmesh/engine")
	started, _ := meter.Int64Counter("workflow.runs.started")
	completed, _ := meter.Int64Counter("workflow.runs.completed")
	failed, _ := meter.Int64Counter("workflow.runs.failed")

	return &Engine{
		store:         store,
		clients:       clients,
		bus:           bus,
		logger:        logger,
		tracer:        otel.Tracer("toolmesh/engine"),
		runsStarted:   started,
		runsCompleted: completed,
		runsFailed:    failed,
		templates:     make(map[stepKey]*Template),
	}
}

// Start subscribes the engine to every event in the catalog. Subscribing per
// name rather than with a catch-all pattern keeps workflow lifecycle events
// usable as triggers for follow-up workflows.
func (e *Engine) Start() {
	for _, name := range models.Catalog() {
		e.unsubscribes = append(e.unsubscribes, e.bus.Subscribe(name, func(ctx context.Context, evt models.Event) error {
			return e.HandleEvent(ctx, evt.Name, evt.Payload)
		}))
	}
}

// Stop removes the engine's subscriptions. In-flight runs are not cancelled;
// cancellation of a started run is out of scope.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubscribes {
		unsub()
	}
	e.unsubscribes = nil
}

// HandleEvent executes every active workflow whose trigger matches the event.
// Matches run concurrently with no mutual exclusion between them; HandleEvent
// returns once all of them have settled.
func (e *Engine) HandleEvent(ctx context.Context, name models.EventName, payload any) error {
	workflows, err := e.store.GetActiveWorkflowsByTrigger(ctx, name)
	if err != nil {
		return fmt.Errorf("load workflows for %s: %w", name, err)
	}
	if len(workflows) == 0 {
		return nil
	}

	normalized, err := normalizePayload(payload)
	if err != nil {
		return fmt.Errorf("normalize payload for %s: %w", name, err)
	}

	var wg sync.WaitGroup
	for _, wf := range workflows {
		if !EvaluateTrigger(wf.TriggerConditions, normalized) {
			continue
		}
		wg.Add(1)
		go func(wf *models.WorkflowDefinition) {
			defer wg.Done()
			if _, err := e.ExecuteWorkflow(ctx, wf, normalized); err != nil {
				e.logger.Error("workflow execution error", "workflow", wf.Name, "event", name, "error", err)
			}
		}(wf)
	}
	wg.Wait()
	return nil
}

// EvaluateTrigger reports whether every declared condition key equals the
// corresponding payload field. An empty condition map always matches.
func EvaluateTrigger(conditions map[string]any, payload map[string]any) bool {
	for key, expected := range conditions {
		actual, ok := payload[key]
		if !ok || !reflect.DeepEqual(expected, actual) {
			return false
		}
	}
	return true
}

// ExecuteWorkflow runs one workflow against a triggering payload. Steps run
// strictly in order; the first transport, protocol, or tool failure marks the
// step and the run failed and aborts the remaining steps, leaving the
// completed prefix visible on the run. The returned error covers
// infrastructure problems only; a failed run is a normal result.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *models.WorkflowDefinition, payload map[string]any) (*models.WorkflowRun, error) {
	if !wf.Active {
		return nil, fmt.Errorf("%w: workflow %q is not active", models.ErrValidation, wf.Name)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.Int64("workflow.id", wf.ID),
		attribute.String("workflow.name", wf.Name),
	))
	defer span.End()

	start := time.Now().UTC()
	run := &models.WorkflowRun{
		WorkflowID:     wf.ID,
		Status:         models.RunStatusRunning,
		TriggerPayload: payload,
		StartedAt:      start,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.runsStarted.Add(ctx, 1)
	e.publishLifecycle(ctx, models.EventWorkflowTriggered, wf, run)

	// All step rows are created pending up front; steps after a failure keep
	// that status and never execute.
	steps := make([]*models.StepResult, len(wf.Steps))
	for i, stepDef := range wf.Steps {
		steps[i] = &models.StepResult{
			RunID:  run.ID,
			Index:  i,
			Server: stepDef.Server,
			Tool:   stepDef.Tool,
			Status: models.StepStatusPending,
		}
		if err := e.store.CreateStep(ctx, steps[i]); err != nil {
			return nil, fmt.Errorf("create step %d: %w", i, err)
		}
	}

	var completed []StepContext
	for i, stepDef := range wf.Steps {
		step := steps[i]

		tpl, err := e.stepTemplate(wf, i)
		if err != nil {
			return e.failRun(ctx, wf, run, step, fmt.Sprintf("step %d: compile arguments: %v", i, err))
		}
		resolved := tpl.Resolve(NewContext(payload, completed))
		if resolved == nil {
			resolved = map[string]any{}
		}

		now := time.Now().UTC()
		step.Status = models.StepStatusRunning
		step.StartedAt = &now
		step.ResolvedArguments = resolved
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("update step %d: %w", i, err)
		}

		result, callErr := e.clients.CallTool(ctx, stepDef.Server, stepDef.Tool, resolved)
		done := time.Now().UTC()
		step.CompletedAt = &done
		if callErr != nil {
			step.Status = models.StepStatusFailed
			step.Error = callErr.Error()
			if err := e.store.UpdateStep(ctx, step); err != nil {
				return nil, fmt.Errorf("update step %d: %w", i, err)
			}
			return e.failRun(ctx, wf, run, nil, callErr.Error())
		}

		step.Status = models.StepStatusCompleted
		step.Result = result
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("update step %d: %w", i, err)
		}
		completed = append(completed, StepContext{Server: stepDef.Server, Tool: stepDef.Tool, Result: result})
	}

	end := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &end
	run.DurationMs = end.Sub(start).Milliseconds()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}
	e.runsCompleted.Add(ctx, 1)
	e.publishLifecycle(ctx, models.EventWorkflowCompleted, wf, run)
	e.logger.Info("workflow completed", "workflow", wf.Name, "run", run.ID, "duration_ms", run.DurationMs)
	return run, nil
}

// stepTemplate returns the compiled argument template for one step,
// compiling it on first use and reusing it across later runs.
func (e *Engine) stepTemplate(wf *models.WorkflowDefinition, i int) (*Template, error) {
	key := stepKey{workflow: wf.ID, step: i}

	e.tmplMu.Lock()
	defer e.tmplMu.Unlock()
	if tpl, ok := e.templates[key]; ok {
		return tpl, nil
	}

	tpl, err := CompileTemplate(wf.Steps[i].Arguments)
	if err != nil {
		return nil, err
	}
	e.templates[key] = tpl
	return tpl, nil
}

// failRun marks the run failed with the captured error, optionally marking a
// step failed first, and publishes workflow:failed. Steps after the failure
// stay pending.
func (e *Engine) failRun(ctx context.Context, wf *models.WorkflowDefinition, run *models.WorkflowRun, step *models.StepResult, message string) (*models.WorkflowRun, error) {
	if step != nil {
		now := time.Now().UTC()
		step.Status = models.StepStatusFailed
		step.Error = message
		step.CompletedAt = &now
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("update failed step: %w", err)
		}
	}

	end := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = message
	run.CompletedAt = &end
	run.DurationMs = end.Sub(run.StartedAt).Milliseconds()
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("fail run: %w", err)
	}
	e.runsFailed.Add(ctx, 1)
	e.publishLifecycle(ctx, models.EventWorkflowFailed, wf, run)
	e.logger.Warn("workflow failed", "workflow", wf.Name, "run", run.ID, "error", message)
	return run, nil
}

func (e *Engine) publishLifecycle(ctx context.Context, name models.EventName, wf *models.WorkflowDefinition, run *models.WorkflowRun) {
	e.bus.Publish(ctx, models.Event{
		Name: name,
		Payload: models.WorkflowLifecyclePayload{
			WorkflowID: wf.ID,
			RunID:      run.ID,
			Workflow:   wf.Name,
			Error:      run.Error,
			DurationMs: run.DurationMs,
		},
	})
}

// normalizePayload reduces any payload (typed catalog struct or decoded JSON
// object) to the map form conditions and templates are evaluated against.
func normalizePayload(payload any) (map[string]any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}
