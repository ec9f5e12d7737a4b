package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmesh/internal/clients"
	"toolmesh/internal/engine"
	"toolmesh/internal/events"
	"toolmesh/internal/logging"
	"toolmesh/internal/repository"
	"toolmesh/internal/servers"
	"toolmesh/pkg/models"
)

// Full path from a published event to persisted run state, through the real
// client manager and in-process tool servers.
func TestBuildFailureWorkflowEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewNopLogger()
	bus := events.NewBus(logger)
	store := repository.NewMemoryWorkflowStore()

	incident := servers.NewIncidentServer(bus)
	notifier := servers.NewNotifierServer(bus)

	manager := clients.NewManager(logger)
	require.NoError(t, manager.RegisterMany([]clients.EndpointConfig{
		{Name: "incident-manager", Transport: clients.TransportInProcess, Server: incident.MCPServer()},
		{Name: "notifier", Transport: clients.TransportInProcess, Server: notifier.MCPServer()},
	}))
	require.NoError(t, manager.Connect(ctx, "incident-manager"))
	require.NoError(t, manager.Connect(ctx, "notifier"))
	defer manager.DisconnectAll()

	eng := engine.New(store, manager, bus, logger)
	eng.Start()
	defer eng.Stop()

	wf := &models.WorkflowDefinition{
		Name:              "build-failure-response",
		TriggerEvent:      models.EventBuildFailed,
		TriggerConditions: map[string]any{"branch": "main"},
		Active:            true,
		Steps: []models.StepDefinition{
			{Server: "incident-manager", Tool: "open-incident", Arguments: map[string]any{
				"title":    "Build failed on {{payload.branch}}",
				"severity": "high",
			}},
			{Server: "notifier", Tool: "send-notification", Arguments: map[string]any{
				"channel": "#ops",
				"message": "Incident {{steps[0].result.id}} opened for pipeline {{payload.pipelineId}}",
			}},
		},
	}
	require.NoError(t, wf.Validate())
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	bus.Publish(ctx, models.Event{
		Name:    models.EventBuildFailed,
		Payload: models.BuildPayload{PipelineID: "42", Branch: "main", Reason: "tests"},
	})

	runs, err := store.ListRunsByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "main", run.TriggerPayload["branch"])

	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, "Build failed on main", steps[0].ResolvedArguments["title"])
	opened, ok := steps[0].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open", opened["status"])
	assert.Equal(t, "high", opened["severity"])

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "#ops", sent[0].Channel)
	assert.Equal(t, "Incident "+opened["id"].(string)+" opened for pipeline 42", sent[0].Message)

	// A failed branch condition produces no second run.
	bus.Publish(ctx, models.Event{
		Name:    models.EventBuildFailed,
		Payload: models.BuildPayload{PipelineID: "43", Branch: "dev"},
	})
	runs, err = store.ListRunsByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// A workflow triggered by an event that an in-process tool handler publishes
// mid-call must be able to call back into the same endpoint. The publish has
// to settle with both runs completed rather than blocking on the endpoint.
func TestChainedWorkflowsShareOneEndpoint(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewNopLogger()
	bus := events.NewBus(logger)
	store := repository.NewMemoryWorkflowStore()

	incident := servers.NewIncidentServer(bus)
	manager := clients.NewManager(logger)
	require.NoError(t, manager.Register(clients.EndpointConfig{
		Name:      "incident-manager",
		Transport: clients.TransportInProcess,
		Server:    incident.MCPServer(),
	}))
	require.NoError(t, manager.Connect(ctx, "incident-manager"))
	defer manager.DisconnectAll()

	eng := engine.New(store, manager, bus, logger)
	eng.Start()
	defer eng.Stop()

	opener := &models.WorkflowDefinition{
		Name:         "open-on-build-failure",
		TriggerEvent: models.EventBuildFailed,
		Active:       true,
		Steps: []models.StepDefinition{
			{Server: "incident-manager", Tool: "open-incident", Arguments: map[string]any{
				"title": "Build failed on {{payload.branch}}",
			}},
		},
	}
	auditor := &models.WorkflowDefinition{
		Name:         "audit-on-incident",
		TriggerEvent: models.EventIncidentOpened,
		Active:       true,
		Steps: []models.StepDefinition{
			{Server: "incident-manager", Tool: "list-incidents"},
		},
	}
	require.NoError(t, store.CreateWorkflow(ctx, opener))
	require.NoError(t, store.CreateWorkflow(ctx, auditor))

	done := make(chan struct{})
	go func() {
		bus.Publish(ctx, models.Event{
			Name:    models.EventBuildFailed,
			Payload: models.BuildPayload{PipelineID: "9", Branch: "main"},
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publish did not settle; chained runs blocked each other on the shared endpoint")
	}

	for _, wf := range []*models.WorkflowDefinition{opener, auditor} {
		runs, err := store.ListRunsByWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, runs, 1, wf.Name)
		assert.Equal(t, models.RunStatusCompleted, runs[0].Status, wf.Name)
	}
}

func TestWorkflowFailsWhenEndpointMissing(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewNopLogger()
	bus := events.NewBus(logger)
	store := repository.NewMemoryWorkflowStore()

	incident := servers.NewIncidentServer(bus)
	manager := clients.NewManager(logger)
	require.NoError(t, manager.Register(clients.EndpointConfig{
		Name:      "incident-manager",
		Transport: clients.TransportInProcess,
		Server:    incident.MCPServer(),
	}))
	require.NoError(t, manager.Connect(ctx, "incident-manager"))
	defer manager.DisconnectAll()

	eng := engine.New(store, manager, bus, logger)
	eng.Start()
	defer eng.Stop()

	wf := &models.WorkflowDefinition{
		Name:         "broken-chain",
		TriggerEvent: models.EventBuildFailed,
		Active:       true,
		Steps: []models.StepDefinition{
			{Server: "incident-manager", Tool: "open-incident", Arguments: map[string]any{
				"title": "Build failed on {{payload.branch}}",
			}},
			// No such endpoint is registered.
			{Server: "pager", Tool: "page-oncall"},
		},
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	bus.Publish(ctx, models.Event{
		Name:    models.EventBuildFailed,
		Payload: models.BuildPayload{PipelineID: "7", Branch: "main"},
	})

	runs, err := store.ListRunsByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "pager")

	steps, err := store.ListStepsByRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, models.StepStatusFailed, steps[1].Status)
}

func TestToolErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewNopLogger()
	bus := events.NewBus(logger)
	store := repository.NewMemoryWorkflowStore()

	incident := servers.NewIncidentServer(bus)
	manager := clients.NewManager(logger)
	require.NoError(t, manager.Register(clients.EndpointConfig{
		Name:      "incident-manager",
		Transport: clients.TransportInProcess,
		Server:    incident.MCPServer(),
	}))
	require.NoError(t, manager.Connect(ctx, "incident-manager"))
	defer manager.DisconnectAll()

	eng := engine.New(store, manager, bus, logger)

	wf := &models.WorkflowDefinition{
		Name:         "resolve-missing",
		TriggerEvent: models.EventIncidentResolved,
		Active:       true,
		Steps: []models.StepDefinition{
			// The incident does not exist, so the tool reports an error result.
			{Server: "incident-manager", Tool: "resolve-incident", Arguments: map[string]any{
				"id": "no-such-incident",
			}},
		},
	}
	require.NoError(t, store.CreateWorkflow(ctx, wf))

	run, err := eng.ExecuteWorkflow(ctx, wf, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "no-such-incident")
}
