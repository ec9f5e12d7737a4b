package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmesh/internal/engine"
	"toolmesh/internal/events"
	"toolmesh/internal/logging"
	"toolmesh/internal/repository"
	"toolmesh/pkg/models"
)

type stubCaller struct{}

func (stubCaller) CallTool(_ context.Context, _, _ string, _ map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

type fixture struct {
	echo  *echo.Echo
	store *repository.MemoryWorkflowStore
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()
	store := repository.NewMemoryWorkflowStore()
	bus := events.NewBus(logger)
	eng := engine.New(store, stubCaller{}, bus, logger)
	eng.Start()
	t.Cleanup(eng.Stop)

	e := echo.New()
	NewServer(store, eng, bus).RegisterHandlers(e.Group("/api/v1"))
	return &fixture{echo: e, store: store, bus: bus}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func seedWorkflow(t *testing.T, f *fixture, active bool) *models.WorkflowDefinition {
	t.Helper()
	wf := &models.WorkflowDefinition{
		Name:         "build-failure-response",
		TriggerEvent: models.EventBuildFailed,
		Active:       active,
		Steps: []models.StepDefinition{
			{Server: "incident-manager", Tool: "open-incident", Arguments: map[string]any{
				"title": "Build failed on {{payload.branch}}",
			}},
		},
	}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestCreateWorkflow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/workflows", `{
		"name": "on-build-failure",
		"triggerEvent": "cicd:build-failed",
		"steps": [{"server": "incident-manager", "tool": "open-incident", "arguments": {"title": "x"}}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotZero(t, created.ID)
	assert.Equal(t, "on-build-failure", created.Name)
}

func TestCreateWorkflowRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	// Unknown trigger event.
	rec := f.do(http.MethodPost, "/api/v1/workflows", `{
		"name": "bad",
		"triggerEvent": "nope:never",
		"steps": [{"server": "a", "tool": "t"}]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No steps.
	rec = f.do(http.MethodPost, "/api/v1/workflows", `{
		"name": "bad",
		"triggerEvent": "cicd:build-failed",
		"steps": []
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture(t)
	wf := seedWorkflow(t, f, true)

	rec := f.do(http.MethodGet, "/api/v1/workflows/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, wf.Name, got.Name)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/workflows/42", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/workflows/abc", "").Code)
}

func TestListWorkflows(t *testing.T) {
	f := newFixture(t)
	seedWorkflow(t, f, true)
	seedWorkflow(t, f, false)

	rec := f.do(http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)
}

func TestSetWorkflowActive(t *testing.T) {
	f := newFixture(t)
	wf := seedWorkflow(t, f, true)

	rec := f.do(http.MethodPatch, "/api/v1/workflows/1/active", `{"active": false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := f.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, "/api/v1/workflows/42/active", `{"active": true}`).Code)
}

func TestTriggerWorkflow(t *testing.T) {
	f := newFixture(t)
	seedWorkflow(t, f, true)

	rec := f.do(http.MethodPost, "/api/v1/workflows/1/trigger", `{"branch": "main"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var run models.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "main", run.TriggerPayload["branch"])
}

func TestTriggerInactiveWorkflowConflicts(t *testing.T) {
	f := newFixture(t)
	seedWorkflow(t, f, false)

	rec := f.do(http.MethodPost, "/api/v1/workflows/1/trigger", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRunWithSteps(t *testing.T) {
	f := newFixture(t)
	seedWorkflow(t, f, true)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/workflows/1/trigger", `{"branch": "main"}`).Code)

	rec := f.do(http.MethodGet, "/api/v1/runs/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Run   models.WorkflowRun  `json:"run"`
		Steps []models.StepResult `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.RunStatusCompleted, got.Run.Status)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepStatusCompleted, got.Steps[0].Status)
	assert.Equal(t, "Build failed on main", got.Steps[0].ResolvedArguments["title"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/runs/42", "").Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	seedWorkflow(t, f, true)

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/workflows/1/trigger", `{}`).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/workflows/1/trigger", `{}`).Code)

	rec := f.do(http.MethodGet, "/api/v1/workflows/1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []models.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	// Newest first.
	assert.Greater(t, runs[0].ID, runs[1].ID)
}

func TestPublishEvent(t *testing.T) {
	f := newFixture(t)
	seedWorkflow(t, f, true)

	rec := f.do(http.MethodPost, "/api/v1/events", `{
		"name": "cicd:build-failed",
		"payload": {"branch": "main", "pipelineId": "42"}
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The engine subscribed to the bus and ran the matching workflow before
	// the publish returned.
	runs, err := f.store.ListRunsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
}

func TestPublishUnknownEventRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/events", `{"name": "mystery:event"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
