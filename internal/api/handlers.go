// Package api contains the HTTP handlers for the orchestrator's management
// surface: workflow registration, run inspection, and event injection.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"toolmesh/internal/engine"
	"toolmesh/internal/events"
	"toolmesh/internal/repository"
	"toolmesh/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Store  repository.WorkflowStore
	Engine *engine.Engine
	Bus    *events.Bus
}

// NewServer creates a new Server.
func NewServer(store repository.WorkflowStore, eng *engine.Engine, bus *events.Bus) *Server {
	return &Server{Store: store, Engine: eng, Bus: bus}
}

// RegisterHandlers mounts all routes on the given group.
func (s *Server) RegisterHandlers(g *echo.Group) {
	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PATCH("/workflows/:id/active", s.SetWorkflowActive)
	g.POST("/workflows/:id/trigger", s.TriggerWorkflow)
	g.GET("/workflows/:id/runs", s.ListRuns)
	g.GET("/runs/:id", s.GetRun)
	g.POST("/events", s.PublishEvent)
}

// ListWorkflows returns all workflow definitions.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	ctx := c.Request().Context()

	workflows, err := s.Store.ListWorkflows(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, workflows)
}

// CreateWorkflow registers a new workflow definition.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var workflow models.WorkflowDefinition
	if err := c.Bind(&workflow); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := workflow.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.Store.CreateWorkflow(ctx, &workflow); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save workflow: "+err.Error())
	}

	return c.JSON(http.StatusCreated, workflow)
}

// GetWorkflow returns one workflow definition.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := parseID(c)
	if err != nil {
		return err
	}

	workflow, err := s.Store.GetWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, workflow)
}

// SetWorkflowActive toggles a workflow's active flag.
// (PATCH /api/v1/workflows/:id/active)
func (s *Server) SetWorkflowActive(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	if err := s.Store.SetWorkflowActive(ctx, id, body.Active); errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Workflow not found")
	} else if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.NoContent(http.StatusNoContent)
}

// TriggerWorkflow manually executes a workflow with the posted payload.
// (POST /api/v1/workflows/:id/trigger)
func (s *Server) TriggerWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := parseID(c)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	workflow, err := s.Store.GetWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	run, err := s.Engine.ExecuteWorkflow(ctx, workflow, payload)
	if errors.Is(err, models.ErrValidation) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, run)
}

// ListRuns returns the runs of one workflow, newest first.
// (GET /api/v1/workflows/:id/runs)
func (s *Server) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := parseID(c)
	if err != nil {
		return err
	}

	runs, err := s.Store.ListRunsByWorkflow(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, runs)
}

// GetRun returns a run together with its step results.
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := parseID(c)
	if err != nil {
		return err
	}

	run, err := s.Store.GetRun(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	steps, err := s.Store.ListStepsByRun(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// PublishEvent injects a domain event onto the bus. The publish returns once
// every subscriber, the engine included, has settled.
// (POST /api/v1/events)
func (s *Server) PublishEvent(c echo.Context) error {
	ctx := c.Request().Context()

	var evt models.Event
	if err := c.Bind(&evt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if !models.KnownEvent(evt.Name) {
		return echo.NewHTTPError(http.StatusBadRequest, "Unknown event: "+string(evt.Name))
	}

	s.Bus.Publish(ctx, evt)
	return c.NoContent(http.StatusAccepted)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Invalid id")
	}
	return id, nil
}
