// Package servers contains the tool servers hosted by the orchestrator
// process. Each server exposes schema-validated tools over MCP and publishes
// its domain events on the shared bus.
package servers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"toolmesh/internal/events"
	"toolmesh/pkg/models"
)

// Incident is a record tracked by the incident-manager server.
type Incident struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Severity   string     `json:"severity"`
	Status     string     `json:"status"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IncidentServer implements the incident-manager tools. The bus is optional;
// when present, opened and resolved incidents are announced as domain events.
type IncidentServer struct {
	mcpServer *server.MCPServer
	bus       *events.Bus

	mu        sync.Mutex
	incidents map[string]*Incident
}

// NewIncidentServer creates the incident-manager server and registers its
// tools.
func NewIncidentServer(bus *events.Bus) *IncidentServer {
	s := &IncidentServer{
		mcpServer: server.NewMCPServer(
			"incident-manager",
			"1.0.0",
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		bus:       bus,
		incidents: make(map[string]*Incident),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server for transport binding.
func (s *IncidentServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *IncidentServer) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"open-incident",
			mcp.WithDescription("Open a new incident"),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short incident summary")),
			mcp.WithString("severity", mcp.Description("Severity: low, medium, high (default medium)")),
		),
		s.handleOpenIncident,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"resolve-incident",
			mcp.WithDescription("Resolve an open incident"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the incident")),
		),
		s.handleResolveIncident,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list-incidents",
			mcp.WithDescription("List all incidents"),
		),
		s.handleListIncidents,
	)
}

func (s *IncidentServer) handleOpenIncident(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	title, ok := args["title"].(string)
	if !ok || title == "" {
		return mcp.NewToolResultError("Missing required parameter: title"), nil
	}
	severity, _ := args["severity"].(string)
	if severity == "" {
		severity = "medium"
	}

	incident := &Incident{
		ID:       uuid.New().String(),
		Title:    title,
		Severity: severity,
		Status:   "open",
		OpenedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.incidents[incident.ID] = incident
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(ctx, models.Event{
			Name: models.EventIncidentOpened,
			Payload: models.IncidentPayload{
				IncidentID: incident.ID,
				Title:      incident.Title,
				Severity:   incident.Severity,
			},
		})
	}

	jsonBytes, _ := json.Marshal(incident)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *IncidentServer) handleResolveIncident(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	s.mu.Lock()
	incident, exists := s.incidents[id]
	if exists && incident.Status == "open" {
		now := time.Now().UTC()
		incident.Status = "resolved"
		incident.ResolvedAt = &now
	}
	s.mu.Unlock()

	if !exists {
		return mcp.NewToolResultError(fmt.Sprintf("Incident not found: %s", id)), nil
	}

	if s.bus != nil {
		s.bus.Publish(ctx, models.Event{
			Name: models.EventIncidentResolved,
			Payload: models.IncidentPayload{
				IncidentID: incident.ID,
				Title:      incident.Title,
				Severity:   incident.Severity,
			},
		})
	}

	jsonBytes, _ := json.Marshal(incident)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *IncidentServer) handleListIncidents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	list := make([]*Incident, 0, len(s.incidents))
	for _, incident := range s.incidents {
		list = append(list, incident)
	}
	s.mu.Unlock()

	jsonBytes, _ := json.Marshal(list)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers exposes an MCP server over SSE under basePath.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer, basePath string) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath(basePath))

	mux.HandleFunc(basePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc(basePath+"/sse", sseServer.ServeHTTP)
	mux.HandleFunc(basePath+"/message", sseServer.ServeHTTP)
}
