package servers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"toolmesh/internal/events"
	"toolmesh/pkg/models"
)

// Notification is a delivered message kept for inspection.
type Notification struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// NotifierServer implements the notifier tools. Deliveries are recorded
// in-memory and announced on the bus.
type NotifierServer struct {
	mcpServer *server.MCPServer
	bus       *events.Bus

	mu   sync.Mutex
	sent []Notification
}

// NewNotifierServer creates the notifier server and registers its tools.
func NewNotifierServer(bus *events.Bus) *NotifierServer {
	s := &NotifierServer{
		mcpServer: server.NewMCPServer(
			"notifier",
			"1.0.0",
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		bus: bus,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server for transport binding.
func (s *NotifierServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sent returns a copy of the delivered notifications.
func (s *NotifierServer) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *NotifierServer) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"send-notification",
			mcp.WithDescription("Send a notification to a channel"),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Target channel")),
			mcp.WithString("message", mcp.Required(), mcp.Description("Message body")),
		),
		s.handleSendNotification,
	)
}

func (s *NotifierServer) handleSendNotification(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	channel, ok := args["channel"].(string)
	if !ok || channel == "" {
		return mcp.NewToolResultError("Missing required parameter: channel"), nil
	}
	message, ok := args["message"].(string)
	if !ok || message == "" {
		return mcp.NewToolResultError("Missing required parameter: message"), nil
	}

	notification := Notification{
		Channel: channel,
		Message: message,
		SentAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.sent = append(s.sent, notification)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(ctx, models.Event{
			Name: models.EventNotificationSent,
			Payload: models.NotificationSentPayload{
				Channel: channel,
				Message: message,
			},
		})
	}

	jsonBytes, _ := json.Marshal(notification)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
