package servers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmesh/internal/events"
	"toolmesh/internal/logging"
	"toolmesh/pkg/models"
)

func callRequest(tool string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestOpenAndResolveIncident(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(logging.NewNopLogger())
	s := NewIncidentServer(bus)

	var published []models.EventName
	_, err := bus.SubscribePattern("incident:*", func(_ context.Context, evt models.Event) error {
		published = append(published, evt.Name)
		return nil
	})
	require.NoError(t, err)

	res, err := s.handleOpenIncident(ctx, callRequest("open-incident", map[string]any{
		"title":    "Build failed on main",
		"severity": "high",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var opened Incident
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &opened))
	assert.NotEmpty(t, opened.ID)
	assert.Equal(t, "Build failed on main", opened.Title)
	assert.Equal(t, "high", opened.Severity)
	assert.Equal(t, "open", opened.Status)

	res, err = s.handleResolveIncident(ctx, callRequest("resolve-incident", map[string]any{
		"id": opened.ID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var resolved Incident
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &resolved))
	assert.Equal(t, "resolved", resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, []models.EventName{models.EventIncidentOpened, models.EventIncidentResolved}, published)
}

func TestOpenIncidentDefaultsSeverity(t *testing.T) {
	s := NewIncidentServer(nil)

	res, err := s.handleOpenIncident(context.Background(), callRequest("open-incident", map[string]any{
		"title": "Disk filling up",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var opened Incident
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &opened))
	assert.Equal(t, "medium", opened.Severity)
}

func TestOpenIncidentRequiresTitle(t *testing.T) {
	s := NewIncidentServer(nil)

	res, err := s.handleOpenIncident(context.Background(), callRequest("open-incident", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestResolveUnknownIncident(t *testing.T) {
	s := NewIncidentServer(nil)

	res, err := s.handleResolveIncident(context.Background(), callRequest("resolve-incident", map[string]any{
		"id": "no-such-incident",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "no-such-incident")
}

func TestListIncidents(t *testing.T) {
	ctx := context.Background()
	s := NewIncidentServer(nil)

	for _, title := range []string{"first", "second"} {
		_, err := s.handleOpenIncident(ctx, callRequest("open-incident", map[string]any{"title": title}))
		require.NoError(t, err)
	}

	res, err := s.handleListIncidents(ctx, callRequest("list-incidents", nil))
	require.NoError(t, err)

	var list []Incident
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &list))
	assert.Len(t, list, 2)
}

func TestSendNotification(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(logging.NewNopLogger())
	s := NewNotifierServer(bus)

	var payload models.NotificationSentPayload
	bus.Subscribe(models.EventNotificationSent, func(_ context.Context, evt models.Event) error {
		payload = evt.Payload.(models.NotificationSentPayload)
		return nil
	})

	res, err := s.handleSendNotification(ctx, callRequest("send-notification", map[string]any{
		"channel": "#ops",
		"message": "Incident inc-1 opened",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	sent := s.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "#ops", sent[0].Channel)
	assert.Equal(t, "Incident inc-1 opened", sent[0].Message)
	assert.Equal(t, "#ops", payload.Channel)
}

func TestSendNotificationRequiresChannelAndMessage(t *testing.T) {
	s := NewNotifierServer(nil)

	res, err := s.handleSendNotification(context.Background(), callRequest("send-notification", map[string]any{
		"message": "no channel",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSendNotification(context.Background(), callRequest("send-notification", map[string]any{
		"channel": "#ops",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
