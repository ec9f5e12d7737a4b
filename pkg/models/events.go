// Package models defines the domain models shared by the orchestration core
// and the tool servers: the event catalog, workflow definitions, runs, and
// per-step results.
package models

import "time"

// EventName identifies an event in the closed, namespaced catalog. Names are
// always "domain:action". The catalog is the wire contract between servers;
// producers and consumers share nothing beyond it.
type EventName string

const (
	EventScrumTaskUpdated   EventName = "scrum:task-updated"
	EventScrumSprintStarted EventName = "scrum:sprint-started"
	EventCodeCommitAnalyzed EventName = "code:commit-analyzed"
	EventBuildFailed        EventName = "cicd:build-failed"
	EventBuildSucceeded     EventName = "cicd:build-succeeded"
	EventIncidentOpened     EventName = "incident:opened"
	EventIncidentResolved   EventName = "incident:resolved"
	EventNotificationSent   EventName = "notify:sent"
	EventWorkflowTriggered  EventName = "workflow:triggered"
	EventWorkflowCompleted  EventName = "workflow:completed"
	EventWorkflowFailed     EventName = "workflow:failed"
)

// Catalog returns every known event name. The engine subscribes to each of
// these individually, which makes workflow lifecycle events valid triggers
// for follow-up workflows.
func Catalog() []EventName {
	return []EventName{
		EventScrumTaskUpdated,
		EventScrumSprintStarted,
		EventCodeCommitAnalyzed,
		EventBuildFailed,
		EventBuildSucceeded,
		EventIncidentOpened,
		EventIncidentResolved,
		EventNotificationSent,
		EventWorkflowTriggered,
		EventWorkflowCompleted,
		EventWorkflowFailed,
	}
}

// KnownEvent reports whether name is part of the catalog.
func KnownEvent(name EventName) bool {
	for _, n := range Catalog() {
		if n == name {
			return true
		}
	}
	return false
}

// Event is a single published occurrence. Payload holds the typed payload for
// the event kind; at the bus boundary it may also be a plain decoded JSON
// object (e.g. events injected over HTTP).
type Event struct {
	Name    EventName `json:"name"`
	Payload any       `json:"payload"`
}

// TaskUpdatedPayload accompanies scrum:task-updated.
type TaskUpdatedPayload struct {
	TaskID   string `json:"taskId"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Assignee string `json:"assignee,omitempty"`
}

// SprintStartedPayload accompanies scrum:sprint-started.
type SprintStartedPayload struct {
	SprintID string    `json:"sprintId"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"startsAt"`
}

// CommitAnalyzedPayload accompanies code:commit-analyzed.
type CommitAnalyzedPayload struct {
	SHA          string `json:"sha"`
	Repository   string `json:"repository"`
	Risk         string `json:"risk"`
	FilesTouched int    `json:"filesTouched"`
}

// BuildPayload accompanies cicd:build-failed and cicd:build-succeeded.
type BuildPayload struct {
	PipelineID string `json:"pipelineId"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// IncidentPayload accompanies incident:opened and incident:resolved.
type IncidentPayload struct {
	IncidentID string `json:"incidentId"`
	Title      string `json:"title"`
	Severity   string `json:"severity,omitempty"`
}

// NotificationSentPayload accompanies notify:sent.
type NotificationSentPayload struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// WorkflowLifecyclePayload accompanies the workflow:* events emitted by the
// engine around each run.
type WorkflowLifecyclePayload struct {
	WorkflowID int64  `json:"workflowId"`
	RunID      int64  `json:"runId"`
	Workflow   string `json:"workflow"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}
