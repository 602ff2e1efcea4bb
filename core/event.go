package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is a two-level event tag of the form "category.name", for
// example "tool.approval_needed". The category groups related events so
// subscribers can match a whole family with a wildcard pattern.
type EventType string

// Well-known event types. The namespace is extensible; collaborators may
// publish their own types as long as they follow the category.name form.
const (
	// ui.* — produced by the presentation collaborator.
	EventUIQueryReceived  EventType = "ui.query_received"
	EventUIClearContext   EventType = "ui.clear_context"
	EventUISettingsChange EventType = "ui.settings_changed"

	// api.* — provider traffic observed by the agent loop.
	EventAPIResponseChunk  EventType = "api.response_chunk"
	EventAPIRequestDone    EventType = "api.request_complete"
	EventAPIError          EventType = "api.error"
	EventAPIRoleSelected   EventType = "api.role_selected"
	EventAPIRequestStarted EventType = "api.request_started"

	// plugin.* — plugin host lifecycle notifications.
	EventPluginLoaded         EventType = "plugin.loaded"
	EventPluginStarted        EventType = "plugin.started"
	EventPluginStopped        EventType = "plugin.stopped"
	EventPluginCrash          EventType = "plugin.crash"
	EventPluginScreenCaptured EventType = "plugin.screen_captured"

	// tool.* — the approval pipeline's surface.
	EventToolInvocationRequested EventType = "tool.invocation_requested"
	EventToolApprovalNeeded      EventType = "tool.approval_needed"
	EventToolApprovalDecision    EventType = "tool.approval_decision"
	EventToolExecutionStarted    EventType = "tool.execution_started"
	EventToolExecutionComplete   EventType = "tool.execution_complete"
	EventToolExecutionRejected   EventType = "tool.execution_rejected"
	EventToolExecutionTimedOut   EventType = "tool.execution_timed_out"
	EventToolExecutionCancelled  EventType = "tool.execution_cancelled"

	// notification.* — user-facing toasts rendered by the presentation layer.
	EventNotificationInfo  EventType = "notification.info"
	EventNotificationError EventType = "notification.error"

	// error.* — bus-internal failure reporting.
	EventErrorHandlerFailed EventType = "error.handler_failed"

	// context.* — context store notifications.
	EventContextSummarized EventType = "context.summarized"
	EventContextCleared    EventType = "context.cleared"
)

// Category returns the part before the first dot, or the whole type if it
// has no dot.
func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return string(t)
}

// Name returns the part after the first dot, or "" if the type has no dot.
func (t EventType) Name() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[i+1:]
	}
	return ""
}

// Matches reports whether the type matches a subscription pattern. A pattern
// is either an exact type ("tool.approval_needed") or a category wildcard
// ("tool.*"). The bare "*" matches every type.
func (t EventType) Matches(pattern string) bool {
	if pattern == "*" || pattern == string(t) {
		return true
	}
	if cat, ok := strings.CutSuffix(pattern, ".*"); ok {
		return t.Category() == cat
	}
	return false
}

// Event is the unit of communication between deskmesh components. After
// publication it must be treated as immutable: the bus hands the same value
// to every subscriber. CorrelationID links a request event to its eventual
// response or error event across asynchronous stages; it is empty for
// uncorrelated notifications.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       Payload   `json:"payload,omitempty"`
}

// NewEvent creates an event of the given type carrying payload. The event
// gets a fresh ID and a UTC timestamp; CorrelationID is left empty.
func NewEvent(t EventType, payload Payload) Event {
	return Event{
		ID:        NewID(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewCorrelatedEvent creates an event linked to an existing request via
// correlationID.
func NewCorrelatedEvent(t EventType, correlationID string, payload Payload) Event {
	e := NewEvent(t, payload)
	e.CorrelationID = correlationID
	return e
}

// NewID generates a unique identifier usable for events, correlation ids and
// conversation ids.
func NewID() string { return uuid.NewString() }
