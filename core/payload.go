package core

// Payload marks the closed-ish set of typed event payloads. Each event
// category has its own variant structs below; handlers type-switch on the
// concrete type rather than poking into an untyped map. External
// collaborators may define additional payloads by embedding nothing and
// implementing the marker.
type Payload interface {
	isPayload()
}

// QueryReceived is the ui.query_received payload: the user submitted a
// message, optionally with a pending attachment (e.g. a screen capture).
type QueryReceived struct {
	ConversationID string      `json:"conversation_id"`
	Text           string      `json:"text"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// ClearContext is the ui.clear_context payload.
type ClearContext struct {
	ConversationID string `json:"conversation_id"`
}

// ResponseChunk is one streamed fragment of an assistant turn
// (api.response_chunk).
type ResponseChunk struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// RequestComplete carries the full assistant response once streaming has
// finished (api.request_complete).
type RequestComplete struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// APIError surfaces a provider-level failure (api.error). Kind mirrors
// provider.ErrorKind values: "rate_limited", "auth", "network" or "other".
type APIError struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	Provider       string `json:"provider,omitempty"`
}

// RequestStarted marks the start of a provider turn (api.request_started).
type RequestStarted struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query,omitempty"`
}

// RoleSelected reports which role/system-prompt the agent picked for a turn
// (api.role_selected).
type RoleSelected struct {
	ConversationID string `json:"conversation_id"`
	RoleID         string `json:"role_id"`
}

// PluginLifecycle backs plugin.loaded / plugin.started / plugin.stopped.
type PluginLifecycle struct {
	PluginID string `json:"plugin_id"`
	Version  string `json:"version,omitempty"`
}

// PluginCrash backs plugin.crash: a plugin failed during a lifecycle phase
// and was isolated from the rest of the host.
type PluginCrash struct {
	PluginID string `json:"plugin_id"`
	Phase    string `json:"phase"` // "resolve", "initialize", "start" or "stop"
	Error    string `json:"error"`
}

// ScreenCaptured carries raw capture bytes from the screen-capture plugin
// (plugin.screen_captured).
type ScreenCaptured struct {
	Format string `json:"format"` // e.g. "png"
	Data   []byte `json:"data"`
}

// ApprovalNeeded is published by the pipeline when a tool invocation awaits
// user consent (tool.approval_needed).
type ApprovalNeeded struct {
	Request   ToolInvocationRequest `json:"request"`
	ExpiresAt int64                 `json:"expires_at"` // unix seconds
}

// ExecutionStarted is published when an approved invocation is handed to the
// executor (tool.execution_started).
type ExecutionStarted struct {
	CorrelationID string `json:"correlation_id"`
	ToolName      string `json:"tool_name"`
}

// Notification backs notification.info / notification.error.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// HandlerFailed backs error.handler_failed: a subscriber's handler returned
// an error or panicked while processing the named event type.
type HandlerFailed struct {
	EventType    EventType `json:"event_type"`
	EventID      string    `json:"event_id"`
	Subscription string    `json:"subscription"`
	Error        string    `json:"error"`
}

// ContextSummarized reports a completed summarization pass
// (context.summarized).
type ContextSummarized struct {
	ConversationID string `json:"conversation_id"`
	FromSeq        uint64 `json:"from_seq"`
	ToSeq          uint64 `json:"to_seq"`
}

// ContextCleared reports a context reset (context.cleared).
type ContextCleared struct {
	ConversationID string `json:"conversation_id"`
}

func (QueryReceived) isPayload()         {}
func (ClearContext) isPayload()          {}
func (ResponseChunk) isPayload()         {}
func (RequestComplete) isPayload()       {}
func (RequestStarted) isPayload()        {}
func (APIError) isPayload()              {}
func (RoleSelected) isPayload()          {}
func (PluginLifecycle) isPayload()       {}
func (PluginCrash) isPayload()           {}
func (ScreenCaptured) isPayload()        {}
func (ApprovalNeeded) isPayload()        {}
func (ExecutionStarted) isPayload()      {}
func (Notification) isPayload()          {}
func (HandlerFailed) isPayload()         {}
func (ContextSummarized) isPayload()     {}
func (ContextCleared) isPayload()        {}
func (ToolInvocationRequest) isPayload() {}
func (ApprovalDecision) isPayload()      {}
func (ToolExecutionResult) isPayload()   {}
