package core

import "time"

// ToolInvocationRequest asks the approval pipeline to run a tool on the
// user's behalf. CorrelationID threads through every event the request
// produces until its terminal outcome.
type ToolInvocationRequest struct {
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	RequestedBy    string         `json:"requested_by"` // plugin or agent id
	ConversationID string         `json:"conversation_id,omitempty"`
	CorrelationID  string         `json:"correlation_id"`
}

// ApprovalOutcome is the terminal result of the consent stage.
type ApprovalOutcome string

// Approval outcomes. Exactly one is recorded per correlation id.
const (
	ApprovalApproved  ApprovalOutcome = "approved"
	ApprovalRejected  ApprovalOutcome = "rejected"
	ApprovalTimedOut  ApprovalOutcome = "timed_out"
	ApprovalCancelled ApprovalOutcome = "cancelled"
)

// ApprovalDecision records how the consent stage for a request ended,
// whether decided by the user, synthesized by the approval timer, or
// cancelled with the owning conversation.
type ApprovalDecision struct {
	CorrelationID string          `json:"correlation_id"`
	Outcome       ApprovalOutcome `json:"outcome"`
	DecidedAt     time.Time       `json:"decided_at"`
}

// ExecutionOutcome is the terminal result of the execution stage.
type ExecutionOutcome string

// Execution outcomes.
const (
	ExecutionSucceeded ExecutionOutcome = "success"
	ExecutionFailed    ExecutionOutcome = "failure"
	ExecutionTimedOut  ExecutionOutcome = "timeout"
	ExecutionKilled    ExecutionOutcome = "killed"
	ExecutionRejected  ExecutionOutcome = "rejected"
	ExecutionCancelled ExecutionOutcome = "cancelled"
)

// ToolExecutionResult is the single terminal record produced for a tool
// invocation. For rejected or timed-out approvals no execution ever starts
// and Output is empty.
type ToolExecutionResult struct {
	CorrelationID string           `json:"correlation_id"`
	ToolName      string           `json:"tool_name"`
	Outcome       ExecutionOutcome `json:"outcome"`
	Output        string           `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// OK reports whether the invocation completed successfully.
func (r ToolExecutionResult) OK() bool { return r.Outcome == ExecutionSucceeded }
