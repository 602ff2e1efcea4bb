// Package approval implements the consent state machine between an
// LLM-requested tool invocation and its execution.
//
// Each correlation id moves through PendingApproval to exactly one of
// approved, rejected, timed out or cancelled; an approved request is then
// executed under the tool executor's timeout. Whatever happens, exactly one
// terminal tool.execution_* event is published per correlation id. Decisions
// arriving after the first are logged as late and otherwise ignored.
package approval
