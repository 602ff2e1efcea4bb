// Package agent implements the conversation loop: it turns ui.query_received
// events into provider requests, streams the response back as
// api.response_chunk events, and routes model-requested tool invocations
// through the approval pipeline before feeding their results back into the
// conversation.
//
// Each conversation gets its own bounded context store and cancellation
// scope; clearing the context cancels any in-flight response and any pending
// tool approvals for that conversation.
package agent
