// Package provider defines the LLM backend contract consumed by the agent
// loop and the context summarizer, plus a Manager that layers retry with
// exponential backoff and primary/fallback selection on top of any backend.
//
// Concrete adapters for the OpenAI and Anthropic APIs live in the openai and
// anthropic subpackages; MockProvider supports tests and examples. Provider
// failures are classified into rate-limit, auth and network kinds so the
// Manager can decide what is worth retrying and the agent loop can surface
// the rest as api.error events.
package provider
