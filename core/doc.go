// Package core provides the foundational domain types shared by every
// deskmesh component. It defines the core abstractions for:
//
//   - Events (immutable typed messages routed by the bus, correlated
//     request/response via correlation ids)
//   - Typed event payloads (one variant set per event category so handlers
//     can type-switch safely instead of digging through untyped bags)
//   - Conversation messages and summaries (the context store's data model)
//   - Tool invocation requests, approval decisions and execution results
//     (the approval pipeline's data model)
//
// The package intentionally keeps implementation concerns (bus dispatch,
// persistence, plugin orchestration) out of scope, exposing plain data types
// and small helpers so every other package can depend on it without cycles.
package core
