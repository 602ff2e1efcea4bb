// Package conversation implements the bounded conversation context store.
//
// The store keeps an append-only, strictly ordered window of recent messages
// plus at most one active summary condensing everything older. When the
// retained window outgrows the configured threshold, the overflow prefix is
// handed to an injected summarizer (the same provider contract used for
// chat, retry policy included) on a background goroutine; appends continue
// unblocked while the pass runs, and a Clear supersedes any pass still in
// flight. Sequence numbers are gap-free and reset only by Clear.
//
// The store is single-writer per conversation (the agent loop appends) but
// safe for concurrent readers such as a UI refresh consumer.
package conversation
