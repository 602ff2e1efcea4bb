package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/deskmesh/deskmesh/core"
)

// Request captures the normalized provider input produced by the agent loop:
// an optional system instruction, the active context summary (if any) and
// the retained conversation window.
type Request struct {
	System   string
	Summary  *core.ContextSummary
	Messages []core.ConversationMessage
}

// Info contains metadata about a provider implementation.
type Info struct {
	ID    string `json:"id"` // "openai", "anthropic", "mock", ...
	Model string `json:"model"`
}

// Provider is the minimal LLM backend interface. ChatStream returns a finite,
// non-restartable sequence of text chunks; both channels are closed when the
// turn completes or fails.
type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
	ChatStream(ctx context.Context, req Request) (<-chan string, <-chan error)
	SupportsVision() bool
	Info() Info
}

// ErrorKind classifies provider failures for retry decisions and api.error
// reporting.
type ErrorKind string

// Provider failure kinds.
const (
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindNetwork     ErrorKind = "network"
	KindOther       ErrorKind = "other"
)

// Error wraps a backend failure with its classification.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap exposes the underlying backend error.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified provider error.
func NewError(kind ErrorKind, providerID string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Provider: providerID, Message: msg, Err: err}
}

// KindOf returns the classification of err, or KindOther for unclassified
// errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindOther
}

// Retryable reports whether the error is worth retrying: rate limits and
// transient network failures are, auth and everything else are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindNetwork:
		return true
	default:
		return false
	}
}

// KindFromStatus maps an HTTP status code onto an ErrorKind. Shared by the
// SDK adapters.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindNetwork
	default:
		return KindOther
	}
}

// FlattenRequest renders a request into provider-neutral messages: the
// summary (when present) becomes a leading system-style context block so
// backends without native summary support still see it.
func FlattenRequest(req Request) []core.ConversationMessage {
	if req.Summary == nil {
		return req.Messages
	}
	out := make([]core.ConversationMessage, 0, len(req.Messages)+1)
	out = append(out, core.ConversationMessage{
		Role:    core.RoleUser,
		Content: "Summary of the earlier conversation:\n" + req.Summary.Text,
	})
	return append(out, req.Messages...)
}
