package provider

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deskmesh/deskmesh/core"
)

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusInternalServerError, KindNetwork},
		{http.StatusBadGateway, KindNetwork},
		{http.StatusServiceUnavailable, KindNetwork},
		{http.StatusBadRequest, KindOther},
		{http.StatusNotFound, KindOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindFromStatus(tt.status), "status %d", tt.status)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewError(KindRateLimited, "p", errors.New("429"))))
	assert.True(t, Retryable(NewError(KindNetwork, "p", errors.New("refused"))))
	assert.False(t, Retryable(NewError(KindAuth, "p", errors.New("401"))))
	assert.False(t, Retryable(NewError(KindOther, "p", errors.New("boom"))))
	assert.False(t, Retryable(errors.New("unclassified")), "bare errors are not retryable")
}

func TestKindOfUnwraps(t *testing.T) {
	inner := NewError(KindRateLimited, "p", errors.New("429"))
	wrapped := errors.Join(errors.New("context"), inner)
	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.Equal(t, KindOther, KindOf(errors.New("plain")))
}

func TestFlattenRequest(t *testing.T) {
	req := Request{
		Summary: &core.ContextSummary{FromSeq: 1, ToSeq: 4, Text: "earlier chat about maps"},
		Messages: []core.ConversationMessage{
			{Role: core.RoleUser, Content: "so how do I range over one?", Seq: 5},
		},
	}
	flat := FlattenRequest(req)
	assert.Len(t, flat, 2)
	assert.Equal(t, core.RoleUser, flat[0].Role)
	assert.Contains(t, flat[0].Content, "earlier chat about maps")
	assert.Equal(t, "so how do I range over one?", flat[1].Content)

	// Without a summary the messages pass through untouched.
	flat = FlattenRequest(Request{Messages: req.Messages})
	assert.Len(t, flat, 1)
}
