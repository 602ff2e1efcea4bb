package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeParts(t *testing.T) {
	assert.Equal(t, "tool", EventToolApprovalNeeded.Category())
	assert.Equal(t, "approval_needed", EventToolApprovalNeeded.Name())
	assert.Equal(t, "custom", EventType("custom").Category())
	assert.Equal(t, "", EventType("custom").Name())
}

func TestEventTypeMatches(t *testing.T) {
	tests := []struct {
		typ     EventType
		pattern string
		want    bool
	}{
		{EventToolApprovalNeeded, "tool.approval_needed", true},
		{EventToolApprovalNeeded, "tool.*", true},
		{EventToolApprovalNeeded, "*", true},
		{EventToolApprovalNeeded, "ui.*", false},
		{EventToolApprovalNeeded, "tool.approval_decision", false},
		{EventUIQueryReceived, "ui.*", true},
		{EventType("toolbox.open"), "tool.*", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.typ.Matches(tt.pattern), "%s vs %s", tt.typ, tt.pattern)
	}
}

func TestNewCorrelatedEvent(t *testing.T) {
	corr := NewID()
	e := NewCorrelatedEvent(EventToolExecutionComplete, corr, ToolExecutionResult{
		CorrelationID: corr,
		Outcome:       ExecutionSucceeded,
	})
	require.NotEmpty(t, e.ID)
	assert.Equal(t, corr, e.CorrelationID)
	assert.False(t, e.Timestamp.IsZero())

	res, ok := e.Payload.(ToolExecutionResult)
	require.True(t, ok)
	assert.True(t, res.OK())
}

func TestSummaryCovers(t *testing.T) {
	s := ContextSummary{FromSeq: 1, ToSeq: 5}
	assert.True(t, s.Covers(1))
	assert.True(t, s.Covers(5))
	assert.False(t, s.Covers(6))
}
