package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/tool"
)

type fixture struct {
	bus      *bus.Bus
	pipeline *Pipeline

	mu     sync.Mutex
	events []core.Event
}

func newFixture(t *testing.T, approvalTimeout time.Duration, extraOpts ...func(o *PipelineOptions)) *fixture {
	t.Helper()

	srv := tool.NewLocalServer("local")
	srv.Register(tool.Descriptor{Name: "delete_file", Description: "Delete a file"}, func(_ context.Context, args map[string]any) (string, error) {
		return "deleted", nil
	})
	srv.Register(tool.Descriptor{Name: "hang", Description: "Never returns"}, func(ctx context.Context, _ map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	reg := tool.NewRegistry([]tool.Server{srv})
	require.NoError(t, reg.Discover(context.Background()))
	executor := tool.NewExecutor(reg, func(o *tool.ExecutorOptions) {
		o.Timeout = 300 * time.Millisecond
	})

	f := &fixture{bus: bus.New()}
	f.bus.Subscribe("tool.*", func(_ context.Context, e core.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	})

	opts := append([]func(o *PipelineOptions){func(o *PipelineOptions) {
		o.ApprovalTimeout = approvalTimeout
	}}, extraOpts...)
	f.pipeline = NewPipeline(f.bus, executor, opts...)
	f.pipeline.Start()

	t.Cleanup(func() {
		f.pipeline.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.bus.Close(ctx)
	})
	return f
}

func (f *fixture) eventsOfType(t core.EventType) []core.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) terminalEvents(correlationID string) []core.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Event
	for _, e := range f.events {
		if e.CorrelationID != correlationID {
			continue
		}
		name := e.Type.Name()
		if strings.HasPrefix(name, "execution_") && name != "execution_started" {
			out = append(out, e)
		}
	}
	return out
}

func request(tool, conv string) core.ToolInvocationRequest {
	return core.ToolInvocationRequest{
		ToolName:       tool,
		Arguments:      map[string]any{"path": "/tmp/x"},
		RequestedBy:    "demo_plugin",
		ConversationID: conv,
		CorrelationID:  core.NewID(),
	}
}

func TestPipelineRejectedNeverExecutes(t *testing.T) {
	f := newFixture(t, time.Minute)

	req := request("delete_file", "conv-1")
	f.pipeline.Submit(req)

	assert.Eventually(t, func() bool {
		return len(f.eventsOfType(core.EventToolApprovalNeeded)) == 1
	}, time.Second, 10*time.Millisecond)

	f.pipeline.Decide(core.ApprovalDecision{
		CorrelationID: req.CorrelationID,
		Outcome:       core.ApprovalRejected,
		DecidedAt:     time.Now(),
	})

	assert.Eventually(t, func() bool {
		return len(f.terminalEvents(req.CorrelationID)) == 1
	}, time.Second, 10*time.Millisecond)

	terminal := f.terminalEvents(req.CorrelationID)[0]
	assert.Equal(t, core.EventToolExecutionRejected, terminal.Type)
	result := terminal.Payload.(core.ToolExecutionResult)
	assert.Equal(t, core.ExecutionRejected, result.Outcome)
	assert.Empty(t, f.eventsOfType(core.EventToolExecutionStarted), "no execution may start")
}

func TestPipelineApprovedExecutes(t *testing.T) {
	f := newFixture(t, time.Minute)

	req := request("delete_file", "conv-1")
	f.pipeline.Submit(req)
	f.pipeline.Decide(core.ApprovalDecision{
		CorrelationID: req.CorrelationID,
		Outcome:       core.ApprovalApproved,
		DecidedAt:     time.Now(),
	})

	assert.Eventually(t, func() bool {
		return len(f.terminalEvents(req.CorrelationID)) == 1
	}, time.Second, 10*time.Millisecond)

	require.Len(t, f.eventsOfType(core.EventToolExecutionStarted), 1)
	terminal := f.terminalEvents(req.CorrelationID)[0]
	assert.Equal(t, core.EventToolExecutionComplete, terminal.Type)
	result := terminal.Payload.(core.ToolExecutionResult)
	assert.Equal(t, core.ExecutionSucceeded, result.Outcome)
	assert.Equal(t, "deleted", result.Output)
}

func TestPipelineApprovalTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	req := request("delete_file", "conv-1")
	f.pipeline.Submit(req)

	assert.Eventually(t, func() bool {
		return len(f.terminalEvents(req.CorrelationID)) == 1
	}, time.Second, 10*time.Millisecond)

	// The synthesized decision is observable before the terminal event.
	decisions := f.eventsOfType(core.EventToolApprovalDecision)
	require.NotEmpty(t, decisions)
	assert.Equal(t, core.ApprovalTimedOut, decisions[0].Payload.(core.ApprovalDecision).Outcome)

	terminal := f.terminalEvents(req.CorrelationID)[0]
	assert.Equal(t, core.EventToolExecutionTimedOut, terminal.Type)
	assert.Equal(t, core.ExecutionTimedOut, terminal.Payload.(core.ToolExecutionResult).Outcome)
}

func TestPipelineLateDecisionIgnored(t *testing.T) {
	f := newFixture(t, time.Minute)

	req := request("delete_file", "conv-1")
	f.pipeline.Submit(req)
	f.pipeline.Decide(core.ApprovalDecision{CorrelationID: req.CorrelationID, Outcome: core.ApprovalRejected, DecidedAt: time.Now()})
	f.pipeline.Decide(core.ApprovalDecision{CorrelationID: req.CorrelationID, Outcome: core.ApprovalApproved, DecidedAt: time.Now()})

	// Give a wrongly-accepted second decision time to produce events.
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, f.terminalEvents(req.CorrelationID), 1, "exactly one terminal outcome per correlation id")
	assert.Empty(t, f.eventsOfType(core.EventToolExecutionStarted))
}

func TestPipelineExecutionKilledOnTimeout(t *testing.T) {
	f := newFixture(t, time.Minute)

	req := request("hang", "conv-1")
	f.pipeline.Submit(req)
	f.pipeline.Decide(core.ApprovalDecision{CorrelationID: req.CorrelationID, Outcome: core.ApprovalApproved, DecidedAt: time.Now()})

	assert.Eventually(t, func() bool {
		return len(f.terminalEvents(req.CorrelationID)) == 1
	}, time.Second, 10*time.Millisecond)

	terminal := f.terminalEvents(req.CorrelationID)[0]
	assert.Equal(t, core.EventToolExecutionComplete, terminal.Type)
	assert.Equal(t, core.ExecutionKilled, terminal.Payload.(core.ToolExecutionResult).Outcome)
}

func TestPipelineCancelConversation(t *testing.T) {
	f := newFixture(t, time.Minute)

	pending := request("delete_file", "conv-1")
	executing := request("hang", "conv-1")
	other := request("delete_file", "conv-2")

	f.pipeline.Submit(pending)
	f.pipeline.Submit(executing)
	f.pipeline.Submit(other)
	f.pipeline.Decide(core.ApprovalDecision{CorrelationID: executing.CorrelationID, Outcome: core.ApprovalApproved, DecidedAt: time.Now()})

	// Wait until the hang tool is actually executing.
	assert.Eventually(t, func() bool {
		return len(f.eventsOfType(core.EventToolExecutionStarted)) == 1
	}, time.Second, 10*time.Millisecond)

	f.pipeline.CancelConversation("conv-1")

	assert.Eventually(t, func() bool {
		return len(f.terminalEvents(pending.CorrelationID)) == 1 &&
			len(f.terminalEvents(executing.CorrelationID)) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, core.EventToolExecutionCancelled, f.terminalEvents(pending.CorrelationID)[0].Type)
	assert.Equal(t, core.EventToolExecutionCancelled, f.terminalEvents(executing.CorrelationID)[0].Type)
	assert.Empty(t, f.terminalEvents(other.CorrelationID), "other conversations stay open")
}

func TestPipelineConsumesBusEvents(t *testing.T) {
	f := newFixture(t, time.Minute)

	req := request("delete_file", "conv-1")
	f.bus.Publish(core.NewCorrelatedEvent(core.EventToolInvocationRequested, req.CorrelationID, req))

	assert.Eventually(t, func() bool {
		return len(f.eventsOfType(core.EventToolApprovalNeeded)) == 1
	}, time.Second, 10*time.Millisecond)

	f.bus.Publish(core.NewCorrelatedEvent(core.EventToolApprovalDecision, req.CorrelationID, core.ApprovalDecision{
		CorrelationID: req.CorrelationID,
		Outcome:       core.ApprovalApproved,
		DecidedAt:     time.Now(),
	}))

	assert.Eventually(t, func() bool {
		events := f.terminalEvents(req.CorrelationID)
		return len(events) == 1 && events[0].Type == core.EventToolExecutionComplete
	}, time.Second, 10*time.Millisecond)
}

func TestPipelineEvictsTerminalEntries(t *testing.T) {
	f := newFixture(t, time.Minute, func(o *PipelineOptions) {
		o.DoneRetention = 20 * time.Millisecond
	})

	req := request("delete_file", "conv-1")
	f.pipeline.Submit(req)
	f.pipeline.Decide(core.ApprovalDecision{
		CorrelationID: req.CorrelationID,
		Outcome:       core.ApprovalRejected,
		DecidedAt:     time.Now(),
	})

	assert.Eventually(t, func() bool {
		return len(f.terminalEvents(req.CorrelationID)) == 1
	}, time.Second, 10*time.Millisecond)

	// The terminal entry is dropped once the retention window passes.
	assert.Eventually(t, func() bool {
		f.pipeline.mu.Lock()
		defer f.pipeline.mu.Unlock()
		return len(f.pipeline.entries) == 0
	}, time.Second, 10*time.Millisecond)

	// A decision arriving after eviction publishes nothing new.
	f.pipeline.Decide(core.ApprovalDecision{
		CorrelationID: req.CorrelationID,
		Outcome:       core.ApprovalApproved,
		DecidedAt:     time.Now(),
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.terminalEvents(req.CorrelationID), 1)
}
