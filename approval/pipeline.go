package approval

import (
	"context"
	"sync"
	"time"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
	"github.com/deskmesh/deskmesh/tool"
)

type stage int

const (
	stagePending stage = iota
	stageExecuting
	stageDone
)

type entry struct {
	req     core.ToolInvocationRequest
	stage   stage
	outcome core.ApprovalOutcome // valid once past stagePending
	timer   *time.Timer
	cancel  context.CancelFunc // set while executing
}

// PipelineOptions configure a Pipeline.
type PipelineOptions struct {
	// ApprovalTimeout bounds how long a request waits for a decision
	// before timed_out is synthesized. Default 30s.
	ApprovalTimeout time.Duration
	// DoneRetention is how long a terminal entry is kept so late decisions
	// can still be classified before it is evicted. Default 1m.
	DoneRetention time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Pipeline drives tool invocations from request through consent to
// execution. It consumes tool.invocation_requested and
// tool.approval_decision events and publishes tool.approval_needed plus
// exactly one terminal tool.execution_* event per correlation id.
type Pipeline struct {
	bus       *bus.Bus
	executor  *tool.Executor
	timeout   time.Duration
	retention time.Duration
	logger    logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	subs    []*bus.Subscription
	wg      sync.WaitGroup
	closed  bool
}

// NewPipeline creates a Pipeline over the bus and executor.
func NewPipeline(b *bus.Bus, executor *tool.Executor, optFns ...func(o *PipelineOptions)) *Pipeline {
	opts := PipelineOptions{
		ApprovalTimeout: 30 * time.Second,
		DoneRetention:   time.Minute,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Pipeline{
		bus:       b,
		executor:  executor,
		timeout:   opts.ApprovalTimeout,
		retention: opts.DoneRetention,
		logger:    opts.Logger,
		entries:   make(map[string]*entry),
	}
}

// Start subscribes the pipeline to its event feeds.
func (p *Pipeline) Start() {
	p.subs = []*bus.Subscription{
		p.bus.Subscribe(string(core.EventToolInvocationRequested), p.onRequested, func(o *bus.SubscribeOptions) {
			o.Name = "approval.pipeline"
		}),
		p.bus.Subscribe(string(core.EventToolApprovalDecision), p.onDecision, func(o *bus.SubscribeOptions) {
			o.Name = "approval.pipeline"
		}),
		p.bus.Subscribe(string(core.EventUIClearContext), p.onClearContext, func(o *bus.SubscribeOptions) {
			o.Name = "approval.pipeline"
		}),
	}
}

// Close unsubscribes, cancels all open requests and waits for in-flight
// executions to report their terminal outcome.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	var open []string
	for id, e := range p.entries {
		if e.stage != stageDone {
			open = append(open, id)
		}
	}
	p.mu.Unlock()

	for _, sub := range subs {
		p.bus.Unsubscribe(sub)
	}
	for _, id := range open {
		p.cancelOne(id)
	}
	p.wg.Wait()
}

func (p *Pipeline) onRequested(_ context.Context, event core.Event) error {
	req, ok := event.Payload.(core.ToolInvocationRequest)
	if !ok {
		return nil
	}
	p.Submit(req)
	return nil
}

func (p *Pipeline) onDecision(_ context.Context, event core.Event) error {
	decision, ok := event.Payload.(core.ApprovalDecision)
	if !ok {
		return nil
	}
	p.Decide(decision)
	return nil
}

func (p *Pipeline) onClearContext(_ context.Context, event core.Event) error {
	cc, ok := event.Payload.(core.ClearContext)
	if !ok {
		return nil
	}
	p.CancelConversation(cc.ConversationID)
	return nil
}

// Submit enters a new invocation request into the state machine, publishing
// tool.approval_needed and arming the approval timer. A correlation id that
// was already submitted is ignored.
func (p *Pipeline) Submit(req core.ToolInvocationRequest) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, exists := p.entries[req.CorrelationID]; exists {
		p.mu.Unlock()
		p.logger.Warn("duplicate tool invocation request ignored",
			"correlation_id", req.CorrelationID, "tool", req.ToolName)
		return
	}
	e := &entry{req: req, stage: stagePending}
	e.timer = time.AfterFunc(p.timeout, func() { p.timeoutExpired(req.CorrelationID) })
	p.entries[req.CorrelationID] = e
	expiresAt := time.Now().Add(p.timeout).Unix()
	p.mu.Unlock()

	p.logger.Info("tool approval requested",
		"tool", req.ToolName, "requested_by", req.RequestedBy, "correlation_id", req.CorrelationID)
	p.bus.Publish(core.NewCorrelatedEvent(core.EventToolApprovalNeeded, req.CorrelationID, core.ApprovalNeeded{
		Request:   req,
		ExpiresAt: expiresAt,
	}))
}

// Decide applies an external approval decision. The first decision (or the
// timer) wins; later ones are logged as late and dropped.
func (p *Pipeline) Decide(decision core.ApprovalDecision) {
	p.mu.Lock()
	e, ok := p.entries[decision.CorrelationID]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("late_decision: unknown correlation id",
			"correlation_id", decision.CorrelationID, "outcome", string(decision.Outcome))
		return
	}
	if e.stage != stagePending {
		resolved := e.outcome
		p.mu.Unlock()
		// The pipeline's own synthesized timeout decision loops back
		// through the bus; that echo is not a late decision.
		if decision.Outcome == resolved {
			return
		}
		p.logger.Warn("late_decision: request already resolved",
			"correlation_id", decision.CorrelationID,
			"resolved", string(resolved), "ignored", string(decision.Outcome))
		return
	}

	switch decision.Outcome {
	case core.ApprovalApproved, core.ApprovalRejected, core.ApprovalTimedOut, core.ApprovalCancelled:
	default:
		p.mu.Unlock()
		p.logger.Warn("unknown approval outcome ignored",
			"correlation_id", decision.CorrelationID, "outcome", string(decision.Outcome))
		return
	}

	e.timer.Stop()
	e.outcome = decision.Outcome
	req := e.req

	switch decision.Outcome {
	case core.ApprovalApproved:
		e.stage = stageExecuting
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		p.wg.Add(1)
		p.mu.Unlock()

		p.bus.Publish(core.NewCorrelatedEvent(core.EventToolExecutionStarted, req.CorrelationID, core.ExecutionStarted{
			CorrelationID: req.CorrelationID,
			ToolName:      req.ToolName,
		}))
		go p.execute(ctx, req)

	case core.ApprovalRejected:
		e.stage = stageDone
		p.scheduleEviction(req.CorrelationID)
		p.mu.Unlock()
		p.logger.Info("tool invocation rejected", "tool", req.ToolName, "correlation_id", req.CorrelationID)
		p.publishTerminal(core.EventToolExecutionRejected, core.ToolExecutionResult{
			CorrelationID: req.CorrelationID,
			ToolName:      req.ToolName,
			Outcome:       core.ExecutionRejected,
		})

	case core.ApprovalTimedOut:
		e.stage = stageDone
		p.scheduleEviction(req.CorrelationID)
		p.mu.Unlock()
		p.logger.Info("tool approval timed out", "tool", req.ToolName, "correlation_id", req.CorrelationID)
		p.publishTerminal(core.EventToolExecutionTimedOut, core.ToolExecutionResult{
			CorrelationID: req.CorrelationID,
			ToolName:      req.ToolName,
			Outcome:       core.ExecutionTimedOut,
			Error:         "no approval decision within timeout",
		})

	case core.ApprovalCancelled:
		e.stage = stageDone
		p.scheduleEviction(req.CorrelationID)
		p.mu.Unlock()
		p.publishTerminal(core.EventToolExecutionCancelled, core.ToolExecutionResult{
			CorrelationID: req.CorrelationID,
			ToolName:      req.ToolName,
			Outcome:       core.ExecutionCancelled,
			Error:         "approval cancelled",
		})
	}
}

// CancelConversation cancels every open request belonging to a
// conversation: pending approvals end cancelled and in-flight executions
// have their context cut.
func (p *Pipeline) CancelConversation(conversationID string) {
	p.mu.Lock()
	var pending []string
	var cancels []context.CancelFunc
	for id, e := range p.entries {
		if e.req.ConversationID != conversationID {
			continue
		}
		switch e.stage {
		case stagePending:
			pending = append(pending, id)
		case stageExecuting:
			if e.cancel != nil {
				cancels = append(cancels, e.cancel)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range pending {
		p.cancelOne(id)
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// timeoutExpired is the approval timer's callback: it synthesizes a
// timed_out decision. The decision event is published for observers before
// the terminal execution event.
func (p *Pipeline) timeoutExpired(correlationID string) {
	decision := core.ApprovalDecision{
		CorrelationID: correlationID,
		Outcome:       core.ApprovalTimedOut,
		DecidedAt:     time.Now().UTC(),
	}
	p.bus.Publish(core.NewCorrelatedEvent(core.EventToolApprovalDecision, correlationID, decision))
	p.Decide(decision)
}

func (p *Pipeline) cancelOne(correlationID string) {
	p.Decide(core.ApprovalDecision{
		CorrelationID: correlationID,
		Outcome:       core.ApprovalCancelled,
		DecidedAt:     time.Now().UTC(),
	})
}

func (p *Pipeline) execute(ctx context.Context, req core.ToolInvocationRequest) {
	defer p.wg.Done()

	result := p.executor.Execute(ctx, req)

	p.mu.Lock()
	if e, ok := p.entries[req.CorrelationID]; ok {
		e.stage = stageDone
		e.cancel = nil
		p.scheduleEviction(req.CorrelationID)
	}
	p.mu.Unlock()

	eventType := core.EventToolExecutionComplete
	if result.Outcome == core.ExecutionCancelled {
		eventType = core.EventToolExecutionCancelled
	}
	p.publishTerminal(eventType, result)
}

// scheduleEviction drops a terminal entry after the retention window so the
// entry map stays bounded. A decision arriving after eviction is logged as
// an unknown correlation id.
func (p *Pipeline) scheduleEviction(correlationID string) {
	time.AfterFunc(p.retention, func() {
		p.mu.Lock()
		if e, ok := p.entries[correlationID]; ok && e.stage == stageDone {
			delete(p.entries, correlationID)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) publishTerminal(t core.EventType, result core.ToolExecutionResult) {
	p.bus.Publish(core.NewCorrelatedEvent(t, result.CorrelationID, result))
}
