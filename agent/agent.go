package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/config"
	"github.com/deskmesh/deskmesh/conversation"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
	"github.com/deskmesh/deskmesh/provider"
	"github.com/deskmesh/deskmesh/tool"
)

// Options configure a Loop.
type Options struct {
	// Roles drive system-prompt selection per turn.
	Roles []config.RoleConfig
	// Context tunes each conversation's store.
	Context config.ContextConfig
	// Tools, when set, advertises the catalog to the model and routes
	// parsed tool calls through the approval pipeline.
	Tools *tool.Registry
	// CaptureMaxAge bounds how old a screen capture may be to ride along
	// with a query. Default 30s.
	CaptureMaxAge time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Loop is the agent conversation loop. One Loop serves every conversation;
// each conversation gets its own store and cancellation scope.
type Loop struct {
	bus           *bus.Bus
	provider      provider.Provider
	selector      *RoleSelector
	tools         *tool.Registry
	ctxCfg        config.ContextConfig
	captureMaxAge time.Duration
	logger        logging.Logger

	mu            sync.Mutex
	conversations map[string]*conversationState
	pendingTools  map[string]string // correlation id -> conversation id
	lastCapture   *capture
	subs          []*bus.Subscription
	closed        bool
	wg            sync.WaitGroup
}

type conversationState struct {
	store      *conversation.Store
	cancelTurn context.CancelFunc
}

type capture struct {
	attachment core.Attachment
	takenAt    time.Time
}

// NewLoop creates the agent loop over a bus and a provider. The provider is
// also used as the store's summarizer when it implements
// conversation.Summarizer (the manager does).
func NewLoop(b *bus.Bus, p provider.Provider, optFns ...func(o *Options)) *Loop {
	opts := Options{
		CaptureMaxAge: 30 * time.Second,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Loop{
		bus:           b,
		provider:      p,
		selector:      NewRoleSelector(opts.Roles),
		tools:         opts.Tools,
		ctxCfg:        opts.Context,
		captureMaxAge: opts.CaptureMaxAge,
		logger:        opts.Logger,
		conversations: make(map[string]*conversationState),
		pendingTools:  make(map[string]string),
	}
}

// Start subscribes the loop to its event feeds.
func (l *Loop) Start() {
	name := func(o *bus.SubscribeOptions) { o.Name = "agent.loop" }
	l.subs = []*bus.Subscription{
		l.bus.Subscribe(string(core.EventUIQueryReceived), l.onQuery, name),
		l.bus.Subscribe(string(core.EventUIClearContext), l.onClearContext, name),
		l.bus.Subscribe(string(core.EventPluginScreenCaptured), l.onScreenCaptured, name),
		l.bus.Subscribe("tool.execution_complete", l.onToolResult, name),
		l.bus.Subscribe("tool.execution_rejected", l.onToolResult, name),
		l.bus.Subscribe("tool.execution_timed_out", l.onToolResult, name),
		l.bus.Subscribe("tool.execution_cancelled", l.onToolResult, name),
	}
}

// Close unsubscribes and waits for in-flight turns to finish. Turns observe
// their conversation's cancellation, so Close first cancels them all.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	for _, cs := range l.conversations {
		if cs.cancelTurn != nil {
			cs.cancelTurn()
		}
	}
	l.mu.Unlock()

	for _, sub := range subs {
		l.bus.Unsubscribe(sub)
	}
	l.wg.Wait()
}

// Store returns the conversation's store, creating it on first use.
func (l *Loop) Store(conversationID string) *conversation.Store {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(conversationID).store
}

func (l *Loop) stateLocked(conversationID string) *conversationState {
	cs, ok := l.conversations[conversationID]
	if !ok {
		var summarizer conversation.Summarizer
		if s, ok := l.provider.(conversation.Summarizer); ok {
			summarizer = s
		}
		cs = &conversationState{
			store: conversation.NewStore(conversationID, summarizer, func(o *conversation.Options) {
				if l.ctxCfg.RetainThreshold > 0 {
					o.RetainThreshold = l.ctxCfg.RetainThreshold
				}
				if l.ctxCfg.MaxWindow > 0 {
					o.MaxWindow = l.ctxCfg.MaxWindow
				}
				o.Publisher = l.bus
				o.Logger = l.logger
			}),
		}
		l.conversations[conversationID] = cs
	}
	return cs
}

func (l *Loop) onQuery(_ context.Context, event core.Event) error {
	query, ok := event.Payload.(core.QueryReceived)
	if !ok {
		return nil
	}

	msg := core.ConversationMessage{Role: core.RoleUser, Content: query.Text}
	if query.Attachment != nil {
		msg.Attachments = []core.Attachment{*query.Attachment}
	} else if att := l.takeFreshCapture(); att != nil && l.provider.SupportsVision() {
		msg.Attachments = []core.Attachment{*att}
	}

	role := l.selector.Select(query.Text)
	if role.ID != "" {
		l.bus.Publish(core.NewCorrelatedEvent(core.EventAPIRoleSelected, event.CorrelationID, core.RoleSelected{
			ConversationID: query.ConversationID,
			RoleID:         role.ID,
		}))
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	cs := l.stateLocked(query.ConversationID)
	cs.store.AddMessage(msg)
	turnCtx := l.beginTurnLocked(cs)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runTurn(turnCtx, query.ConversationID, role)
	}()
	return nil
}

func (l *Loop) onClearContext(_ context.Context, event core.Event) error {
	cc, ok := event.Payload.(core.ClearContext)
	if !ok {
		return nil
	}

	l.mu.Lock()
	cs, exists := l.conversations[cc.ConversationID]
	if exists && cs.cancelTurn != nil {
		cs.cancelTurn()
		cs.cancelTurn = nil
	}
	for corr, conv := range l.pendingTools {
		if conv == cc.ConversationID {
			delete(l.pendingTools, corr)
		}
	}
	l.mu.Unlock()

	if exists {
		cs.store.Clear()
	}
	l.logger.Info("context cleared", "conversation_id", cc.ConversationID)
	return nil
}

func (l *Loop) onScreenCaptured(_ context.Context, event core.Event) error {
	captured, ok := event.Payload.(core.ScreenCaptured)
	if !ok {
		return nil
	}
	l.mu.Lock()
	l.lastCapture = &capture{
		attachment: core.Attachment{MIME: "image/" + captured.Format, Data: captured.Data},
		takenAt:    time.Now(),
	}
	l.mu.Unlock()
	return nil
}

func (l *Loop) onToolResult(_ context.Context, event core.Event) error {
	result, ok := event.Payload.(core.ToolExecutionResult)
	if !ok {
		return nil
	}

	l.mu.Lock()
	conversationID, mine := l.pendingTools[result.CorrelationID]
	if !mine {
		l.mu.Unlock()
		return nil
	}
	delete(l.pendingTools, result.CorrelationID)
	cs := l.stateLocked(conversationID)
	cs.store.AddMessage(core.ConversationMessage{
		Role:    core.RoleTool,
		Content: renderToolResult(result),
	})
	if l.closed || result.Outcome == core.ExecutionCancelled {
		l.mu.Unlock()
		return nil
	}
	turnCtx := l.beginTurnLocked(cs)
	l.mu.Unlock()

	// Continue the conversation with the tool result in context.
	role := l.selector.Select("")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runTurn(turnCtx, conversationID, role)
	}()
	return nil
}

// beginTurnLocked cancels any in-flight turn for the conversation and opens
// a new cancellation scope.
func (l *Loop) beginTurnLocked(cs *conversationState) context.Context {
	if cs.cancelTurn != nil {
		cs.cancelTurn()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cs.cancelTurn = cancel
	return ctx
}

// runTurn streams one provider response for the conversation's current
// context, then either finishes the turn or hands a parsed tool call to the
// approval pipeline.
func (l *Loop) runTurn(ctx context.Context, conversationID string, role config.RoleConfig) {
	store := l.Store(conversationID)
	summary, messages := store.Context()

	system, err := RenderPrompt(role)
	if err != nil {
		l.logger.Warn("role prompt rendering failed, using raw prompt",
			"role", role.ID, "error", err.Error())
		system = role.Prompt
	}
	if l.tools != nil {
		if catalog := renderToolCatalog(l.tools.Tools()); catalog != "" {
			system = strings.TrimSpace(system + "\n\n" + catalog)
		}
	}

	correlationID := core.NewID()
	l.bus.Publish(core.NewCorrelatedEvent(core.EventAPIRequestStarted, correlationID, core.RequestStarted{
		ConversationID: conversationID,
		Query:          lastUserContent(messages),
	}))

	chunks, errs := l.provider.ChatStream(ctx, provider.Request{
		System:   system,
		Summary:  summary,
		Messages: messages,
	})

	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
		l.bus.Publish(core.NewCorrelatedEvent(core.EventAPIResponseChunk, correlationID, core.ResponseChunk{
			ConversationID: conversationID,
			Text:           chunk,
		}))
	}
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			l.logger.Debug("turn cancelled", "conversation_id", conversationID)
			return
		}
		l.logger.Error("turn failed", "conversation_id", conversationID, "error", err.Error())
		l.bus.Publish(core.NewCorrelatedEvent(core.EventNotificationError, correlationID, core.Notification{
			Title:   "request failed",
			Message: err.Error(),
		}))
		return
	}

	text := full.String()
	call, remainder, hasCall := parseToolCall(text)

	store.AddMessage(core.ConversationMessage{Role: core.RoleAssistant, Content: text})
	l.bus.Publish(core.NewCorrelatedEvent(core.EventAPIRequestDone, correlationID, core.RequestComplete{
		ConversationID: conversationID,
		Text:           remainder,
	}))

	if !hasCall || l.tools == nil {
		return
	}

	toolCorr := core.NewID()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pendingTools[toolCorr] = conversationID
	l.mu.Unlock()

	l.logger.Info("model requested tool", "tool", call.Tool, "correlation_id", toolCorr)
	l.bus.Publish(core.NewCorrelatedEvent(core.EventToolInvocationRequested, toolCorr, core.ToolInvocationRequest{
		ToolName:       call.Tool,
		Arguments:      call.Arguments,
		RequestedBy:    "agent",
		ConversationID: conversationID,
		CorrelationID:  toolCorr,
	}))
}

func renderToolResult(result core.ToolExecutionResult) string {
	if result.OK() {
		return fmt.Sprintf("Tool %s succeeded:\n%s", result.ToolName, result.Output)
	}
	return fmt.Sprintf("Tool %s did not run (%s): %s", result.ToolName, result.Outcome, result.Error)
}

func renderToolCatalog(descs []tool.Descriptor) string {
	if len(descs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You can request a tool by replying with a ```tool fenced JSON block ")
	b.WriteString("of the form {\"tool\": name, \"arguments\": {...}}. Available tools:\n")
	for _, d := range descs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	return b.String()
}

func lastUserContent(messages []core.ConversationMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func (l *Loop) takeFreshCapture() *core.Attachment {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastCapture == nil || time.Since(l.lastCapture.takenAt) > l.captureMaxAge {
		return nil
	}
	att := l.lastCapture.attachment
	l.lastCapture = nil
	return &att
}
