package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
)

// Summarizer condenses aged messages (and the prior summary, if any) into a
// single textual digest. Implementations are expected to route through the
// provider contract, inheriting its timeout and retry policy.
type Summarizer interface {
	Summarize(ctx context.Context, prior *core.ContextSummary, messages []core.ConversationMessage) (string, error)
}

// SummarizerFunc adapts a plain function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, prior *core.ContextSummary, messages []core.ConversationMessage) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, prior *core.ContextSummary, messages []core.ConversationMessage) (string, error) {
	return f(ctx, prior, messages)
}

// Publisher is the slice of the event bus the store needs.
type Publisher interface {
	Publish(event core.Event)
}

// Options configures a Store.
type Options struct {
	// RetainThreshold is T: the verbatim message count that both triggers a
	// summarization pass and survives it. Default 20.
	RetainThreshold int
	// MaxWindow is M: the ceiling the retained window is allowed to grow to
	// while a pass is in flight. Default 50.
	MaxWindow int
	// Publisher receives context.summarized / context.cleared events. May be
	// nil.
	Publisher Publisher
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Store is a bounded conversation history with triggered summarization.
type Store struct {
	conversationID string
	summarizer     Summarizer
	publisher      Publisher
	logger         logging.Logger
	threshold      int
	maxWindow      int

	mu          sync.RWMutex
	messages    []core.ConversationMessage // retained window, ascending seq
	summary     *core.ContextSummary
	nextSeq     uint64
	epoch       uint64 // bumped by Clear; supersedes in-flight passes
	summarizing bool
	cancelPass  context.CancelFunc
}

// NewStore builds a store for one conversation. The summarizer may be nil,
// in which case the window grows without summarization (useful in tests).
func NewStore(conversationID string, summarizer Summarizer, optFns ...func(o *Options)) *Store {
	opts := Options{RetainThreshold: 20, MaxWindow: 50, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{
		conversationID: conversationID,
		summarizer:     summarizer,
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		threshold:      opts.RetainThreshold,
		maxWindow:      opts.MaxWindow,
	}
}

// AddMessage appends a message, assigns its sequence number and returns it.
// Sequence numbers are strictly increasing and gap-free until Clear resets
// them. A summarization pass may be triggered as a side effect; it runs in
// the background and never blocks the append.
func (s *Store) AddMessage(msg core.ConversationMessage) uint64 {
	s.mu.Lock()
	s.nextSeq++
	msg.Seq = s.nextSeq
	s.messages = append(s.messages, msg)
	s.maybeTriggerLocked()
	s.mu.Unlock()
	return msg.Seq
}

// Context returns the active summary (nil if none) and a copy of the
// retained window in order.
func (s *Store) Context() (*core.ContextSummary, []core.ConversationMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var summary *core.ContextSummary
	if s.summary != nil {
		cp := *s.summary
		summary = &cp
	}
	msgs := make([]core.ConversationMessage, len(s.messages))
	copy(msgs, s.messages)
	return summary, msgs
}

// Len returns the number of messages in the retained window.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear resets sequence numbering, discards the summary and the retained
// window, and supersedes any summarization pass still in flight (its result
// is discarded, not merged).
func (s *Store) Clear() {
	s.mu.Lock()
	s.epoch++
	s.messages = nil
	s.summary = nil
	s.nextSeq = 0
	s.summarizing = false
	if s.cancelPass != nil {
		s.cancelPass()
		s.cancelPass = nil
	}
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish(core.NewEvent(core.EventContextCleared, core.ContextCleared{
			ConversationID: s.conversationID,
		}))
	}
}

// maybeTriggerLocked starts a summarization pass when the retained window
// exceeds the threshold and no pass is already running. Caller holds mu.
// The pass computes its batch when it actually runs, so appends landing
// between the trigger and the pass are folded into one summarization
// instead of one per overflow step.
func (s *Store) maybeTriggerLocked() {
	if s.summarizer == nil || len(s.messages) <= s.threshold {
		return
	}
	if s.summarizing {
		if len(s.messages) > s.maxWindow {
			s.logger.Warn("retained window exceeds max while summarization in flight",
				"conversation_id", s.conversationID, "len", len(s.messages), "max", s.maxWindow)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.summarizing = true
	s.cancelPass = cancel

	go s.runPass(ctx, s.epoch)
}

func (s *Store) runPass(ctx context.Context, epoch uint64) {
	// Snapshot the overflow prefix now, not at trigger time. The messages
	// stay in the window until the pass succeeds so a failed pass loses
	// nothing.
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	overflow := len(s.messages) - s.threshold
	if overflow <= 0 {
		s.summarizing = false
		s.cancelPass = nil
		s.mu.Unlock()
		return
	}
	batch := make([]core.ConversationMessage, overflow)
	copy(batch, s.messages[:overflow])

	var prior *core.ContextSummary
	if s.summary != nil {
		cp := *s.summary
		prior = &cp
	}
	s.mu.Unlock()

	text, err := s.summarizer.Summarize(ctx, prior, batch)

	s.mu.Lock()
	if s.epoch != epoch {
		// Superseded by Clear while in flight. Discard.
		s.mu.Unlock()
		s.logger.Debug("summarization superseded", "conversation_id", s.conversationID)
		return
	}
	s.summarizing = false
	s.cancelPass = nil
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("summarization failed", "conversation_id", s.conversationID, "error", err.Error())
		return
	}

	from := batch[0].Seq
	if prior != nil {
		from = prior.FromSeq
	}
	to := batch[len(batch)-1].Seq
	s.summary = &core.ContextSummary{FromSeq: from, ToSeq: to, Text: text}

	// Drop exactly the summarized prefix; messages appended during the pass
	// are untouched.
	cut := 0
	for cut < len(s.messages) && s.messages[cut].Seq <= to {
		cut++
	}
	s.messages = s.messages[cut:]

	// The window may have outgrown the threshold again while the pass ran.
	s.maybeTriggerLocked()
	s.mu.Unlock()

	s.logger.Info("context summarized",
		"conversation_id", s.conversationID, "from_seq", from, "to_seq", to)

	if s.publisher != nil {
		s.publisher.Publish(core.NewEvent(core.EventContextSummarized, core.ContextSummarized{
			ConversationID: s.conversationID,
			FromSeq:        from,
			ToSeq:          to,
		}))
	}
}

// RenderSummaryPrompt is the default instruction wrapper used by provider
// backed summarizers.
func RenderSummaryPrompt(prior *core.ContextSummary, messages []core.ConversationMessage) string {
	var b []byte
	b = append(b, "Condense the following conversation into a short summary, preserving facts, decisions and open tasks.\n"...)
	if prior != nil {
		b = append(b, fmt.Sprintf("Existing summary:\n%s\n", prior.Text)...)
	}
	b = append(b, "Messages:\n"...)
	for _, m := range messages {
		b = append(b, fmt.Sprintf("%s: %s\n", m.Role, m.Content)...)
	}
	return string(b)
}
