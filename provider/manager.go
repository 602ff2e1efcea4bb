package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deskmesh/deskmesh/conversation"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
)

// Publisher is the slice of the event bus the manager needs for api.error
// reporting.
type Publisher interface {
	Publish(event core.Event)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Fallback is tried when the primary fails after retries on a retryable
	// kind. May be nil.
	Fallback Provider
	// MaxRetries bounds retry attempts per provider. Default 3.
	MaxRetries uint64
	// InitialInterval seeds the exponential backoff. Default 500ms.
	InitialInterval time.Duration
	// MaxInterval caps the backoff. Default 10s.
	MaxInterval time.Duration
	// Publisher receives api.error events. May be nil.
	Publisher Publisher
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager wraps a primary (and optional fallback) provider with retry and
// backoff. Retryable failures (rate limits, transient network errors) are
// retried with exponential backoff against the primary; once exhausted the
// fallback gets one retried attempt of its own. Non-retryable failures
// (auth, bad request) bubble immediately. Every failure that reaches the
// caller is also published as an api.error event.
//
// Manager itself satisfies Provider, so the agent loop and the context
// store's summarizer both consume it through the same contract.
type Manager struct {
	primary  Provider
	fallback Provider

	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration

	publisher Publisher
	logger    logging.Logger
}

var (
	_ Provider                = (*Manager)(nil)
	_ conversation.Summarizer = (*Manager)(nil)
)

// NewManager builds a Manager over a primary provider.
func NewManager(primary Provider, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		primary:         primary,
		fallback:        opts.Fallback,
		maxRetries:      opts.MaxRetries,
		initialInterval: opts.InitialInterval,
		maxInterval:     opts.MaxInterval,
		publisher:       opts.Publisher,
		logger:          opts.Logger,
	}
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	b.MaxInterval = m.maxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, m.maxRetries), ctx)
}

// Chat implements Provider with retry and fallback.
func (m *Manager) Chat(ctx context.Context, req Request) (string, error) {
	text, err := m.chatOne(ctx, m.primary, req)
	if err == nil {
		return text, nil
	}
	m.reportError(m.primary, err)
	if m.fallback == nil || !Retryable(err) {
		return "", err
	}
	m.logger.Warn("primary provider exhausted, using fallback",
		"primary", m.primary.Info().ID, "fallback", m.fallback.Info().ID, "error", err.Error())
	text, ferr := m.chatOne(ctx, m.fallback, req)
	if ferr != nil {
		m.reportError(m.fallback, ferr)
		return "", ferr
	}
	return text, nil
}

func (m *Manager) chatOne(ctx context.Context, p Provider, req Request) (string, error) {
	start := time.Now()
	text, err := backoff.RetryWithData(func() (string, error) {
		text, err := p.Chat(ctx, req)
		if err != nil && !Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return text, err
	}, m.newBackOff(ctx))
	m.logCall(p, start, err)
	return text, err
}

// ChatStream implements Provider. A failure before the first chunk is
// retried with backoff and then handed to the fallback; once chunks have
// flowed the stream is not restartable and the error is surfaced as-is.
func (m *Manager) ChatStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		started, err := m.streamWithRetry(ctx, m.primary, req, out)
		if err == nil {
			return
		}
		m.reportError(m.primary, err)
		if started || m.fallback == nil || !Retryable(err) {
			errCh <- err
			return
		}
		m.logger.Warn("primary stream failed before first chunk, using fallback",
			"primary", m.primary.Info().ID, "fallback", m.fallback.Info().ID)
		if _, ferr := m.streamWithRetry(ctx, m.fallback, req, out); ferr != nil {
			m.reportError(m.fallback, ferr)
			errCh <- ferr
		}
	}()

	return out, errCh
}

func (m *Manager) streamWithRetry(ctx context.Context, p Provider, req Request, out chan<- string) (bool, error) {
	bo := m.newBackOff(ctx)
	for {
		started, err := m.forwardStream(ctx, p, req, out)
		if err == nil || started || !Retryable(err) {
			return started, err
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return false, err
		}
		m.logger.Debug("retrying stream", "provider", p.Info().ID, "wait", wait.String())
		select {
		case <-ctx.Done():
			return false, NewError(KindNetwork, p.Info().ID, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// forwardStream pipes one streaming attempt into out, reporting whether any
// chunk was forwarded before failure.
func (m *Manager) forwardStream(ctx context.Context, p Provider, req Request, out chan<- string) (bool, error) {
	start := time.Now()
	chunks, errs := p.ChatStream(ctx, req)
	started := false
	for {
		select {
		case <-ctx.Done():
			return started, NewError(KindNetwork, p.Info().ID, ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				// Stream finished; a pending error still counts as failure.
				select {
				case err, eok := <-errs:
					if eok && err != nil {
						m.logCall(p, start, err)
						return started, err
					}
				default:
				}
				m.logCall(p, start, nil)
				return started, nil
			}
			out <- chunk
			started = true
		case err, eok := <-errs:
			if eok && err != nil {
				m.logCall(p, start, err)
				return started, err
			}
			errs = nil // closed without error, keep draining chunks
		}
	}
}

// SupportsVision implements Provider, reporting the primary's capability.
func (m *Manager) SupportsVision() bool { return m.primary.SupportsVision() }

// Info implements Provider, reporting the primary's identity.
func (m *Manager) Info() Info { return m.primary.Info() }

// Summarize implements conversation.Summarizer through an ordinary chat
// call: summarization reuses the provider contract, including this manager's
// retry and fallback policy.
func (m *Manager) Summarize(ctx context.Context, prior *core.ContextSummary, messages []core.ConversationMessage) (string, error) {
	req := Request{
		System: "You maintain rolling conversation summaries.",
		Messages: []core.ConversationMessage{{
			Role:    core.RoleUser,
			Content: conversation.RenderSummaryPrompt(prior, messages),
		}},
	}
	return m.Chat(ctx, req)
}

func (m *Manager) reportError(p Provider, err error) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(core.NewEvent(core.EventAPIError, core.APIError{
		Kind:     string(KindOf(err)),
		Message:  err.Error(),
		Provider: p.Info().ID,
	}))
}

func (m *Manager) logCall(p Provider, start time.Time, err error) {
	if err != nil {
		m.logger.Error("provider call failed",
			"provider", p.Info().ID, "model", p.Info().Model,
			"duration_ms", time.Since(start).Milliseconds(), "error", err.Error())
		return
	}
	m.logger.Debug("provider call completed",
		"provider", p.Info().ID, "model", p.Info().Model,
		"duration_ms", time.Since(start).Milliseconds())
}
