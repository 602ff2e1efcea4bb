package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockProvider is a lightweight in-memory Provider useful for tests and
// examples. Responses are keyed by the last message's content; unmatched
// prompts get a deterministic echo. Errors can be injected to exercise the
// Manager's retry and fallback paths.
type MockProvider struct {
	info   Info
	vision bool

	mu        sync.Mutex
	responses map[string]string
	errs      []error // consumed one per call, front first
	calls     int
}

// NewMockProvider constructs a MockProvider.
func NewMockProvider(id string) *MockProvider {
	return &MockProvider{
		info:      Info{ID: id, Model: "mock-1"},
		responses: make(map[string]string),
	}
}

// WithVision toggles the vision capability flag.
func (m *MockProvider) WithVision(v bool) *MockProvider {
	m.vision = v
	return m
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *MockProvider) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailWith queues errors to be returned (in order) by upcoming calls before
// successful responses resume.
func (m *MockProvider) FailWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Calls returns how many Chat/ChatStream invocations have been made.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) next(req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	var prompt string
	if msgs := FlattenRequest(req); len(msgs) > 0 {
		prompt = msgs[len(msgs)-1].Content
	}
	if resp, ok := m.responses[prompt]; ok {
		return resp, nil
	}
	return fmt.Sprintf("Mock response to: %s", prompt), nil
}

// Chat implements Provider.
func (m *MockProvider) Chat(_ context.Context, req Request) (string, error) {
	return m.next(req)
}

// ChatStream implements Provider; the canned response is emitted word by
// word.
func (m *MockProvider) ChatStream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		full, err := m.next(req)
		if err != nil {
			errCh <- err
			return
		}
		words := strings.SplitAfter(full, " ")
		for _, w := range words {
			select {
			case <-ctx.Done():
				errCh <- NewError(KindNetwork, m.info.ID, ctx.Err())
				return
			case out <- w:
			}
		}
	}()
	return out, errCh
}

// SupportsVision implements Provider.
func (m *MockProvider) SupportsVision() bool { return m.vision }

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }
