package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/deskmesh/deskmesh/internal/util"
)

// Server is the tool-provider contract: a black box that can enumerate its
// tools and run one of them. The pipeline applies timeouts from the outside
// through ctx; protocol framing beyond list/call is the server's business.
type Server interface {
	// ID returns the configured server identifier.
	ID() string

	// ListTools enumerates the tools this server exposes.
	ListTools(ctx context.Context) ([]Descriptor, error)

	// CallTool runs a named tool with already-validated arguments and
	// returns its textual result.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	// Close releases the server's resources, terminating any backing
	// process.
	Close() error
}

// Func is the implementation signature for in-process tools.
type Func func(ctx context.Context, args map[string]any) (string, error)

type localTool struct {
	desc Descriptor
	fn   Func
}

// LocalServer hosts plain Go functions behind the Server contract. It backs
// built-in tools and keeps tests free of subprocess plumbing.
type LocalServer struct {
	id string

	mu    sync.RWMutex
	tools map[string]localTool
}

var _ Server = (*LocalServer)(nil)

// NewLocalServer creates an empty in-process tool server.
func NewLocalServer(id string) *LocalServer {
	return &LocalServer{id: id, tools: make(map[string]localTool)}
}

// Register adds a tool under the given descriptor. Re-registering a name
// replaces the previous function.
func (s *LocalServer) Register(desc Descriptor, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc.ServerID = s.id
	s.tools[desc.Name] = localTool{desc: desc, fn: fn}
}

// RegisterFromStruct derives the argument schema from a struct's json and
// description tags.
func (s *LocalServer) RegisterFromStruct(name, description string, argsType any, fn Func) {
	s.Register(Descriptor{
		Name:        name,
		Description: description,
		Schema:      util.CreateSchema(argsType),
	}, fn)
}

// ID implements Server.
func (s *LocalServer) ID() string { return s.id }

// ListTools implements Server.
func (s *LocalServer) ListTools(_ context.Context) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descs := make([]Descriptor, 0, len(s.tools))
	for _, t := range s.tools {
		descs = append(descs, t.desc)
	}
	return descs, nil
}

// CallTool implements Server.
func (s *LocalServer) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.RLock()
	t, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q on server %q", ErrUnknownTool, name, s.id)
	}

	type callResult struct {
		out string
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		out, err := t.fn(ctx, args)
		done <- callResult{out, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.out, res.err
	}
}

// Close implements Server.
func (s *LocalServer) Close() error { return nil }
