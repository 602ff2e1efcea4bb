package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/deskmesh/deskmesh/internal/util"
	"github.com/deskmesh/deskmesh/logging"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Registry aggregates tools discovered across all configured servers behind
// a single name-indexed catalog. Discovery fans out concurrently; a server
// that fails to enumerate its tools is skipped and logged rather than
// failing the others.
type Registry struct {
	servers []Server
	logger  logging.Logger

	mu    sync.RWMutex
	tools map[string]catalogEntry
}

type catalogEntry struct {
	desc   Descriptor
	server Server
}

// NewRegistry creates a Registry over the given servers.
func NewRegistry(servers []Server, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		servers: servers,
		logger:  opts.Logger,
		tools:   make(map[string]catalogEntry),
	}
}

// Discover enumerates tools on every server concurrently and rebuilds the
// catalog. The first server to claim a name keeps it; collisions are logged
// and dropped.
func (r *Registry) Discover(ctx context.Context) error {
	results := make([][]Descriptor, len(r.servers))

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range r.servers {
		i, srv := i, srv
		g.Go(func() error {
			descs, err := srv.ListTools(gctx)
			if err != nil {
				r.logger.Warn("tool discovery failed", "server", srv.ID(), "error", err.Error())
				return nil
			}
			results[i] = descs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]catalogEntry)
	for i, srv := range r.servers {
		for _, desc := range results[i] {
			if prev, exists := r.tools[desc.Name]; exists {
				r.logger.Warn("duplicate tool name, keeping first",
					"tool", desc.Name, "kept", prev.server.ID(), "dropped", srv.ID())
				continue
			}
			r.tools[desc.Name] = catalogEntry{desc: desc, server: srv}
		}
	}
	r.logger.Info("tool discovery complete", "servers", len(r.servers), "tools", len(r.tools))
	return nil
}

// Tools returns the catalog sorted by name.
func (r *Registry) Tools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		descs = append(descs, e.desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Lookup returns the descriptor for a tool name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e.desc, nil
}

// Call validates args against the tool's schema and dispatches to the
// owning server.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if e.desc.Schema != nil {
		if err := util.ValidateParameters(args, e.desc.Schema); err != nil {
			r.logger.Warn("tool argument validation failed", "tool", name, "error", err.Error())
			return "", &Error{
				Tool:    name,
				Message: fmt.Sprintf("argument validation failed: %v", err),
				Code:    CodeValidation,
				Details: err,
			}
		}
	}

	out, err := e.server.CallTool(ctx, name, args)
	if err != nil {
		if toolErr, ok := err.(*Error); ok {
			return "", toolErr
		}
		// Context errors pass through untouched so callers can tell a
		// timeout kill from an ordinary failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &Error{Tool: name, Message: err.Error(), Code: CodeExecution}
	}
	return out, nil
}

// Close shuts down every server, returning the first error encountered.
func (r *Registry) Close() error {
	var first error
	for _, srv := range r.servers {
		if err := srv.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
