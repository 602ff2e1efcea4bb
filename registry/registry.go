package registry

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"sync"

	"github.com/deskmesh/deskmesh/logging"
)

// Sentinel errors returned by Resolve. Wrapped values carry the offending
// key; test with errors.Is.
var (
	// ErrServiceNotFound indicates no factory is registered under the key.
	ErrServiceNotFound = errors.New("service not found")
	// ErrCyclicDependency indicates a factory re-entered Resolve for a key
	// already under construction in the same resolution chain.
	ErrCyclicDependency = errors.New("cyclic dependency")
)

// Lifetime controls how instances produced by a factory are owned.
type Lifetime int

const (
	// Singleton builds at most one instance, owned by the registry until Reset.
	Singleton Lifetime = iota
	// Transient builds a fresh instance per Resolve, owned by the requester.
	Transient
)

// String returns the lifetime name.
func (l Lifetime) String() string {
	if l == Transient {
		return "transient"
	}
	return "singleton"
}

// Factory constructs a service instance. The provided Scope must be used for
// resolving collaborators so cycle detection can follow the chain.
type Factory func(s *Scope) (any, error)

// Releasable is the optional teardown hook invoked by Reset on singleton
// instances.
type Releasable interface {
	Release()
}

type descriptor struct {
	key      string
	lifetime Lifetime
	factory  Factory

	mu       sync.Mutex
	cond     *sync.Cond
	building bool
	builder  uint64 // goroutine id of the running factory
	built    bool
	instance any
	err      error
}

// Registry is a named-instance service registry safe for concurrent use.
// The zero value is not usable; construct with New.
type Registry struct {
	mu     sync.RWMutex
	descs  map[string]*descriptor
	order  []string // registration order, for deterministic Reset
	logger logging.Logger
}

// Options configures a Registry.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// New constructs an empty registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{descs: make(map[string]*descriptor), logger: opts.Logger}
}

// Register binds a factory to a key with the given lifetime. Re-registering
// a key replaces the previous binding and discards any built singleton.
func (r *Registry) Register(key string, factory Factory, lifetime Lifetime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descs[key]; exists {
		r.logger.Warn("service re-registered", "key", key)
	} else {
		r.order = append(r.order, key)
	}
	d := &descriptor{key: key, lifetime: lifetime, factory: factory}
	d.cond = sync.NewCond(&d.mu)
	r.descs[key] = d
}

// RegisterInstance binds an already-built value as a singleton.
func (r *Registry) RegisterInstance(key string, instance any) {
	r.Register(key, func(*Scope) (any, error) { return instance, nil }, Singleton)
}

// Has reports whether a factory is registered under key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descs[key]
	return ok
}

// Resolve returns the instance bound to key, building it if necessary.
func (r *Registry) Resolve(key string) (any, error) {
	return (&Scope{registry: r}).Resolve(key)
}

// Reset tears down all singleton instances in reverse registration order,
// calling Release on those that implement Releasable, and forgets every
// binding. Intended for tests and process shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		d := r.descs[r.order[i]]
		if d == nil || d.lifetime != Singleton || d.instance == nil {
			continue
		}
		if rel, ok := d.instance.(Releasable); ok {
			rel.Release()
		}
	}
	r.descs = make(map[string]*descriptor)
	r.order = nil
}

// Scope tracks one resolution chain. Factories receive a scope and must use
// it (not the registry directly) to resolve their own dependencies.
type Scope struct {
	registry *Registry
	chain    []string
}

// Chain returns the keys currently under construction, outermost first.
func (s *Scope) Chain() []string { return slices.Clone(s.chain) }

// Resolve returns the instance bound to key within this resolution chain.
func (s *Scope) Resolve(key string) (any, error) {
	s.registry.mu.RLock()
	d, ok := s.registry.descs[key]
	s.registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, key)
	}

	if slices.Contains(s.chain, key) {
		return nil, fmt.Errorf("%w: %q via %v", ErrCyclicDependency, key, s.chain)
	}
	child := &Scope{registry: s.registry, chain: append(slices.Clone(s.chain), key)}

	if d.lifetime == Transient {
		return d.factory(child)
	}

	d.mu.Lock()
	for !d.built {
		if d.building {
			if d.builder == goroutineID() {
				// The factory for this key resolved its own key through the
				// registry. A fresh scope hides the chain, so the builder
				// identity is the only signal; waiting would never return.
				d.mu.Unlock()
				return nil, fmt.Errorf("%w: %q resolved while its factory is running", ErrCyclicDependency, key)
			}
			d.cond.Wait()
			continue
		}
		d.building = true
		d.builder = goroutineID()
		d.mu.Unlock()

		instance, err := d.factory(child)

		d.mu.Lock()
		d.building = false
		d.built = true
		d.instance, d.err = instance, err
		if err != nil {
			s.registry.logger.Error("singleton construction failed", "key", key, "error", err)
		}
		d.cond.Broadcast()
	}
	instance, err := d.instance, d.err
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("construct %q: %w", key, err)
	}
	return instance, nil
}

// goroutineID extracts the numeric id from the first line of runtime.Stack,
// which reads "goroutine N [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = b[len("goroutine "):]
	n, _ := strconv.ParseUint(string(b[:bytes.IndexByte(b, ' ')]), 10, 64)
	return n
}

// Resolve is a typed convenience wrapper around Registry.Resolve.
func Resolve[T any](r *Registry, key string) (T, error) {
	var zero T
	v, err := r.Resolve(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T, not %T", key, v, zero)
	}
	return typed, nil
}

// ResolveScoped is the typed counterpart of Scope.Resolve for use inside
// factories.
func ResolveScoped[T any](s *Scope, key string) (T, error) {
	var zero T
	v, err := s.Resolve(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has type %T, not %T", key, v, zero)
	}
	return typed, nil
}
