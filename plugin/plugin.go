package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
)

// ErrMissingDependency marks a plugin whose required services are not
// registered. It fails the plugin, never the host.
var ErrMissingDependency = errors.New("missing dependency")

// Metadata identifies a plugin and declares the service keys it needs
// resolved before initialization.
type Metadata struct {
	ID               string
	Version          string
	RequiredServices []string
}

// Runtime is handed to a plugin at initialization. It carries the only
// collaborators a plugin may hold: the event bus, its resolved required
// services, its manifest settings and a logger. Plugins never receive
// references to each other.
type Runtime struct {
	Bus      *bus.Bus
	Services map[string]any
	Settings map[string]any
	Logger   logging.Logger
}

// Service returns a resolved required service by key.
func (r *Runtime) Service(key string) (any, error) {
	svc, ok := r.Services[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDependency, key)
	}
	return svc, nil
}

// Plugin is the contract every capability unit implements. Lifecycle calls
// arrive in order (Initialize, Start, Stop) but not necessarily on the same
// goroutine.
type Plugin interface {
	// Metadata describes the plugin before any lifecycle call.
	Metadata() Metadata

	// Initialize wires subscriptions and reads settings. An error moves
	// the plugin to Failed.
	Initialize(ctx context.Context, rt *Runtime) error

	// Start begins active work (timers, captures, watchers).
	Start(ctx context.Context) error

	// Stop releases everything Start acquired. It must honor ctx's
	// deadline; overrunning it gets the plugin force-released.
	Stop(ctx context.Context) error
}

// Factory constructs a fresh plugin instance for one enable cycle.
type Factory func() Plugin

// State is a plugin's position in its lifecycle.
type State string

// Lifecycle states. Transitions only advance, except the jump to
// StateFailed from any non-terminal state.
const (
	StateDiscovered  State = "discovered"
	StateInitialized State = "initialized"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

func (s State) terminal() bool { return s == StateStopped || s == StateFailed }

// Descriptor is the host's record of one discovered plugin.
type Descriptor struct {
	ID               string
	Version          string
	RequiredServices []string
	State            State
	// Err holds the failure that moved the plugin to StateFailed.
	Err error

	instance Plugin
	settings map[string]any
}

// advance moves the descriptor forward or into Failed. Backward moves are
// rejected so a descriptor can never resurrect silently.
func (d *Descriptor) advance(next State) error {
	if d.State.terminal() {
		return fmt.Errorf("plugin %s: cannot leave terminal state %s", d.ID, d.State)
	}
	if next == StateFailed {
		d.State = StateFailed
		return nil
	}
	order := map[State]int{
		StateDiscovered:  0,
		StateInitialized: 1,
		StateStarted:     2,
		StateStopped:     3,
	}
	if order[next] <= order[d.State] {
		return fmt.Errorf("plugin %s: cannot move backward from %s to %s", d.ID, d.State, next)
	}
	d.State = next
	return nil
}

func (d *Descriptor) fail(err error) {
	d.Err = err
	_ = d.advance(StateFailed)
}

func lifecyclePayload(d *Descriptor) core.PluginLifecycle {
	return core.PluginLifecycle{PluginID: d.ID, Version: d.Version}
}
