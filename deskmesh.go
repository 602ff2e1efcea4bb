// Package deskmesh provides a high-level façade over the event-driven
// coordination core: service registry, event bus, conversation store, tool
// approval pipeline, plugin host and agent loop. Most applications interact
// with this package by:
//  1. Creating a DeskMesh via New() (optionally overriding the provider,
//     tool servers or plugin set)
//  2. Calling Start(ctx) to bootstrap the registry and bring everything up
//  3. Publishing ui.query_received events (directly or through a UI
//     collaborator) and consuming the api.* / tool.* / notification.*
//     events that flow back
//
// A failed registry bootstrap is the only fatal condition; every other
// failure stays scoped to its component and is surfaced as an event.
package deskmesh

import (
	"context"
	"fmt"

	"github.com/deskmesh/deskmesh/agent"
	"github.com/deskmesh/deskmesh/analytics"
	"github.com/deskmesh/deskmesh/approval"
	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/config"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
	"github.com/deskmesh/deskmesh/plugin"
	"github.com/deskmesh/deskmesh/provider"
	"github.com/deskmesh/deskmesh/provider/anthropic"
	"github.com/deskmesh/deskmesh/provider/openai"
	"github.com/deskmesh/deskmesh/registry"
	"github.com/deskmesh/deskmesh/tool"
)

// Service keys used during registry bootstrap. Plugins list these in their
// RequiredServices to receive the corresponding collaborator.
const (
	ServiceBus       = "core.bus"
	ServiceConfig    = "core.config"
	ServiceProvider  = "provider.manager"
	ServiceTools     = "tool.registry"
	ServiceExecutor  = "tool.executor"
	ServicePipeline  = "approval.pipeline"
	ServiceLoop      = "agent.loop"
	ServiceHost      = "plugin.host"
	ServiceAnalytics = "analytics.monitor"
)

// Options configure a DeskMesh instance.
type Options struct {
	// Config supplies the static configuration. Defaults to
	// config.Default().
	Config *config.Config

	// Provider overrides the primary provider built from Config.
	Provider provider.Provider
	// FallbackProvider overrides the fallback built from Config.
	FallbackProvider provider.Provider

	// ToolServers are used instead of spawning Config.ToolServers. Useful
	// for tests and for registering in-process tools.
	ToolServers []tool.Server

	// Plugins maps manifest names to factories. Registered before the
	// host starts.
	Plugins map[string]plugin.Factory

	// Logger defaults to a structured logger per Config.Logging.
	Logger logging.Logger
}

// DeskMesh aggregates the coordination core behind a small lifecycle.
type DeskMesh struct {
	opts     Options
	logger   logging.Logger
	registry *registry.Registry
	bus      *bus.Bus

	tools    *tool.Registry
	pipeline *approval.Pipeline
	loop     *agent.Loop
	host     *plugin.Host
	monitor  *analytics.Monitor

	started bool
}

// New creates a DeskMesh instance. Nothing runs until Start.
func New(optFns ...func(o *Options)) *DeskMesh {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewSlogLogger(
			logging.ParseLevel(opts.Config.Logging.Level), opts.Config.Logging.Format, false)
	}
	return &DeskMesh{
		opts:     opts,
		logger:   opts.Logger,
		registry: registry.New(func(o *registry.Options) { o.Logger = opts.Logger }),
		bus:      bus.New(func(o *bus.Options) { o.Logger = opts.Logger }),
	}
}

// Bus exposes the event bus for publishing and subscribing.
func (d *DeskMesh) Bus() *bus.Bus { return d.bus }

// Registry exposes the service registry, mainly for tests and plugins
// registered out of band.
func (d *DeskMesh) Registry() *registry.Registry { return d.registry }

// Host exposes the plugin host for runtime enable/disable.
func (d *DeskMesh) Host() *plugin.Host { return d.host }

// Start bootstraps the registry and brings the core up: tool discovery,
// approval pipeline, agent loop, then plugins. A bootstrap resolve failure
// aborts startup and is returned to the caller; it is the only fatal error
// in the system.
func (d *DeskMesh) Start(ctx context.Context) error {
	if d.started {
		return fmt.Errorf("deskmesh: already started")
	}
	cfg := d.opts.Config

	d.registry.RegisterInstance(ServiceBus, d.bus)
	d.registry.RegisterInstance(ServiceConfig, cfg)

	d.registry.Register(ServiceProvider, func(*registry.Scope) (any, error) {
		primary, fallback, err := d.buildProviders()
		if err != nil {
			return nil, err
		}
		return provider.NewManager(primary, func(o *provider.ManagerOptions) {
			o.Fallback = fallback
			o.Publisher = d.bus
			o.Logger = d.logger
		}), nil
	}, registry.Singleton)

	d.registry.Register(ServiceTools, func(*registry.Scope) (any, error) {
		servers := d.opts.ToolServers
		if servers == nil {
			var err error
			servers, err = d.spawnToolServers(cfg.ToolServers)
			if err != nil {
				return nil, err
			}
		}
		return tool.NewRegistry(servers, func(o *tool.RegistryOptions) { o.Logger = d.logger }), nil
	}, registry.Singleton)

	d.registry.Register(ServiceExecutor, func(s *registry.Scope) (any, error) {
		tools, err := registry.ResolveScoped[*tool.Registry](s, ServiceTools)
		if err != nil {
			return nil, err
		}
		return tool.NewExecutor(tools, func(o *tool.ExecutorOptions) {
			if t := cfg.Approval.ExecutionTimeout.Std(); t > 0 {
				o.Timeout = t
			}
			o.Logger = d.logger
		}), nil
	}, registry.Singleton)

	d.registry.Register(ServicePipeline, func(s *registry.Scope) (any, error) {
		executor, err := registry.ResolveScoped[*tool.Executor](s, ServiceExecutor)
		if err != nil {
			return nil, err
		}
		return approval.NewPipeline(d.bus, executor, func(o *approval.PipelineOptions) {
			if t := cfg.Approval.ApprovalTimeout.Std(); t > 0 {
				o.ApprovalTimeout = t
			}
			o.Logger = d.logger
		}), nil
	}, registry.Singleton)

	d.registry.Register(ServiceLoop, func(s *registry.Scope) (any, error) {
		mgr, err := registry.ResolveScoped[*provider.Manager](s, ServiceProvider)
		if err != nil {
			return nil, err
		}
		tools, err := registry.ResolveScoped[*tool.Registry](s, ServiceTools)
		if err != nil {
			return nil, err
		}
		return agent.NewLoop(d.bus, mgr, func(o *agent.Options) {
			o.Roles = cfg.Roles
			o.Context = cfg.Context
			o.Tools = tools
			o.Logger = d.logger
		}), nil
	}, registry.Singleton)

	d.registry.Register(ServiceAnalytics, func(*registry.Scope) (any, error) {
		return analytics.NewMonitor(d.bus, func(o *analytics.MonitorOptions) {
			if cfg.Analytics.ThresholdCount > 0 {
				o.ThresholdCount = cfg.Analytics.ThresholdCount
			}
			if w := cfg.Analytics.Window.Std(); w > 0 {
				o.Window = w
			}
			if c := cfg.Analytics.ReportCooldown.Std(); c > 0 {
				o.Cooldown = c
			}
			o.Logger = d.logger
		}), nil
	}, registry.Singleton)

	d.registry.Register(ServiceHost, func(*registry.Scope) (any, error) {
		return plugin.NewHost(d.registry, d.bus, func(o *plugin.HostOptions) {
			o.Dir = cfg.Plugins.Dir
			if g := cfg.Plugins.StopGracePeriod.Std(); g > 0 {
				o.StopGracePeriod = g
			}
			o.Watch = cfg.Plugins.Watch
			o.Logger = d.logger
		}), nil
	}, registry.Singleton)

	// Bootstrap. Any resolve failure here is fatal to startup.
	tools, err := registry.Resolve[*tool.Registry](d.registry, ServiceTools)
	if err != nil {
		return fmt.Errorf("deskmesh: bootstrap: %w", err)
	}
	pipeline, err := registry.Resolve[*approval.Pipeline](d.registry, ServicePipeline)
	if err != nil {
		return fmt.Errorf("deskmesh: bootstrap: %w", err)
	}
	loop, err := registry.Resolve[*agent.Loop](d.registry, ServiceLoop)
	if err != nil {
		return fmt.Errorf("deskmesh: bootstrap: %w", err)
	}
	host, err := registry.Resolve[*plugin.Host](d.registry, ServiceHost)
	if err != nil {
		return fmt.Errorf("deskmesh: bootstrap: %w", err)
	}
	monitor, err := registry.Resolve[*analytics.Monitor](d.registry, ServiceAnalytics)
	if err != nil {
		return fmt.Errorf("deskmesh: bootstrap: %w", err)
	}
	d.tools, d.pipeline, d.loop, d.host, d.monitor = tools, pipeline, loop, host, monitor

	if err := d.tools.Discover(ctx); err != nil {
		return fmt.Errorf("deskmesh: tool discovery: %w", err)
	}
	d.monitor.Start()
	d.pipeline.Start()
	d.loop.Start()

	for name, factory := range d.opts.Plugins {
		d.host.RegisterFactory(name, factory)
	}
	if err := d.host.Start(ctx); err != nil {
		return fmt.Errorf("deskmesh: plugin host: %w", err)
	}

	d.started = true
	d.logger.Info("deskmesh started",
		"tools", len(d.tools.Tools()), "plugins", len(d.host.Descriptors()))
	return nil
}

// Shutdown tears everything down in reverse start order: plugins, agent
// loop, pipeline, tool servers, then the bus and the registry's singletons.
func (d *DeskMesh) Shutdown(ctx context.Context) error {
	if !d.started {
		return nil
	}
	d.started = false

	d.host.Stop(ctx)
	d.loop.Close()
	d.pipeline.Close()
	d.monitor.Close()
	if err := d.tools.Close(); err != nil {
		d.logger.Warn("tool server shutdown reported error", "error", err.Error())
	}

	err := d.bus.Close(ctx)
	d.registry.Reset()
	d.logger.Info("deskmesh stopped")
	return err
}

// Ask is a synchronous convenience helper: it publishes the query and
// collects streamed chunks until the turn completes or ctx expires.
func (d *DeskMesh) Ask(ctx context.Context, conversationID, text string) (string, error) {
	if !d.started {
		return "", fmt.Errorf("deskmesh: not started")
	}

	done := make(chan string, 1)
	failed := make(chan error, 1)
	sub := d.bus.Subscribe("api.*", func(_ context.Context, e core.Event) error {
		switch payload := e.Payload.(type) {
		case core.RequestComplete:
			if payload.ConversationID == conversationID {
				select {
				case done <- payload.Text:
				default:
				}
			}
		case core.APIError:
			select {
			case failed <- fmt.Errorf("provider error (%s): %s", payload.Kind, payload.Message):
			default:
			}
		}
		return nil
	})
	defer d.bus.Unsubscribe(sub)

	d.bus.Publish(core.NewEvent(core.EventUIQueryReceived, core.QueryReceived{
		ConversationID: conversationID,
		Text:           text,
	}))

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-failed:
		return "", err
	case text := <-done:
		return text, nil
	}
}

func (d *DeskMesh) buildProviders() (provider.Provider, provider.Provider, error) {
	primary := d.opts.Provider
	if primary == nil {
		pc, ok := d.opts.Config.Provider(d.opts.Config.ActiveProvider)
		if !ok {
			return nil, nil, fmt.Errorf("active provider %q not configured", d.opts.Config.ActiveProvider)
		}
		var err error
		primary, err = buildProvider(pc)
		if err != nil {
			return nil, nil, err
		}
	}

	fallback := d.opts.FallbackProvider
	if fallback == nil && d.opts.Config.FallbackProvider != "" {
		pc, ok := d.opts.Config.Provider(d.opts.Config.FallbackProvider)
		if !ok {
			return nil, nil, fmt.Errorf("fallback provider %q not configured", d.opts.Config.FallbackProvider)
		}
		var err error
		fallback, err = buildProvider(pc)
		if err != nil {
			return nil, nil, err
		}
	}
	return primary, fallback, nil
}

func buildProvider(pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.ID {
	case "openai":
		return openai.New(func(o *openai.Options) {
			if pc.Model != "" {
				o.Model = pc.Model
			}
			o.APIKey = pc.APIKey
			o.BaseURL = pc.BaseURL
			o.Vision = pc.Vision
		}), nil
	case "anthropic":
		return anthropic.New(func(o *anthropic.Options) {
			if pc.Model != "" {
				o.Model = pc.Model
			}
			o.APIKey = pc.APIKey
			o.Vision = pc.Vision
		}), nil
	case "mock":
		return provider.NewMockProvider("mock"), nil
	default:
		return nil, fmt.Errorf("unknown provider id %q", pc.ID)
	}
}

func (d *DeskMesh) spawnToolServers(configs []config.ToolServerConfig) ([]tool.Server, error) {
	var servers []tool.Server
	for _, tc := range configs {
		if !tc.Enabled {
			continue
		}
		srv, err := tool.StartSubprocessServer(tc.ID, tc.Command, tc.Args, func(o *tool.SubprocessServerOptions) {
			o.Logger = d.logger
		})
		if err != nil {
			// One broken server never takes down startup.
			d.logger.Warn("tool server failed to start", "server", tc.ID, "error", err.Error())
			continue
		}
		servers = append(servers, srv)
	}
	return servers, nil
}
