package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
	"github.com/deskmesh/deskmesh/registry"
)

// Manifest is the on-disk selection of one plugin.
type Manifest struct {
	Plugin   string         `yaml:"plugin"`
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// HostOptions configure a Host.
type HostOptions struct {
	// Dir is the manifest directory. Empty disables discovery from disk;
	// plugins can still be enabled programmatically.
	Dir string
	// StopGracePeriod bounds each plugin's Stop call. Default 5s.
	StopGracePeriod time.Duration
	// Watch enables the fsnotify watcher on Dir.
	Watch bool
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Host discovers, loads and drives the lifecycle of plugins. Failures stay
// local to the failing plugin.
type Host struct {
	registry *registry.Registry
	bus      *bus.Bus
	grace    time.Duration
	dir      string
	watch    bool
	logger   logging.Logger

	mu          sync.Mutex
	factories   map[string]Factory
	descriptors map[string]*Descriptor
	startOrder  []string
	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
}

// NewHost creates a Host over the given registry and bus.
func NewHost(reg *registry.Registry, b *bus.Bus, optFns ...func(o *HostOptions)) *Host {
	opts := HostOptions{
		StopGracePeriod: 5 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Host{
		registry:    reg,
		bus:         b,
		grace:       opts.StopGracePeriod,
		dir:         opts.Dir,
		watch:       opts.Watch,
		logger:      opts.Logger,
		factories:   make(map[string]Factory),
		descriptors: make(map[string]*Descriptor),
	}
}

// RegisterFactory makes a plugin constructible under its manifest name. The
// name must match the Metadata().ID of the plugins the factory produces;
// enabling a plugin whose metadata disagrees fails that plugin.
func (h *Host) RegisterFactory(name string, factory Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[name] = factory
}

// Start discovers manifests and brings every enabled plugin up. A plugin
// failure is recorded on its descriptor; Start only fails on host-level
// problems such as an unreadable manifest directory.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dir != "" {
		manifests, err := h.readManifests()
		if err != nil {
			return err
		}
		for _, m := range manifests {
			if !m.Enabled {
				h.logger.Debug("plugin disabled by manifest", "plugin", m.Plugin)
				continue
			}
			h.enableLocked(ctx, m.Plugin, m.Settings)
		}
	}

	if h.watch && h.dir != "" {
		if err := h.startWatcherLocked(); err != nil {
			h.logger.Warn("manifest watcher unavailable", "dir", h.dir, "error", err.Error())
		}
	}
	return nil
}

// Stop tears plugins down in reverse start order. Each Stop call gets the
// grace period; an overrunning plugin is force-released and logged, never
// blocking the rest of shutdown.
func (h *Host) Stop(ctx context.Context) {
	// Shut the watcher down before taking the lock: its goroutine may be
	// mid-Enable and needs the lock to finish.
	h.mu.Lock()
	watcher, done := h.watcher, h.watcherDone
	h.watcher = nil
	h.mu.Unlock()
	if watcher != nil {
		watcher.Close()
		<-done
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.startOrder) - 1; i >= 0; i-- {
		d := h.descriptors[h.startOrder[i]]
		if d == nil || d.State != StateStarted {
			continue
		}
		h.stopLocked(ctx, d)
	}
	h.startOrder = nil
}

// Enable brings a plugin up by manifest name, reusing stored settings when
// none are given. A previously stopped or failed plugin gets a fresh
// instance.
func (h *Host) Enable(ctx context.Context, name string, settings map[string]any) *Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enableLocked(ctx, name, settings)
}

// Disable stops a single running plugin without touching the others.
func (h *Host) Disable(ctx context.Context, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.descriptors[id]
	if d == nil || d.State != StateStarted {
		return
	}
	h.stopLocked(ctx, d)
	h.startOrder = slices.DeleteFunc(h.startOrder, func(s string) bool { return s == id })
}

// Descriptors returns a snapshot of every known plugin descriptor.
func (h *Host) Descriptors() []Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Descriptor, 0, len(h.descriptors))
	for _, d := range h.descriptors {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Descriptor returns the descriptor for a plugin id.
func (h *Host) Descriptor(id string) (Descriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.descriptors[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

func (h *Host) enableLocked(ctx context.Context, name string, settings map[string]any) *Descriptor {
	factory, ok := h.factories[name]
	if !ok {
		h.logger.Warn("no factory for plugin", "plugin", name)
		return nil
	}
	if prev, exists := h.descriptors[name]; exists {
		if !prev.State.terminal() {
			h.logger.Debug("plugin already active", "plugin", name, "state", string(prev.State))
			return prev
		}
		if settings == nil {
			settings = prev.settings
		}
	}

	instance := factory()
	meta := instance.Metadata()
	d := &Descriptor{
		ID:               meta.ID,
		Version:          meta.Version,
		RequiredServices: meta.RequiredServices,
		State:            StateDiscovered,
		instance:         instance,
		settings:         settings,
	}
	// Descriptors are keyed by the registration name, which manifests and
	// runtime disable both address plugins by. Metadata that disagrees
	// would split the two keyspaces, so it fails the plugin.
	if meta.ID != name {
		d.ID = name
		h.descriptors[name] = d
		h.crash(d, "resolve", fmt.Errorf("metadata id %q does not match registered name %q", meta.ID, name))
		return d
	}
	h.descriptors[d.ID] = d

	services, err := h.resolveServices(meta.RequiredServices)
	if err != nil {
		h.crash(d, "resolve", err)
		return d
	}

	rt := &Runtime{
		Bus:      h.bus,
		Services: services,
		Settings: settings,
		Logger:   h.logger,
	}
	if err := instance.Initialize(ctx, rt); err != nil {
		h.crash(d, "initialize", err)
		return d
	}
	if err := d.advance(StateInitialized); err != nil {
		h.crash(d, "initialize", err)
		return d
	}
	h.bus.Publish(core.NewEvent(core.EventPluginLoaded, lifecyclePayload(d)))

	if err := instance.Start(ctx); err != nil {
		h.crash(d, "start", err)
		return d
	}
	if err := d.advance(StateStarted); err != nil {
		h.crash(d, "start", err)
		return d
	}
	h.startOrder = append(h.startOrder, d.ID)
	h.bus.Publish(core.NewEvent(core.EventPluginStarted, lifecyclePayload(d)))
	h.logger.Info("plugin started", "plugin", d.ID, "version", d.Version)
	return d
}

func (h *Host) stopLocked(ctx context.Context, d *Descriptor) {
	stopCtx, cancel := context.WithTimeout(ctx, h.grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.instance.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			h.crash(d, "stop", err)
			return
		}
	case <-stopCtx.Done():
		h.logger.Warn("plugin did not stop within grace period, force releasing",
			"plugin", d.ID, "grace", h.grace.String())
		h.crash(d, "stop", fmt.Errorf("stop exceeded grace period of %s", h.grace))
		return
	}

	if err := d.advance(StateStopped); err != nil {
		h.logger.Warn("plugin state transition rejected", "plugin", d.ID, "error", err.Error())
		return
	}
	h.bus.Publish(core.NewEvent(core.EventPluginStopped, lifecyclePayload(d)))
	h.logger.Info("plugin stopped", "plugin", d.ID)
}

// crash isolates one plugin failure: the descriptor moves to Failed and a
// plugin.crash event is published, the host and the other plugins carry on.
func (h *Host) crash(d *Descriptor, phase string, err error) {
	d.fail(err)
	h.logger.Error("plugin failed", "plugin", d.ID, "phase", phase, "error", err.Error())
	h.bus.Publish(core.NewEvent(core.EventPluginCrash, core.PluginCrash{
		PluginID: d.ID,
		Phase:    phase,
		Error:    err.Error(),
	}))
}

func (h *Host) resolveServices(keys []string) (map[string]any, error) {
	services := make(map[string]any, len(keys))
	for _, key := range keys {
		svc, err := h.registry.Resolve(key)
		if err != nil {
			return nil, fmt.Errorf("%w: service %q: %v", ErrMissingDependency, key, err)
		}
		services[key] = svc
	}
	return services, nil
}

func (h *Host) readManifests() ([]Manifest, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir %s: %w", h.dir, err)
	}
	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		m, err := h.readManifest(filepath.Join(h.dir, entry.Name()))
		if err != nil {
			h.logger.Warn("skipping unreadable manifest", "file", entry.Name(), "error", err.Error())
			continue
		}
		manifests = append(manifests, m)
	}
	slices.SortFunc(manifests, func(a, b Manifest) int { return strings.Compare(a.Plugin, b.Plugin) })
	return manifests, nil
}

func (h *Host) readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if m.Plugin == "" {
		return Manifest{}, fmt.Errorf("manifest %s has no plugin name", filepath.Base(path))
	}
	return m, nil
}

func isManifestFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (h *Host) startWatcherLocked() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(h.dir); err != nil {
		watcher.Close()
		return err
	}
	h.watcher = watcher
	h.watcherDone = make(chan struct{})
	go h.watchManifests(watcher, h.watcherDone)
	h.logger.Debug("watching manifest dir", "dir", h.dir)
	return nil
}

// watchManifests reacts to manifest edits: writing an enabled manifest
// brings the plugin up, disabling or removing one takes it down.
func (h *Host) watchManifests(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isManifestFile(filepath.Base(event.Name)) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
				h.applyManifestChange(event.Name)
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				h.applyManifestRemoval(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("manifest watcher error", "error", err.Error())
		}
	}
}

func (h *Host) applyManifestChange(path string) {
	m, err := h.readManifest(path)
	if err != nil {
		h.logger.Warn("ignoring manifest change", "file", filepath.Base(path), "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.grace)
	defer cancel()
	if m.Enabled {
		h.Enable(ctx, m.Plugin, m.Settings)
	} else {
		h.Disable(ctx, m.Plugin)
	}
}

func (h *Host) applyManifestRemoval(path string) {
	// The manifest is gone; the plugin name has to come from the filename.
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ctx, cancel := context.WithTimeout(context.Background(), h.grace)
	defer cancel()
	h.Disable(ctx, name)
}
