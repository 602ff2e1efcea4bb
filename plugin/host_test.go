package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/registry"
)

type fakePlugin struct {
	meta     Metadata
	initErr  error
	startErr error
	stopErr  error
	stopWait time.Duration

	mu      sync.Mutex
	calls   []string
	stopped chan string // shared across plugins to record stop order
}

func (f *fakePlugin) Metadata() Metadata { return f.meta }

func (f *fakePlugin) Initialize(_ context.Context, _ *Runtime) error {
	f.record("initialize")
	return f.initErr
}

func (f *fakePlugin) Start(_ context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	f.record("stop")
	if f.stopWait > 0 {
		select {
		case <-time.After(f.stopWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.stopped != nil {
		f.stopped <- f.meta.ID
	}
	return f.stopErr
}

func (f *fakePlugin) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func newHostFixture(t *testing.T, optFns ...func(o *HostOptions)) (*Host, *bus.Bus, *registry.Registry) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Close(ctx)
	})
	reg := registry.New()
	return NewHost(reg, b, optFns...), b, reg
}

func collectEvents(t *testing.T, b *bus.Bus, pattern string) func() []core.Event {
	t.Helper()
	var mu sync.Mutex
	var events []core.Event
	b.Subscribe(pattern, func(_ context.Context, e core.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})
	return func() []core.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]core.Event(nil), events...)
	}
}

func TestHostFailingInitializeIsIsolated(t *testing.T) {
	host, b, _ := newHostFixture(t)
	crashes := collectEvents(t, b, string(core.EventPluginCrash))

	host.RegisterFactory("bad", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "bad"}, initErr: errors.New("config invalid")}
	})
	host.RegisterFactory("good", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "good"}}
	})

	ctx := context.Background()
	host.Enable(ctx, "bad", nil)
	host.Enable(ctx, "good", nil)

	bad, ok := host.Descriptor("bad")
	require.True(t, ok)
	assert.Equal(t, StateFailed, bad.State)
	assert.ErrorContains(t, bad.Err, "config invalid")

	good, ok := host.Descriptor("good")
	require.True(t, ok)
	assert.Equal(t, StateStarted, good.State)

	assert.Eventually(t, func() bool {
		for _, e := range crashes() {
			if p, ok := e.Payload.(core.PluginCrash); ok && p.PluginID == "bad" && p.Phase == "initialize" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHostMissingDependencyFailsPluginNotHost(t *testing.T) {
	host, _, _ := newHostFixture(t)
	host.RegisterFactory("needy", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "needy", RequiredServices: []string{"no.such.service"}}}
	})

	d := host.Enable(context.Background(), "needy", nil)
	require.NotNil(t, d)
	assert.Equal(t, StateFailed, d.State)
	assert.ErrorIs(t, d.Err, ErrMissingDependency)
}

func TestHostResolvesRequiredServices(t *testing.T) {
	host, _, reg := newHostFixture(t)
	reg.RegisterInstance("greeter", "hello")

	var got any
	host.RegisterFactory("needy", func() Plugin {
		return &capturingPlugin{meta: Metadata{ID: "needy", RequiredServices: []string{"greeter"}}, captured: &got}
	})

	d := host.Enable(context.Background(), "needy", nil)
	assert.Equal(t, StateStarted, d.State)
	assert.Equal(t, "hello", got)
}

type capturingPlugin struct {
	meta     Metadata
	captured *any
}

func (c *capturingPlugin) Metadata() Metadata { return c.meta }
func (c *capturingPlugin) Initialize(_ context.Context, rt *Runtime) error {
	svc, err := rt.Service("greeter")
	if err != nil {
		return err
	}
	*c.captured = svc
	return nil
}
func (c *capturingPlugin) Start(context.Context) error { return nil }
func (c *capturingPlugin) Stop(context.Context) error  { return nil }

func TestHostStopsInReverseStartOrder(t *testing.T) {
	host, _, _ := newHostFixture(t)
	stopped := make(chan string, 3)
	for _, id := range []string{"first", "second", "third"} {
		id := id
		host.RegisterFactory(id, func() Plugin {
			return &fakePlugin{meta: Metadata{ID: id}, stopped: stopped}
		})
	}

	ctx := context.Background()
	host.Enable(ctx, "first", nil)
	host.Enable(ctx, "second", nil)
	host.Enable(ctx, "third", nil)

	host.Stop(ctx)
	close(stopped)

	var order []string
	for id := range stopped {
		order = append(order, id)
	}
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestHostForceReleasesSlowPlugin(t *testing.T) {
	host, _, _ := newHostFixture(t, func(o *HostOptions) {
		o.StopGracePeriod = 30 * time.Millisecond
	})
	host.RegisterFactory("slow", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "slow"}, stopWait: 10 * time.Second}
	})
	host.RegisterFactory("quick", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "quick"}}
	})

	ctx := context.Background()
	host.Enable(ctx, "slow", nil)
	host.Enable(ctx, "quick", nil)

	start := time.Now()
	host.Stop(ctx)
	assert.Less(t, time.Since(start), time.Second, "shutdown must not wait for the slow plugin")

	slow, _ := host.Descriptor("slow")
	assert.Equal(t, StateFailed, slow.State)
	quick, _ := host.Descriptor("quick")
	assert.Equal(t, StateStopped, quick.State)
}

func TestHostDisableAndReEnable(t *testing.T) {
	host, _, _ := newHostFixture(t)
	host.RegisterFactory("toggler", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "toggler"}}
	})

	ctx := context.Background()
	d := host.Enable(ctx, "toggler", map[string]any{"k": "v"})
	require.Equal(t, StateStarted, d.State)

	host.Disable(ctx, "toggler")
	stopped, _ := host.Descriptor("toggler")
	assert.Equal(t, StateStopped, stopped.State)

	// Re-enabling builds a fresh instance and reuses the stored settings.
	d2 := host.Enable(ctx, "toggler", nil)
	assert.Equal(t, StateStarted, d2.State)
	assert.Equal(t, map[string]any{"k": "v"}, d2.settings)
}

func TestHostStartFromManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo.yaml", "plugin: echo\nenabled: true\nsettings:\n  prefix: hi\n")
	writeManifest(t, dir, "off.yaml", "plugin: off\nenabled: false\n")

	host, _, _ := newHostFixture(t, func(o *HostOptions) { o.Dir = dir })
	host.RegisterFactory("echo", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "echo"}}
	})
	host.RegisterFactory("off", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "off"}}
	})

	require.NoError(t, host.Start(context.Background()))
	defer host.Stop(context.Background())

	echo, ok := host.Descriptor("echo")
	require.True(t, ok)
	assert.Equal(t, StateStarted, echo.State)
	assert.Equal(t, map[string]any{"prefix": "hi"}, echo.settings)

	_, ok = host.Descriptor("off")
	assert.False(t, ok, "disabled manifests must not be instantiated")
}

func TestHostWatcherEnablesNewManifest(t *testing.T) {
	dir := t.TempDir()
	host, _, _ := newHostFixture(t, func(o *HostOptions) {
		o.Dir = dir
		o.Watch = true
	})
	host.RegisterFactory("late", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "late"}}
	})

	require.NoError(t, host.Start(context.Background()))
	defer host.Stop(context.Background())

	writeManifest(t, dir, "late.yaml", "plugin: late\nenabled: true\n")

	assert.Eventually(t, func() bool {
		d, ok := host.Descriptor("late")
		return ok && d.State == StateStarted
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDescriptorStateNeverReverses(t *testing.T) {
	d := &Descriptor{ID: "p", State: StateStarted}
	assert.Error(t, d.advance(StateInitialized))
	require.NoError(t, d.advance(StateStopped))
	assert.Error(t, d.advance(StateStarted))
	assert.Error(t, d.advance(StateFailed), "terminal states are final")
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestEnableFailsWhenMetadataDisagreesWithName(t *testing.T) {
	h, b, _ := newHostFixture(t)
	crashes := collectEvents(t, b, string(core.EventPluginCrash))

	h.RegisterFactory("first", func() Plugin {
		return &fakePlugin{meta: Metadata{ID: "something_else", Version: "1.0.0"}}
	})

	d := h.Enable(context.Background(), "first", nil)
	require.NotNil(t, d)
	assert.Equal(t, StateFailed, d.State)
	assert.ErrorContains(t, d.Err, "does not match registered name")

	// The failed descriptor stays addressable under the registration name,
	// so manifest removal and Disable keep working.
	got, ok := h.Descriptor("first")
	require.True(t, ok)
	assert.Equal(t, "first", got.ID)

	assert.Eventually(t, func() bool { return len(crashes()) == 1 }, time.Second, 10*time.Millisecond)
}
