package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
)

func apiErrorEvent(provider, kind string) core.Event {
	return core.NewEvent(core.EventAPIError, core.APIError{
		Provider: provider,
		Kind:     kind,
		Message:  "boom",
	})
}

func newTestMonitor(t *testing.T, optFns ...func(o *MonitorOptions)) (*Monitor, *bus.Bus, chan core.Notification) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close(context.Background()) })

	reports := make(chan core.Notification, 8)
	b.Subscribe(string(core.EventNotificationError), func(_ context.Context, e core.Event) error {
		if n, ok := e.Payload.(core.Notification); ok {
			reports <- n
		}
		return nil
	})

	m := NewMonitor(b, optFns...)
	return m, b, reports
}

func waitReport(t *testing.T, reports chan core.Notification) core.Notification {
	t.Helper()
	select {
	case n := <-reports:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no recurring-error report arrived")
		return core.Notification{}
	}
}

func assertNoReport(t *testing.T, reports chan core.Notification) {
	t.Helper()
	select {
	case n := <-reports:
		t.Fatalf("unexpected report: %s", n.Message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecurringPatternReportedOnce(t *testing.T) {
	m, _, reports := newTestMonitor(t, func(o *MonitorOptions) { o.ThresholdCount = 3 })

	for i := 0; i < 3; i++ {
		require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "rate_limited")))
	}

	n := waitReport(t, reports)
	assert.Contains(t, n.Message, "openai")
	assert.Contains(t, n.Message, "3 times")

	// Further occurrences inside the cooldown stay muted.
	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "rate_limited")))
	assertNoReport(t, reports)
}

func TestBelowThresholdStaysSilent(t *testing.T) {
	m, _, reports := newTestMonitor(t, func(o *MonitorOptions) { o.ThresholdCount = 5 })

	for i := 0; i < 4; i++ {
		require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	}
	assertNoReport(t, reports)
	assert.Equal(t, 1, m.PatternCount())
}

func TestDistinctPatternsCountSeparately(t *testing.T) {
	m, _, reports := newTestMonitor(t, func(o *MonitorOptions) { o.ThresholdCount = 3 })

	for i := 0; i < 2; i++ {
		require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "rate_limited")))
		require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("anthropic", "auth")))
	}
	assertNoReport(t, reports)
	assert.Equal(t, 2, m.PatternCount())
}

func TestCooldownExpiryAllowsNewReport(t *testing.T) {
	m, _, reports := newTestMonitor(t, func(o *MonitorOptions) {
		o.ThresholdCount = 2
		o.Cooldown = time.Hour
	})

	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	waitReport(t, reports)

	// Still muted just before the cooldown elapses.
	clock = clock.Add(30 * time.Minute)
	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	assertNoReport(t, reports)

	clock = clock.Add(31 * time.Minute)
	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	waitReport(t, reports)
}

func TestOldSightingsSlideOutOfWindow(t *testing.T) {
	m, _, reports := newTestMonitor(t, func(o *MonitorOptions) {
		o.ThresholdCount = 3
		o.Window = time.Minute
	})

	clock := time.Now()
	m.now = func() time.Time { return clock }

	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))

	// The first two sightings age out before the third arrives.
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, m.onEvent(context.Background(), apiErrorEvent("openai", "network")))
	assertNoReport(t, reports)
}

func TestHandlerFailuresReportedOverBus(t *testing.T) {
	m, b, reports := newTestMonitor(t, func(o *MonitorOptions) { o.ThresholdCount = 2 })
	m.Start()
	defer m.Close()

	for i := 0; i < 2; i++ {
		b.Publish(core.NewEvent(core.EventErrorHandlerFailed, core.HandlerFailed{
			EventType:    core.EventUIQueryReceived,
			Subscription: "broken.plugin",
			Error:        "nil deref",
		}))
	}

	n := waitReport(t, reports)
	assert.Contains(t, n.Message, "broken.plugin")
}
