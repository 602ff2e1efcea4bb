package analytics

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
)

// MonitorOptions configure a Monitor.
type MonitorOptions struct {
	// ThresholdCount is how many occurrences of one pattern within Window
	// count as recurring. Default 5.
	ThresholdCount int
	// Window is the sliding analysis span. Default 1h.
	Window time.Duration
	// Cooldown mutes a pattern after it has been reported. Default 24h.
	Cooldown time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Monitor watches error.* and api.error events and reports recurring
// patterns as notification.error events.
type Monitor struct {
	bus       *bus.Bus
	threshold int
	window    time.Duration
	cooldown  time.Duration
	logger    logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	patterns map[string]*patternRecord
	subs     []*bus.Subscription
}

// patternRecord accumulates sightings of one pattern. The sample describes
// the first occurrence, matching what a report should show.
type patternRecord struct {
	seen         []time.Time
	lastReported time.Time
	sample       string
}

// NewMonitor builds a Monitor over the bus. Nothing runs until Start.
func NewMonitor(b *bus.Bus, optFns ...func(o *MonitorOptions)) *Monitor {
	opts := MonitorOptions{
		ThresholdCount: 5,
		Window:         time.Hour,
		Cooldown:       24 * time.Hour,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Monitor{
		bus:       b,
		threshold: opts.ThresholdCount,
		window:    opts.Window,
		cooldown:  opts.Cooldown,
		logger:    opts.Logger,
		now:       time.Now,
		patterns:  make(map[string]*patternRecord),
	}
}

// Start subscribes the monitor to its event feeds.
func (m *Monitor) Start() {
	name := func(o *bus.SubscribeOptions) { o.Name = "analytics.monitor" }
	m.subs = []*bus.Subscription{
		m.bus.Subscribe("error.*", m.onEvent, name),
		m.bus.Subscribe(string(core.EventAPIError), m.onEvent, name),
	}
}

// Close unsubscribes the monitor.
func (m *Monitor) Close() {
	for _, sub := range m.subs {
		m.bus.Unsubscribe(sub)
	}
	m.subs = nil
}

// PatternCount reports how many distinct patterns are being tracked.
func (m *Monitor) PatternCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patterns)
}

func (m *Monitor) onEvent(_ context.Context, event core.Event) error {
	key, sample := identifyPattern(event)
	now := m.now()

	m.mu.Lock()
	rec := m.patterns[key]
	if rec == nil {
		rec = &patternRecord{sample: sample}
		m.patterns[key] = rec
	}
	rec.seen = append(rec.seen, now)

	// Slide the window.
	cutoff := now.Add(-m.window)
	kept := rec.seen[:0]
	for _, t := range rec.seen {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.seen = kept

	recurring := len(rec.seen) >= m.threshold
	muted := now.Sub(rec.lastReported) < m.cooldown
	var report *core.Notification
	if recurring && !muted {
		rec.lastReported = now
		report = &core.Notification{
			Title: "recurring error",
			Message: fmt.Sprintf("%s occurred %d times in the last %s (pattern %s)",
				rec.sample, len(rec.seen), m.window, key),
		}
	}
	m.mu.Unlock()

	if report != nil {
		m.logger.Warn("recurring error pattern detected",
			"pattern", key, "count", m.threshold, "window", m.window.String())
		m.bus.Publish(core.NewCorrelatedEvent(core.EventNotificationError, event.CorrelationID, *report))
	}
	return nil
}

// identifyPattern derives a stable key from the parts of a failure that
// repeat, leaving out the parts that vary per occurrence (ids, timestamps,
// message details). The human-readable sample accompanies the first report.
func identifyPattern(event core.Event) (string, string) {
	var base, sample string
	switch p := event.Payload.(type) {
	case core.HandlerFailed:
		base = fmt.Sprintf("handler_failed:%s:%s", p.Subscription, p.EventType)
		sample = fmt.Sprintf("handler %q failing on %s", p.Subscription, p.EventType)
	case core.APIError:
		base = fmt.Sprintf("api_error:%s:%s", p.Provider, p.Kind)
		sample = fmt.Sprintf("provider %s failing with %s", p.Provider, p.Kind)
	default:
		base = string(event.Type)
		sample = fmt.Sprintf("repeated %s events", event.Type)
	}

	h := fnv.New32a()
	h.Write([]byte(base))
	return fmt.Sprintf("%08x", h.Sum32()), sample
}
