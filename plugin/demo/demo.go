// Package demo contains a minimal echo plugin used by the examples and as a
// template for writing real plugins.
package demo

import (
	"context"
	"fmt"

	"github.com/deskmesh/deskmesh/bus"
	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/plugin"
)

// Plugin echoes every user query back as a notification.info event. It
// exercises the full lifecycle without touching any external resource.
type Plugin struct {
	prefix string
	sub    *bus.Subscription
	rt     *plugin.Runtime
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the echo plugin.
func New() plugin.Plugin { return &Plugin{} }

// Metadata implements plugin.Plugin.
func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: "demo_echo", Version: "1.0.0"}
}

// Initialize implements plugin.Plugin.
func (p *Plugin) Initialize(_ context.Context, rt *plugin.Runtime) error {
	p.rt = rt
	p.prefix = "echo"
	if v, ok := rt.Settings["prefix"].(string); ok && v != "" {
		p.prefix = v
	}
	return nil
}

// Start implements plugin.Plugin.
func (p *Plugin) Start(_ context.Context) error {
	p.sub = p.rt.Bus.Subscribe(string(core.EventUIQueryReceived), p.onQuery, func(o *bus.SubscribeOptions) {
		o.Name = "demo_echo"
	})
	return nil
}

// Stop implements plugin.Plugin.
func (p *Plugin) Stop(_ context.Context) error {
	if p.sub != nil {
		p.rt.Bus.Unsubscribe(p.sub)
	}
	return nil
}

func (p *Plugin) onQuery(_ context.Context, event core.Event) error {
	query, ok := event.Payload.(core.QueryReceived)
	if !ok {
		return nil
	}
	p.rt.Bus.Publish(core.NewCorrelatedEvent(core.EventNotificationInfo, event.CorrelationID, core.Notification{
		Title:   p.prefix,
		Message: fmt.Sprintf("%s: %s", p.prefix, query.Text),
	}))
	return nil
}
