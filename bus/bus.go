package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deskmesh/deskmesh/core"
	"github.com/deskmesh/deskmesh/logging"
)

// Handler processes one event. The context is the bus lifetime context; it
// is cancelled when the bus closes so long-running handlers can bail out.
// Returning an error (or panicking) isolates the failure to this subscriber.
type Handler func(ctx context.Context, event core.Event) error

// Options configures a Bus.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Bus is a typed publish/subscribe channel safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	nextSeq uint64
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logging.Logger
}

// New constructs a Bus ready for use.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{ctx: ctx, cancel: cancel, logger: opts.Logger}
}

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// Priority orders delivery across subscribers for one event; higher runs
	// first. Ties break in subscription order. Default 0.
	Priority int
	// Name labels the subscription in logs and handler-failure events.
	Name string
}

// Subscription is the handle returned by Subscribe, owned by the bus until
// unsubscribed or the bus closes.
type Subscription struct {
	bus      *Bus
	seq      uint64
	pattern  string
	priority int
	name     string
	handler  Handler
	queue    *eventQueue
}

// Pattern returns the event type pattern this subscription matches.
func (s *Subscription) Pattern() string { return s.pattern }

// Subscribe registers a handler for all events matching pattern (an exact
// type or a category wildcard like "tool.*"). The returned handle is passed
// to Unsubscribe for teardown. Subscribing on a closed bus returns a handle
// that will never receive events.
func (b *Bus) Subscribe(pattern string, handler Handler, optFns ...func(o *SubscribeOptions)) *Subscription {
	opts := SubscribeOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:      b,
		seq:      b.nextSeq,
		pattern:  pattern,
		priority: opts.Priority,
		name:     opts.Name,
		handler:  handler,
		queue:    newEventQueue(),
	}
	b.nextSeq++

	if b.closed {
		sub.queue.close()
		return sub
	}

	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go sub.dispatch()
	return sub
}

// Unsubscribe removes a subscription and stops its dispatcher after any
// in-flight handler returns. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.queue.close()
}

// Publish routes the event to every matching subscription. It is
// fire-and-forget: the call returns once the event has been handed to each
// subscriber's queue. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(event core.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	matched := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if event.Type.Matches(s.pattern) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	// Higher priority subscribers get the event handed off first.
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})

	for _, s := range matched {
		s.queue.push(event)
	}
}

// Close cancels the handler context, stops all dispatchers and waits for
// them up to ctx's deadline. A handler that never returns does not block
// Close past the deadline; the dispatcher goroutine is abandoned and the
// overrun reported as an error.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	b.cancel()
	for _, s := range subs {
		s.queue.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.logger.Error("bus close timed out waiting for handlers")
		return fmt.Errorf("bus close: %w", ctx.Err())
	}
}

func (s *Subscription) dispatch() {
	defer s.bus.wg.Done()
	for {
		event, ok := s.queue.pop()
		if !ok {
			return
		}
		s.invoke(event)
	}
}

func (s *Subscription) invoke(event core.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.handlerFailed(s, event, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := s.handler(s.bus.ctx, event); err != nil {
		s.bus.handlerFailed(s, event, err)
	}
}

// handlerFailed records an isolated handler failure. Failures raised while
// handling error.* events are only logged, never republished, so a broken
// error handler cannot feed itself.
func (b *Bus) handlerFailed(sub *Subscription, event core.Event, err error) {
	b.logger.Warn("event handler failed",
		"event_type", string(event.Type), "subscription", sub.label(), "error", err.Error())
	if event.Type.Category() == "error" {
		return
	}
	b.Publish(core.NewCorrelatedEvent(core.EventErrorHandlerFailed, event.CorrelationID, core.HandlerFailed{
		EventType:    event.Type,
		EventID:      event.ID,
		Subscription: sub.label(),
		Error:        err.Error(),
	}))
}

func (s *Subscription) label() string {
	if s.name != "" {
		return s.name
	}
	return fmt.Sprintf("%s#%d", s.pattern, s.seq)
}

// eventQueue is an unbounded FIFO feeding one dispatcher. Unbounded by
// design: Publish must never block behind a slow subscriber.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []core.Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(e core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, e)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue closes. Remaining items
// after close are discarded.
func (q *eventQueue) pop() (core.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return core.Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
