// Package bus implements deskmesh's process-wide typed publish/subscribe
// event bus. Every cross-component interaction flows through it.
//
// Dispatch model:
//
//   - Publish hands the event to each matching subscription's ordered queue
//     and returns; it never waits for handler completion.
//   - Each subscription owns a dedicated dispatcher goroutine draining its
//     queue, so one subscriber observes events strictly in publish order
//     (FIFO per subscriber) while different subscribers run concurrently.
//   - For a single event, higher-priority subscriptions are enqueued first.
//     Priority never lets a later event overtake an earlier one for the same
//     subscriber.
//   - A handler that returns an error or panics is isolated: the failure is
//     captured and republished as an error.handler_failed event without
//     stopping delivery to other subscribers.
//
// Publish snapshots the subscription list, so subscribe/unsubscribe never
// block behind slow or stuck handlers. Unsubscribe is idempotent.
package bus
