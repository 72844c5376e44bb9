// Package eventbus persists run events to a durable append log and fans
// them out to live subscribers.
//
// The persisted log is the source of truth: subscribers see events in
// append order, but a slow subscriber may be dropped under backpressure
// and must catch up by polling List with a cursor. Broadcast-only events
// (per-token streaming) are never persisted individually; the scheduler
// flushes them in batches.
package eventbus

import (
	"context"
	"fmt"

	"github.com/strandworks/strand/pkg/event"
)

// TokenEventBatchSize is the number of llm.token events the scheduler
// buffers before flushing a persisted batch. Tuning constant, not a
// contract: the only invariant is durability before the enclosing
// step.completed is persisted.
const TokenEventBatchSize = 24

// Subscription is a live event feed for a single run. Events arrive in
// append order. The channel is closed on Unsubscribe or bus shutdown.
type Subscription struct {
	C           <-chan *event.Event
	unsubscribe func()
}

// Unsubscribe detaches the subscriber and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Bus is the event persistence and fan-out contract.
type Bus interface {
	// Append durably stores an event and delivers it to live
	// subscribers. Subsequent readers observe appended events in
	// append order.
	Append(ctx context.Context, ev *event.Event) error

	// AppendBatch stores a burst of events atomically in order. Used to
	// flush buffered token events.
	AppendBatch(ctx context.Context, evs []*event.Event) error

	// List returns up to limit persisted events with Seq > cursor, plus
	// the cursor for the next page, or nil when the page is not full.
	List(ctx context.Context, runID string, cursor int64, limit int) ([]*event.Event, *int64, error)

	// Subscribe attaches a live feed for events appended after the call.
	// History is not replayed; late subscribers poll List first.
	Subscribe(runID string) *Subscription

	// BroadcastToRun pushes an event to live subscribers without
	// persisting it. Used for transient llm.token events.
	BroadcastToRun(runID string, ev *event.Event)

	// Close shuts the bus down, closing all subscriber channels.
	Close() error
}

// BusError is the component-scoped error for event bus failures.
type BusError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *BusError) Unwrap() error { return e.Err }

func newBusError(action, message string, err error) *BusError {
	return &BusError{Component: "EventBus", Action: action, Message: message, Err: err}
}
