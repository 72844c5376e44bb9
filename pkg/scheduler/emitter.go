package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandworks/strand/pkg/event"
	"github.com/strandworks/strand/pkg/eventbus"
)

// batchEmitter implements the runner's emitter on the event bus.
//
// Token events are broadcast to live subscribers immediately and
// buffered for batch persistence; any other event first flushes the
// token buffer so the persisted log keeps append order, then is
// persisted and broadcast in one Append. A full buffer
// (TokenEventBatchSize) flushes on its own.
type batchEmitter struct {
	ctx   context.Context
	bus   eventbus.Bus
	runID string

	mu     sync.Mutex
	tokens []*event.Event
}

func newBatchEmitter(ctx context.Context, bus eventbus.Bus, runID string) *batchEmitter {
	return &batchEmitter{
		ctx:    ctx,
		bus:    bus,
		runID:  runID,
		tokens: make([]*event.Event, 0, eventbus.TokenEventBatchSize),
	}
}

func (e *batchEmitter) Emit(ev *event.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Type == event.TypeLLMToken {
		e.bus.BroadcastToRun(e.runID, ev)
		e.tokens = append(e.tokens, ev)
		if len(e.tokens) >= eventbus.TokenEventBatchSize {
			e.flushLocked()
		}
		return
	}

	e.flushLocked()
	if err := e.bus.Append(e.ctx, ev); err != nil {
		slog.Error("Failed to persist event",
			"run_id", e.runID, "type", ev.Type, "error", err)
	}
}

// Flush persists any buffered token events.
func (e *batchEmitter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *batchEmitter) flushLocked() error {
	if len(e.tokens) == 0 {
		return nil
	}
	batch := e.tokens
	e.tokens = make([]*event.Event, 0, eventbus.TokenEventBatchSize)

	if err := e.bus.AppendBatch(e.ctx, batch); err != nil {
		slog.Error("Failed to persist token batch",
			"run_id", e.runID, "count", len(batch), "error", err)
		return err
	}
	return nil
}
