package sse

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed marks the one handler error kind the rewriter recovers
// from per spec §4.B; every other handler error propagates and tears the
// stream down.
var ErrStreamClosed = errors.New("sse: stream-prematurely-closed")

// Sink lets a Handler enqueue synthesized events out of band (tool:result,
// tool:error, error, ...) in addition to whatever it returns for the
// triggering event.
type Sink interface {
	// Enqueue pushes ev to the downstream. If the downstream has already
	// closed, Enqueue is a silent no-op (the "safeEnqueue" discipline from
	// spec §4.F).
	Enqueue(ev Event)
}

// Handler processes one incoming Event and optionally returns a
// (possibly different) event to forward. Returning ok=false drops the event.
type Handler func(ctx context.Context, ev Event, sink Sink) (out Event, ok bool, err error)

// Rewriter drives a Handler over a sequence of incoming Events, forwarding
// handler output and any sink-enqueued events to Out, in forwarding order.
// Out is bounded (back-pressure): when full, Rewriter suspends rather than
// drop events.
type Rewriter struct {
	Out chan Event

	mu     sync.Mutex
	closed bool
}

// NewRewriter creates a Rewriter with the given output buffer depth.
func NewRewriter(bufferDepth int) *Rewriter {
	return &Rewriter{Out: make(chan Event, bufferDepth)}
}

// Close marks the downstream closed; further Enqueue calls are no-ops.
// Idempotent, per spec §4.B.
func (r *Rewriter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.closed = true
	close(r.Out)
}

// Enqueue implements Sink.
func (r *Rewriter) Enqueue(ev Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// Best-effort send: if Close races this, recover from the panic on a
	// closed channel rather than propagate it into caller goroutines.
	defer func() { _ = recover() }()
	r.Out <- ev
}

// Run reads Events from next until it returns io.EOF-equivalent (ok=false),
// invoking handler per event and forwarding its output, until ctx is
// cancelled or the source is exhausted. Run closes Out before returning.
func (r *Rewriter) Run(ctx context.Context, next func() (Event, bool, error), handler Handler) error {
	defer r.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, ok, err := next()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		out, forward, err := handler(ctx, ev, r)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				return nil
			}

			return err
		}

		if forward {
			r.Enqueue(out)
		}
	}
}
