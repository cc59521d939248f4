package transform

import (
	"fmt"
	"sync"

	"github.com/mihaisavezi/claude-code-open/internal/sse"
)

// HTTPRequest is the outgoing request descriptor a transformer's
// RewriteHTTP hook may mutate (or replace wholesale, short-circuiting the
// rest of the chain per spec §4.D).
type HTTPRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Transformer is modeled as a tagged union of four optional hooks (spec
// §9's "dynamic transformer capabilities" note), not a duck-typed object:
// a transformer may implement any subset, and a nil hook is simply skipped
// by the Chain.
type Transformer struct {
	Name string

	// RewriteBody rewrites the outgoing Anthropic-shaped JSON body into the
	// provider's wire format.
	RewriteBody func(body []byte) ([]byte, error)

	// RewriteHTTP adjusts method/url/headers/body after RewriteBody has run.
	// Returning a non-nil *HTTPRequest other than req replaces req entirely
	// and ends the chain; returning req itself (or nil) continues it.
	RewriteHTTP func(req *HTTPRequest) (*HTTPRequest, error)

	// TransformResponse converts a full, non-stream upstream response body
	// into Anthropic-shaped JSON.
	TransformResponse func(body []byte) ([]byte, error)

	// TransformStream converts one decoded upstream SSE data payload into
	// zero or more Anthropic-shaped SSE events, accumulating cross-chunk
	// state in state.
	TransformStream func(data any, state *StreamState) ([]sse.Event, error)
}

// Chain is an ordered list of Transformers bound to one request, built by
// concatenating a provider's global `use` list with its per-model list
// (spec §3 Transformer binding / §4.D).
type Chain struct {
	transformers []*Transformer
}

// NewChain builds a Chain from ts in array order.
func NewChain(ts ...*Transformer) Chain {
	return Chain{transformers: ts}
}

// Empty reports whether the chain has no transformers (the identity chain).
func (c Chain) Empty() bool {
	return len(c.transformers) == 0
}

// RewriteOutgoing applies RewriteBody hooks in array order, then RewriteHTTP
// hooks in array order, over req. A transformer without a given hook is
// skipped. A RewriteHTTP hook that returns a new descriptor short-circuits:
// that descriptor is returned and no later RewriteHTTP hook runs. Per spec
// §4.D, a thrown error aborts with transformer-error and no further hook
// runs.
func (c Chain) RewriteOutgoing(req *HTTPRequest) (*HTTPRequest, error) {
	for _, t := range c.transformers {
		if t.RewriteBody == nil {
			continue
		}

		body, err := t.RewriteBody(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transformer %q rewrite body: %w", t.Name, err)
		}

		req.Body = body
	}

	for _, t := range c.transformers {
		if t.RewriteHTTP == nil {
			continue
		}

		next, err := t.RewriteHTTP(req)
		if err != nil {
			return nil, fmt.Errorf("transformer %q rewrite http: %w", t.Name, err)
		}

		if next != nil && next != req {
			return next, nil
		}
	}

	return req, nil
}

// TransformIncomingBody applies TransformResponse hooks in REVERSE array
// order (spec §4.D's symmetric composition property) over a non-stream
// response body.
func (c Chain) TransformIncomingBody(body []byte) ([]byte, error) {
	for i := len(c.transformers) - 1; i >= 0; i-- {
		t := c.transformers[i]
		if t.TransformResponse == nil {
			continue
		}

		out, err := t.TransformResponse(body)
		if err != nil {
			return nil, fmt.Errorf("transformer %q transform response: %w", t.Name, err)
		}

		body = out
	}

	return body, nil
}

// TransformIncomingStream applies TransformStream hooks in reverse array
// order over one decoded upstream chunk, threading state through. Because
// each hook may fan one upstream chunk out into multiple Anthropic events,
// later (in reverse order) hooks run over the first hook's entire output
// set, data-value by data-value is not well-defined past the first stage —
// in practice exactly one built-in transformer in the chain implements
// TransformStream (the active provider adapter); others are identity here.
func (c Chain) TransformIncomingStream(data any, state *StreamState) ([]sse.Event, error) {
	events := []sse.Event{{Data: data, HasData: true}}

	for i := len(c.transformers) - 1; i >= 0; i-- {
		t := c.transformers[i]
		if t.TransformStream == nil {
			continue
		}

		var next []sse.Event

		for _, ev := range events {
			out, err := t.TransformStream(ev.Data, state)
			if err != nil {
				return nil, fmt.Errorf("transformer %q transform stream: %w", t.Name, err)
			}

			next = append(next, out...)
		}

		events = next
	}

	return events, nil
}

// NewEventPump wraps parser in a next func suitable for sse.Rewriter.Run (and
// agent.Loop.Run): each upstream frame may fan out into multiple Anthropic
// events via TransformIncomingStream, but Run's next contract dispenses one
// event per call, so the extra events from one frame are buffered and handed
// out on subsequent calls rather than dropped.
func (c Chain) NewEventPump(parser *sse.Parser, state *StreamState) func() (sse.Event, bool, error) {
	var buffered []sse.Event

	return func() (sse.Event, bool, error) {
		if len(buffered) > 0 {
			ev := buffered[0]
			buffered = buffered[1:]

			return ev, true, nil
		}

		ev, err := parser.Next()
		if err != nil {
			return sse.Event{}, false, nil
		}

		if !ev.HasData {
			return ev, true, nil
		}

		events, terr := c.TransformIncomingStream(ev.Data, state)
		if terr != nil || len(events) == 0 {
			return ev, true, nil
		}

		buffered = events[1:]

		return events[0], true, nil
	}
}

// Registry is the process-wide name -> Transformer factory map (spec §4.D).
// Factories are registered at startup and on config reload; Build produces
// the closed-over Transformer value for one provider (optionally
// parameterized by per-model options).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(options map[string]any) (*Transformer, error)
}

// NewRegistry returns a Registry pre-populated with the built-in
// transformers (anthropic/openai/gemini/openrouter/nvidia).
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]func(map[string]any) (*Transformer, error))}
	registerBuiltins(r)

	return r
}

// Register adds or replaces a named transformer factory.
func (r *Registry) Register(name string, factory func(options map[string]any) (*Transformer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs the named transformer with the given per-model options.
func (r *Registry) Build(name string, options map[string]any) (*Transformer, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("transform: unknown transformer %q", name)
	}

	return factory(options)
}

// Names lists every registered transformer name, for the admin
// `/api/transformers` endpoint.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// Use is one entry of a transformer binding's `use` list: a name plus its
// optional per-model options (spec §3).
type Use struct {
	Name    string
	Options map[string]any
}

// BuildChain builds the Chain for one request by concatenating the
// provider-global `use` list with the model-specific one, per spec §4.D.
func (r *Registry) BuildChain(global []Use, perModel []Use) (Chain, error) {
	all := make([]Use, 0, len(global)+len(perModel))
	all = append(all, global...)
	all = append(all, perModel...)

	ts := make([]*Transformer, 0, len(all))

	for _, u := range all {
		t, err := r.Build(u.Name, u.Options)
		if err != nil {
			return Chain{}, err
		}

		ts = append(ts, t)
	}

	return NewChain(ts...), nil
}
