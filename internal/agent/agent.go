// Package agent implements the tool-use interception and recursive
// continuation loop (spec §4.F): it watches a provider's Anthropic-shaped
// stream for tool_use blocks, executes the matching local tool handlers,
// and recursively re-enters the router with the tool results appended so
// the same client connection keeps receiving one continuous stream.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mihaisavezi/claude-code-open/internal/jsonlenient"
	"github.com/mihaisavezi/claude-code-open/internal/sse"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
)

// DefaultMaxToolRounds bounds continuation recursion depth (spec §4.F).
const DefaultMaxToolRounds = 8

// ToolHandler executes one tool call and returns its result (any JSON-
// marshalable value) or an error.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Registry is the name -> ToolHandler map the loop consults to decide
// whether a tool_use block belongs to a local agent tool (and should be
// intercepted) or should simply pass through to the client untouched.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ToolHandler)}
}

// Register binds name to handler, replacing any existing binding.
func (r *Registry) Register(name string, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Lookup returns the handler bound to name, if any.
func (r *Registry) Lookup(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]

	return h, ok
}

// Continuer is the narrow dependency the loop needs on the router to issue
// the recursive in-process continuation request (spec §9 decision 1: a
// direct in-process callable, not a loopback HTTP request). internal/router's
// Router satisfies this.
type Continuer interface {
	Continue(ctx context.Context, body []byte) (*http.Response, transform.Chain, error)
}

// pendingCall tracks one in-flight tool_use block being captured or executed.
type pendingCall struct {
	index   int
	id      string
	name    string
	argsBuf string
}

// toolResult is one completed tool call's outcome, either a result or an
// error. Results are collected in completion order; the continuation builds
// its tool_use and tool_result blocks from the same slice, so the two stay
// paired.
type toolResult struct {
	id     string
	name   string
	args   map[string]any
	result any
	err    error
}

// Loop drives one client stream's tool-use interception and continuation.
// A new Loop is created per streaming request.
type Loop struct {
	tools         *Registry
	continuer     Continuer
	logger        *slog.Logger
	maxToolRounds int

	mu      sync.Mutex
	pending map[int]*pendingCall
	results []toolResult
	eg      *errgroup.Group
}

// NewLoop builds a Loop. maxToolRounds <= 0 uses DefaultMaxToolRounds.
func NewLoop(tools *Registry, continuer Continuer, logger *slog.Logger, maxToolRounds int) *Loop {
	if maxToolRounds <= 0 {
		maxToolRounds = DefaultMaxToolRounds
	}

	return &Loop{
		tools:         tools,
		continuer:     continuer,
		logger:        logger,
		maxToolRounds: maxToolRounds,
		pending:       make(map[int]*pendingCall),
		eg:            &errgroup.Group{},
	}
}

// Run processes requestBody's stream of upstream events (as delivered by
// next) against sink, intercepting tool_use blocks, launching tool
// handlers, and recursing into a continuation request when a turn's tool
// calls have all resolved. round is this call's recursion depth (0 for the
// client's original request).
func (l *Loop) Run(ctx context.Context, requestBody []byte, round int, next func() (sse.Event, bool, error), sink *sse.Rewriter) error {
	return sink.Run(ctx, next, func(ctx context.Context, ev sse.Event, s sse.Sink) (sse.Event, bool, error) {
		data, isJSON := ev.DataJSON()
		if !isJSON {
			return ev, true, nil
		}

		switch ev.Event {
		case "content_block_start":
			l.handleBlockStart(data)
		case "content_block_delta":
			l.handleBlockDelta(data)
		case "content_block_stop":
			l.handleBlockStop(ctx, data, s)
		case "message_delta":
			l.maybeContinue(ctx, requestBody, round, s)
		}

		return ev, true, nil
	})
}

func (l *Loop) handleBlockStart(data map[string]any) {
	block, ok := data["content_block"].(map[string]any)
	if !ok {
		return
	}

	if t, _ := block["type"].(string); t != "tool_use" {
		return
	}

	name, _ := block["name"].(string)
	if _, ok := l.tools.Lookup(name); !ok {
		return
	}

	idx := toInt(data["index"])
	id, _ := block["id"].(string)

	l.mu.Lock()
	l.pending[idx] = &pendingCall{index: idx, id: id, name: name}
	l.mu.Unlock()
}

func (l *Loop) handleBlockDelta(data map[string]any) {
	idx := toInt(data["index"])

	delta, ok := data["delta"].(map[string]any)
	if !ok {
		return
	}

	if t, _ := delta["type"].(string); t != "input_json_delta" {
		return
	}

	partial, _ := delta["partial_json"].(string)

	l.mu.Lock()
	defer l.mu.Unlock()

	if call, ok := l.pending[idx]; ok {
		call.argsBuf += partial
	}
}

func (l *Loop) handleBlockStop(ctx context.Context, data map[string]any, sink sse.Sink) {
	idx := toInt(data["index"])

	l.mu.Lock()
	call, ok := l.pending[idx]

	if ok {
		delete(l.pending, idx)
	}

	l.mu.Unlock()

	if !ok {
		return
	}

	var args map[string]any
	if call.argsBuf != "" {
		if err := jsonlenient.Unmarshal(call.argsBuf, &args); err != nil {
			l.logger.Warn("failed to parse tool arguments", "tool", call.name, "error", err)
			args = map[string]any{}
		}
	}

	handler, ok := l.tools.Lookup(call.name)
	if !ok {
		return
	}

	l.eg.Go(func() error {
		result, err := handler(ctx, args)

		l.mu.Lock()
		l.results = append(l.results, toolResult{id: call.id, name: call.name, args: args, result: result, err: err})
		l.mu.Unlock()

		if err != nil {
			sink.Enqueue(sse.Event{Event: "tool:error", Data: map[string]any{
				"tool_use_id": call.id, "tool_name": call.name, "index": call.index, "error": err.Error(),
			}, HasData: true})
		} else {
			sink.Enqueue(sse.Event{Event: "tool:result", Data: map[string]any{
				"tool_use_id": call.id, "tool_name": call.name, "index": call.index, "result": result,
			}, HasData: true})
		}

		// Tool failures are reported as tool:error events, not propagated to
		// errgroup, so one failing tool never cancels its siblings.
		return nil
	})
}

// maybeContinue waits for in-flight tool calls, and if any results are
// ready, issues the recursive continuation request (spec §4.F). Blocking
// here is intentional: the spec requires the continuation to wait for every
// outstanding tool call from this turn before recursing.
func (l *Loop) maybeContinue(ctx context.Context, requestBody []byte, round int, sink sse.Sink) {
	_ = l.eg.Wait()
	l.eg = &errgroup.Group{}

	l.mu.Lock()
	results := l.results
	l.results = nil
	l.mu.Unlock()

	if len(results) == 0 {
		return
	}

	if round >= l.maxToolRounds {
		sink.Enqueue(sse.Event{Event: "tool:continue_error", Data: map[string]any{
			"error": "max_tool_rounds exceeded",
		}, HasData: true})

		return
	}

	continuation, err := buildContinuationBody(requestBody, results)
	if err != nil {
		l.logger.Error("failed to build continuation body", "error", err)
		sink.Enqueue(sse.Event{Event: "tool:continue_error", Data: map[string]any{"error": err.Error()}, HasData: true})

		return
	}

	resp, chain, err := l.continuer.Continue(ctx, continuation)
	if err != nil {
		sink.Enqueue(sse.Event{Event: "tool:continue_error", Data: map[string]any{"error": err.Error()}, HasData: true})

		return
	}

	defer resp.Body.Close()

	l.pumpContinuation(ctx, resp, chain, round+1, requestBody, sink)
}

// pumpContinuation re-parses the continuation's SSE body through its own
// transformer chain and forwards every event except message_start/
// message_stop (suppressed per spec §4.F), recursing through another Loop
// for that round so nested tool calls keep working, and finally emits
// tool:continue_complete.
func (l *Loop) pumpContinuation(ctx context.Context, resp *http.Response, chain transform.Chain, round int, requestBody []byte, sink sse.Sink) {
	parser := sse.NewParser(resp.Body)
	state := transform.NewStreamState()

	nested := NewLoop(l.tools, l.continuer, l.logger, l.maxToolRounds)
	next := chain.NewEventPump(parser, state)

	out := sse.NewRewriter(16)

	go func() {
		_ = nested.Run(ctx, requestBody, round, next, out)
	}()

	for ev := range out.Out {
		if ev.Event == "message_start" || ev.Event == "message_stop" {
			continue
		}

		sink.Enqueue(ev)
	}

	sink.Enqueue(sse.Event{Event: "tool:continue_complete", Data: map[string]any{"round": round}, HasData: true})
}

// buildContinuationBody deep-clones requestBody and appends the assistant's
// tool_use turn and the corresponding tool_result user turn, marking the
// request as an internal continuation (spec §4.F steps 1-3).
func buildContinuationBody(requestBody []byte, results []toolResult) ([]byte, error) {
	var parsed map[string]any
	if err := json.Unmarshal(requestBody, &parsed); err != nil {
		return nil, err
	}

	messages, _ := parsed["messages"].([]any)

	var toolUseBlocks []any

	var toolResultBlocks []any

	for _, r := range results {
		input := r.args
		if input == nil {
			input = map[string]any{}
		}

		toolUseBlocks = append(toolUseBlocks, map[string]any{
			"type": "tool_use", "id": r.id, "name": r.name, "input": input,
		})

		if r.err != nil {
			toolResultBlocks = append(toolResultBlocks, map[string]any{
				"type": "tool_result", "tool_use_id": r.id, "content": r.err.Error(), "is_error": true,
			})
		} else {
			toolResultBlocks = append(toolResultBlocks, map[string]any{
				"type": "tool_result", "tool_use_id": r.id, "content": r.result,
			})
		}
	}

	messages = append(messages, map[string]any{"role": "assistant", "content": toolUseBlocks})
	messages = append(messages, map[string]any{"role": "user", "content": toolResultBlocks})

	parsed["messages"] = messages
	parsed["_internalToolContinue"] = true
	parsed["stream"] = true

	return json.Marshal(parsed)
}

func toInt(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}

	return 0
}
