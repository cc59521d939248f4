package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/sse"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryRegisterLookup(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Lookup("weather")
	assert.False(t, ok)

	r.Register("weather", func(ctx context.Context, args map[string]any) (any, error) {
		return "sunny", nil
	})

	h, ok := r.Lookup("weather")
	require.True(t, ok)

	result, err := h(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, "sunny", result)
}

func TestBuildContinuationBody(t *testing.T) {
	original := []byte(`{"model":"claude-3-5-sonnet","messages":[{"role":"user","content":"hi"}]}`)

	body, err := buildContinuationBody(original, []toolResult{
		{id: "tool_1", name: "weather", result: "sunny"},
		{id: "tool_2", name: "broken", err: fmt.Errorf("boom")},
	})
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))

	assert.Equal(t, true, parsed["_internalToolContinue"])
	assert.Equal(t, true, parsed["stream"])

	messages, ok := parsed["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)

	assistantTurn, ok := messages[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "assistant", assistantTurn["role"])

	userTurn, ok := messages[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", userTurn["role"])

	resultBlocks, ok := userTurn["content"].([]any)
	require.True(t, ok)
	require.Len(t, resultBlocks, 2)

	errBlock, ok := resultBlocks[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, errBlock["is_error"])
}

// fakeContinuer returns a single canned SSE response for every Continue
// call, recording the request bodies it was given.
type fakeContinuer struct {
	bodies [][]byte
	frames []string
}

func (f *fakeContinuer) Continue(ctx context.Context, body []byte) (*http.Response, transform.Chain, error) {
	f.bodies = append(f.bodies, body)

	raw := ""
	for _, frame := range f.frames {
		raw += frame
	}

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(newStringReader(raw)),
		Header:     http.Header{},
	}

	return resp, transform.Chain{}, nil
}

type stringReader struct {
	s   string
	pos int
}

func newStringReader(s string) *stringReader { return &stringReader{s: s} }

func (r *stringReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}

	n := copy(p, r.s[r.pos:])
	r.pos += n

	return n, nil
}

func TestLoopInterceptsToolUseAndContinues(t *testing.T) {
	tools := NewRegistry()
	tools.Register("get_weather", func(ctx context.Context, args map[string]any) (any, error) {
		return "72F and sunny", nil
	})

	continuer := &fakeContinuer{
		frames: []string{
			"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n",
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		},
	}

	loop := NewLoop(tools, continuer, testLogger(), 4)

	events := []sse.Event{
		{Event: "content_block_start", Data: map[string]any{
			"type": "content_block_start", "index": float64(0),
			"content_block": map[string]any{"type": "tool_use", "id": "toolu_1", "name": "get_weather"},
		}, HasData: true},
		{Event: "content_block_delta", Data: map[string]any{
			"type": "content_block_delta", "index": float64(0),
			"delta": map[string]any{"type": "input_json_delta", "partial_json": `{"city":"nyc"}`},
		}, HasData: true},
		{Event: "content_block_stop", Data: map[string]any{"type": "content_block_stop", "index": float64(0)}, HasData: true},
		{Event: "message_delta", Data: map[string]any{"type": "message_delta"}, HasData: true},
	}

	i := 0
	next := func() (sse.Event, bool, error) {
		if i >= len(events) {
			return sse.Event{}, false, nil
		}

		ev := events[i]
		i++

		return ev, true, nil
	}

	out := sse.NewRewriter(32)

	go func() {
		_ = loop.Run(context.Background(), []byte(`{"model":"claude-3-5-sonnet","messages":[]}`), 0, next, out)
	}()

	var seen []string
	for ev := range out.Out {
		seen = append(seen, ev.Event)
	}

	assert.Contains(t, seen, "tool:result")
	assert.Contains(t, seen, "tool:continue_complete")
	assert.Len(t, continuer.bodies, 1)
}

func TestMaxToolRoundsExceeded(t *testing.T) {
	tools := NewRegistry()
	tools.Register("loopy", func(ctx context.Context, args map[string]any) (any, error) {
		return "again", nil
	})

	continuer := &fakeContinuer{}
	loop := NewLoop(tools, continuer, testLogger(), 0)
	loop.maxToolRounds = 0

	events := []sse.Event{
		{Event: "content_block_start", Data: map[string]any{
			"type": "content_block_start", "index": float64(0),
			"content_block": map[string]any{"type": "tool_use", "id": "toolu_1", "name": "loopy"},
		}, HasData: true},
		{Event: "content_block_stop", Data: map[string]any{"type": "content_block_stop", "index": float64(0)}, HasData: true},
		{Event: "message_delta", Data: map[string]any{"type": "message_delta"}, HasData: true},
	}

	i := 0
	next := func() (sse.Event, bool, error) {
		if i >= len(events) {
			return sse.Event{}, false, nil
		}

		ev := events[i]
		i++

		return ev, true, nil
	}

	out := sse.NewRewriter(32)

	go func() {
		_ = loop.Run(context.Background(), []byte(`{}`), 0, next, out)
	}()

	var seen []string
	for ev := range out.Out {
		seen = append(seen, ev.Event)
	}

	assert.Contains(t, seen, "tool:continue_error")
	assert.Empty(t, continuer.bodies)
}
