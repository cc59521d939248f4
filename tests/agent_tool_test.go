package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/agent"
	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/router"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
	"github.com/mihaisavezi/claude-code-open/internal/usage"
)

const toolCallSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"test-model","role":"assistant"}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"echo__say"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"msg\":\"hi\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

const finalTextSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_2","model":"test-model","role":"assistant"}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Done"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`

// TestRouterStreamThroughAgentInterceptsToolUse drives a tool_use turn
// through the router's agent-backed streaming path end to end: the mock
// upstream emits a tool_use block naming a registered local tool, the router
// must intercept it, invoke the handler, recurse into a continuation
// request, and forward the continuation's final text turn to the client.
func TestRouterStreamThroughAgentInterceptsToolUse(t *testing.T) {
	var requestCount atomic.Int32

	var continuationBody []byte

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := readAll(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		if strings.Contains(string(body), "tool_result") {
			continuationBody = body
			_, _ = w.Write([]byte(finalTextSSE))
			return
		}

		requestCount.Add(1)
		_, _ = w.Write([]byte(toolCallSSE))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []config.Provider{
			{
				Name:    "anthropic",
				APIBase: upstream.URL,
				APIKeys: []string{"test-provider-key"},
				Models:  []string{"test-model"},
			},
		},
		Router: config.RouterConfig{
			Default: "anthropic,test-model",
		},
	}

	tmpDir := t.TempDir()
	cfgMgr := config.NewManager(tmpDir)
	require.NoError(t, cfgMgr.Save(cfg))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := router.New(cfgMgr, transform.NewRegistry(), usage.New(16), logger, 0)

	tools := agent.NewRegistry()

	var calledWith map[string]any

	tools.Register("echo__say", func(_ context.Context, args map[string]any) (any, error) {
		calledWith = args
		return map[string]any{"echoed": args["msg"]}, nil
	})

	rt.SetTools(tools, 4)

	requestBody := map[string]any{
		"model":    "test-model",
		"messages": []map[string]any{{"role": "user", "content": "say hi"}},
		"stream":   true,
	}

	jsonBody, err := json.Marshal(requestBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	out := rr.Body.String()
	assert.Contains(t, out, "tool:result")
	assert.Contains(t, out, "tool:continue_complete")
	assert.Contains(t, out, "Done")
	assert.Equal(t, int32(1), requestCount.Load())

	require.NotNil(t, calledWith)
	assert.Equal(t, "hi", calledWith["msg"])

	require.NotNil(t, continuationBody)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(continuationBody, &parsed))

	messages, ok := parsed["messages"].([]any)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(messages), 2)

	assistantTurn, ok := messages[len(messages)-2].(map[string]any)
	require.True(t, ok)

	content, ok := assistantTurn["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)

	toolUseBlock, ok := content[0].(map[string]any)
	require.True(t, ok)

	input, ok := toolUseBlock["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", input["msg"])
}

func readAll(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
