package tests

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/router"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
	"github.com/mihaisavezi/claude-code-open/internal/usage"
)

// TestRouterIntegration drives a full request through the router: dispatch,
// provider selection, outgoing rewrite, a mock OpenRouter-shaped upstream,
// and incoming transform back into an Anthropic-shaped response.
func TestRouterIntegration(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-provider-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "gen-123",
			"model": "test-model",
			"choices": [{
				"message": {"role": "assistant", "content": "Hello there!"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3}
		}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []config.Provider{
			{
				Name:    "openrouter",
				APIBase: upstream.URL,
				APIKeys: []string{"test-provider-key"},
				Models:  []string{"test-model"},
			},
		},
		Router: config.RouterConfig{
			Default: "openrouter,test-model",
		},
	}

	tmpDir := t.TempDir()
	cfgMgr := config.NewManager(tmpDir)
	require.NoError(t, cfgMgr.Save(cfg))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := router.New(cfgMgr, transform.NewRegistry(), usage.New(16), logger, 0)

	requestBody := map[string]any{
		"model": "test-model",
		"messages": []map[string]any{
			{"role": "user", "content": "Hello, world!"},
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	assert.Equal(t, "message", decoded["type"])
	assert.Equal(t, "assistant", decoded["role"])
}

// TestRouterIntegrationUnknownProvider exercises the dispatch-error path:
// an unconfigured provider must fail fast with a 404 rather than attempt an
// upstream call.
func TestRouterIntegrationUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Router: config.RouterConfig{
			Default: "nonexistent,test-model",
		},
	}

	tmpDir := t.TempDir()
	cfgMgr := config.NewManager(tmpDir)
	require.NoError(t, cfgMgr.Save(cfg))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := router.New(cfgMgr, transform.NewRegistry(), usage.New(16), logger, 0)

	jsonBody, err := json.Marshal(map[string]any{
		"model":    "test-model",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(jsonBody))
	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
