package admin

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

	"github.com/mihaisavezi/claude-code-open/internal/agent"
	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/mcp"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()

	cfgManager := config.NewManager(t.TempDir())
	require.NoError(t, cfgManager.Save(&config.Config{}))

	h := New(cfgManager, transform.NewRegistry(), mcp.NewManager(testLogger()), nil, agent.NewRegistry(), testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /providers", h.ListProviders)
	mux.HandleFunc("POST /providers", h.CreateProvider)
	mux.HandleFunc("PUT /providers/{name}", h.UpdateProvider)
	mux.HandleFunc("DELETE /providers/{name}", h.DeleteProvider)
	mux.HandleFunc("POST /api/providers/enabled", h.ProvidersEnabled)
	mux.HandleFunc("GET /api/config", h.GetConfig)
	mux.HandleFunc("POST /api/config", h.ReplaceConfig)
	mux.HandleFunc("GET /api/transformers", h.Transformers)

	return h, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return rec
}

func TestCreateListUpdateDeleteProvider(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doJSON(t, mux, http.MethodPost, "/providers", config.Provider{Name: "acme", APIBase: "https://acme.test"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/providers", config.Provider{Name: "acme"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/providers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var providers []config.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &providers))
	require.Len(t, providers, 1)

	rec = doJSON(t, mux, http.MethodPut, "/providers/acme", config.Provider{APIBase: "https://acme2.test"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/providers/acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodDelete, "/providers/acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvidersEnabledToggle(t *testing.T) {
	_, mux := newTestHandler(t)

	doJSON(t, mux, http.MethodPost, "/providers", config.Provider{Name: "acme"})

	rec := doJSON(t, mux, http.MethodPost, "/api/providers/enabled", map[string]any{"name": "acme", "enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)

	var p config.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.True(t, p.Disabled)
}

func TestReplaceConfigSetsRestartFlag(t *testing.T) {
	h, mux := newTestHandler(t)

	assert.False(t, h.config.NeedsRestart())

	rec := doJSON(t, mux, http.MethodPost, "/api/config", config.Config{Host: "0.0.0.0", Port: 9999})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.config.NeedsRestart())
}

func TestTransformersListsBuiltins(t *testing.T) {
	_, mux := newTestHandler(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/transformers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anthropic")
}
