// Package admin implements the admin API surface (spec §4.I): provider and
// MCP server CRUD, config inspection/replacement, transformer listing, and
// the restart signal. All mutations go through config.Manager so the running
// in-memory snapshot and the on-disk file stay in sync.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-code-open/internal/agent"
	"github.com/mihaisavezi/claude-code-open/internal/aggregator"
	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/mcp"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
)

// Handler serves every /providers, /api/*, and /api/mcp/servers/* route.
type Handler struct {
	config     *config.Manager
	registry   *transform.Registry
	mcpManager *mcp.Manager
	aggregator *aggregator.Aggregator
	tools      *agent.Registry
	logger     *slog.Logger
}

// New builds an admin Handler. tools may be nil if the router has no agent
// tool registry configured, in which case refreshed MCP tools are simply not
// bound for in-process interception.
func New(cfgManager *config.Manager, registry *transform.Registry, mcpManager *mcp.Manager, agg *aggregator.Aggregator, tools *agent.Registry, logger *slog.Logger) *Handler {
	return &Handler{config: cfgManager, registry: registry, mcpManager: mcpManager, aggregator: agg, tools: tools, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": message}})
}

func findProvider(providers []config.Provider, name string) int {
	for i := range providers {
		if providers[i].Name == name {
			return i
		}
	}

	return -1
}

func (h *Handler) saveAndRespond(w http.ResponseWriter, cfg *config.Config, status int, body any) {
	if err := h.config.Save(cfg); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, status, body)
}

// ListProviders handles GET /providers.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Get().Providers)
}

// CreateProvider handles POST /providers.
func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var p config.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid provider payload")

		return
	}

	cfg := h.config.Get()
	if findProvider(cfg.Providers, p.Name) >= 0 {
		writeErr(w, http.StatusConflict, "provider already exists")

		return
	}

	cfg.Providers = append(cfg.Providers, p)
	h.saveAndRespond(w, cfg, http.StatusCreated, p)
}

// UpdateProvider handles PUT /providers/{name}.
func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var p config.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid provider payload")

		return
	}

	p.Name = name

	cfg := h.config.Get()

	idx := findProvider(cfg.Providers, name)
	if idx < 0 {
		writeErr(w, http.StatusNotFound, "provider not found")

		return
	}

	cfg.Providers[idx] = p
	h.saveAndRespond(w, cfg, http.StatusOK, p)
}

// DeleteProvider handles DELETE /providers/{name}.
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg := h.config.Get()

	idx := findProvider(cfg.Providers, name)
	if idx < 0 {
		writeErr(w, http.StatusNotFound, "provider not found")

		return
	}

	cfg.Providers = append(cfg.Providers[:idx], cfg.Providers[idx+1:]...)
	h.saveAndRespond(w, cfg, http.StatusOK, map[string]any{"deleted": name})
}

// ProvidersEnabled handles POST /api/providers/enabled: {name, enabled}.
func (h *Handler) ProvidersEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid payload")

		return
	}

	cfg := h.config.Get()

	idx := findProvider(cfg.Providers, body.Name)
	if idx < 0 {
		writeErr(w, http.StatusNotFound, "provider not found")

		return
	}

	cfg.Providers[idx].Disabled = !body.Enabled
	h.saveAndRespond(w, cfg, http.StatusOK, cfg.Providers[idx])
}

// GetConfig handles GET /api/config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Get())
}

// ReplaceConfig handles POST /api/config.
func (h *Handler) ReplaceConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid config payload")

		return
	}

	if err := h.config.Save(&cfg); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())

		return
	}

	h.config.MarkRestartNeeded()
	writeJSON(w, http.StatusOK, map[string]any{"needsRestart": true})
}

// Restart handles POST /api/restart: it sets the config manager's
// needs-restart flag and answers 202. It does not stop or restart the
// running process itself.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	h.config.MarkRestartNeeded()
	writeJSON(w, http.StatusAccepted, map[string]any{"restarting": true})
}

// Transformers handles GET /api/transformers.
func (h *Handler) Transformers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"transformers": h.registry.Names()})
}

// ListMCPServers handles GET /api/mcp/servers.
func (h *Handler) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Get().MCPServers)
}

type mcpServerPayload struct {
	Spec config.MCPServerConfig `json:"spec"`
}

// CreateMCPServer handles POST /api/mcp/servers: {name, spec}.
func (h *Handler) CreateMCPServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		mcpServerPayload
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid mcp server payload")

		return
	}

	h.putMCPServer(w, r, body.Name, body.Spec)
}

// GetMCPServer handles GET /api/mcp/servers/{name}.
func (h *Handler) GetMCPServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	spec, ok := h.config.Get().MCPServers[name]
	if !ok {
		writeErr(w, http.StatusNotFound, "mcp server not found")

		return
	}

	writeJSON(w, http.StatusOK, spec)
}

// UpdateMCPServer handles PUT /api/mcp/servers/{name}.
func (h *Handler) UpdateMCPServer(w http.ResponseWriter, r *http.Request) {
	var spec config.MCPServerConfig
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid mcp server payload")

		return
	}

	h.putMCPServer(w, r, r.PathValue("name"), spec)
}

func (h *Handler) putMCPServer(w http.ResponseWriter, r *http.Request, name string, spec config.MCPServerConfig) {
	cfg := h.config.Get()
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]config.MCPServerConfig)
	}

	cfg.MCPServers[name] = spec

	if err := h.config.Save(cfg); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())

		return
	}

	if err := h.mcpManager.AddServer(r.Context(), name, spec); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())

		return
	}

	if h.aggregator != nil {
		if err := h.aggregator.RebuildGroup(r.Context(), name); err != nil {
			h.logger.Warn("failed to rebuild aggregator group after put", "group", name, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, spec)
}

// DeleteMCPServer handles DELETE /api/mcp/servers/{name}.
func (h *Handler) DeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	cfg := h.config.Get()
	delete(cfg.MCPServers, name)
	h.saveAndRespond(w, cfg, http.StatusOK, map[string]any{"deleted": name})
}

// GetMCPServerTools handles GET /api/mcp/servers/{name}/tools.
func (h *Handler) GetMCPServerTools(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	tools, err := h.mcpManager.GetTools(name)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// RefreshMCPServerTools handles POST /api/mcp/servers/{name}/tools/refresh.
func (h *Handler) RefreshMCPServerTools(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	tools, err := h.mcpManager.RefreshTools(r.Context(), name)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())

		return
	}

	if h.aggregator != nil {
		if err := h.aggregator.RebuildGroup(r.Context(), name); err != nil {
			h.logger.Warn("failed to rebuild aggregator group after refresh", "group", name, "error", err)
		}
	}

	if h.tools != nil {
		agent.RegisterMCPServerTools(h.tools, h.mcpManager)
	}

	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}
