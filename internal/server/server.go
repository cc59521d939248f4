package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mihaisavezi/claude-code-open/internal/admin"
	"github.com/mihaisavezi/claude-code-open/internal/agent"
	"github.com/mihaisavezi/claude-code-open/internal/aggregator"
	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/handlers"
	"github.com/mihaisavezi/claude-code-open/internal/mcp"
	"github.com/mihaisavezi/claude-code-open/internal/middleware"
	"github.com/mihaisavezi/claude-code-open/internal/router"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
	"github.com/mihaisavezi/claude-code-open/internal/usage"
)

// DefaultUsageCacheCapacity bounds the in-memory per-session usage ledger
// (spec §4.C's default of 4096 entries).
const DefaultUsageCacheCapacity = usage.DefaultCapacity

type Server struct {
	config       *config.Manager
	logger       *slog.Logger
	server       *http.Server
	registry     *transform.Registry
	usage        *usage.Cache
	router       *router.Router
	mcpManager   *mcp.Manager
	aggregator   *aggregator.Aggregator
	toolRegistry *agent.Registry
	admin        *admin.Handler
}

// New wires every component (spec §4): the transformer registry, the usage
// cache, the provider router, the MCP upstream manager and aggregator, the
// agent tool registry backing in-process tool_use interception, and the
// admin API, then connects every configured MCP server.
func New(configManager *config.Manager, logger *slog.Logger) *Server {
	cfg := configManager.Get()

	transformRegistry := transform.NewRegistry()
	usageCache := usage.New(DefaultUsageCacheCapacity)

	rt := router.New(configManager, transformRegistry, usageCache, logger, router.DefaultProviderConcurrency)

	mcpManager := mcp.NewManager(logger)
	agg := aggregator.New(mcpManager, logger, fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port))
	toolRegistry := agent.NewRegistry()

	s := &Server{
		config:       configManager,
		logger:       logger,
		registry:     transformRegistry,
		usage:        usageCache,
		router:       rt,
		mcpManager:   mcpManager,
		aggregator:   agg,
		toolRegistry: toolRegistry,
		admin:        admin.New(configManager, transformRegistry, mcpManager, agg, toolRegistry, logger),
	}

	s.connectMCPServers(context.Background())

	maxToolRounds := 0
	for _, ac := range cfg.Agents {
		if ac.MaxToolRounds > maxToolRounds {
			maxToolRounds = ac.MaxToolRounds
		}
	}

	rt.SetTools(toolRegistry, maxToolRounds)

	return s
}

// connectMCPServers starts every configured MCP server (spec §4.G) and
// rebuilds the aggregator group for each one (spec §4.H): a server's group
// is its own name in cfg.MCPServers, there is no separate grouping concept.
// Connections happen in background goroutines inside mcpManager, so tools
// registered here are best-effort: a server that hasn't finished its
// handshake yet simply contributes no tools until the next refresh.
func (s *Server) connectMCPServers(ctx context.Context) {
	cfg := s.config.Get()

	for name, serverCfg := range cfg.MCPServers {
		if err := s.mcpManager.AddServer(ctx, name, serverCfg); err != nil {
			s.logger.Error("failed to start mcp server", "server", name, "error", err)
			continue
		}

		if err := s.aggregator.RebuildGroup(ctx, name); err != nil {
			s.logger.Warn("failed to build mcp aggregator group at startup", "group", name, "error", err)
		}
	}

	agent.RegisterMCPServerTools(s.toolRegistry, s.mcpManager)
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return errors.New("configuration not loaded")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	// Setup routes
	mux := s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	s.logger.Info("Starting server", "address", addr)

	// Start server in goroutine
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
			// Check if it's an address-in-use error
			if strings.Contains(err.Error(), "address already in use") || strings.Contains(err.Error(), "bind: address already in use") {
				s.handleAddressInUse(addr)
				os.Exit(1)
			}
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// setupRoutes mounts every HTTP surface named in the external interface
// route table (spec §6): the Anthropic-shaped messages endpoint behind
// auth, the admin/provider/MCP-config API behind auth, the MCP aggregator's
// per-group SSE endpoints (their own protocol surface, left unauthenticated
// like the teacher's PublicChain since MCP clients don't speak the proxy's
// API key scheme), and the health check with no auth.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(s.logger)
	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	defaultChain := middlewareSet.DefaultChain()
	publicChain := middlewareSet.PublicChain()

	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))

	mux.Handle("/v1/messages", defaultChain.Handler(s.router))
	mux.Handle("/v1/messages/count_tokens", defaultChain.Handler(http.HandlerFunc(s.countTokensHandler)))

	mux.Handle("GET /providers", defaultChain.Handler(http.HandlerFunc(s.admin.ListProviders)))
	mux.Handle("POST /providers", defaultChain.Handler(http.HandlerFunc(s.admin.CreateProvider)))
	mux.Handle("PUT /providers/{name}", defaultChain.Handler(http.HandlerFunc(s.admin.UpdateProvider)))
	mux.Handle("DELETE /providers/{name}", defaultChain.Handler(http.HandlerFunc(s.admin.DeleteProvider)))
	mux.Handle("POST /api/providers/enabled", defaultChain.Handler(http.HandlerFunc(s.admin.ProvidersEnabled)))

	mux.Handle("GET /api/config", defaultChain.Handler(http.HandlerFunc(s.admin.GetConfig)))
	mux.Handle("POST /api/config", defaultChain.Handler(http.HandlerFunc(s.admin.ReplaceConfig)))
	mux.Handle("POST /api/restart", defaultChain.Handler(http.HandlerFunc(s.admin.Restart)))
	mux.Handle("GET /api/transformers", defaultChain.Handler(http.HandlerFunc(s.admin.Transformers)))

	mux.Handle("GET /api/mcp/servers", defaultChain.Handler(http.HandlerFunc(s.admin.ListMCPServers)))
	mux.Handle("POST /api/mcp/servers", defaultChain.Handler(http.HandlerFunc(s.admin.CreateMCPServer)))
	mux.Handle("GET /api/mcp/servers/{name}", defaultChain.Handler(http.HandlerFunc(s.admin.GetMCPServer)))
	mux.Handle("PUT /api/mcp/servers/{name}", defaultChain.Handler(http.HandlerFunc(s.admin.UpdateMCPServer)))
	mux.Handle("DELETE /api/mcp/servers/{name}", defaultChain.Handler(http.HandlerFunc(s.admin.DeleteMCPServer)))
	mux.Handle("GET /api/mcp/servers/{name}/tools", defaultChain.Handler(http.HandlerFunc(s.admin.GetMCPServerTools)))
	mux.Handle("POST /api/mcp/servers/{name}/tools/refresh", defaultChain.Handler(http.HandlerFunc(s.admin.RefreshMCPServerTools)))

	mux.Handle("/mcp/", publicChain.Handler(s.aggregator.Mux()))

	return mux
}

// countTokensHandler implements /v1/messages/count_tokens: a best-effort,
// non-streaming token estimate over the request body (spec §6), reusing the
// same tiktoken encoder the router applies before dispatch.
func (s *Server) countTokensHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"input_tokens": s.router.CountTokens(string(body))})
}

// handleAddressInUse attempts to find and display the PID using the specified address
func (s *Server) handleAddressInUse(addr string) {
	s.logger.Error("Address already in use", "address", addr)

	// Extract port from address
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		s.logger.Error("Failed to parse address", "address", addr, "error", err)
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.logger.Error("Invalid port number", "port", portStr, "error", err)
		return
	}

	pid := s.findProcessUsingPort(port)
	if pid > 0 {
		processInfo := s.getProcessInfo(pid)
		s.logger.Error("Port is being used by another process",
			"port", port,
			"pid", pid,
			"process", processInfo)
	} else {
		s.logger.Error("Could not determine which process is using the port", "port", port)
	}
}

// findProcessUsingPort attempts to find the PID of the process using the specified port
func (s *Server) findProcessUsingPort(port int) int {
	switch runtime.GOOS {
	case "linux", "darwin":
		return s.findProcessUsingPortUnix(port)
	case "windows":
		return s.findProcessUsingPortWindows(port)
	default:
		s.logger.Warn("Unsupported OS for port detection", "os", runtime.GOOS)
		return 0
	}
}

// findProcessUsingPortUnix finds process using port on Unix-like systems
func (s *Server) findProcessUsingPortUnix(port int) int {
	// Try netstat first
	if pid := s.tryNetstat(port); pid > 0 {
		return pid
	}

	// Try lsof as fallback
	if pid := s.tryLsof(port); pid > 0 {
		return pid
	}

	// Try ss as another fallback
	if pid := s.trySS(port); pid > 0 {
		return pid
	}

	return 0
}

// tryNetstat attempts to find PID using netstat
func (s *Server) tryNetstat(port int) int {
	cmd := exec.Command("netstat", "-tlnp")

	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	lines := strings.Split(string(output), "\n")
	portPattern := fmt.Sprintf(":%d ", port)

	for _, line := range lines {
		if strings.Contains(line, portPattern) && strings.Contains(line, "LISTEN") {
			// Extract PID from netstat output (format: PID/program_name)
			parts := strings.Fields(line)
			if len(parts) >= 7 {
				pidProgram := parts[6]
				if pidStr := strings.Split(pidProgram, "/")[0]; pidStr != "-" {
					if pid, err := strconv.Atoi(pidStr); err == nil {
						return pid
					}
				}
			}
		}
	}

	return 0
}

// tryLsof attempts to find PID using lsof
func (s *Server) tryLsof(port int) int {
	// Validate port range for security
	if port < 1 || port > 65535 {
		return 0
	}
	cmd := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port))

	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	pidStr := strings.TrimSpace(string(output))
	if pidStr != "" {
		if pid, err := strconv.Atoi(pidStr); err == nil {
			return pid
		}
	}

	return 0
}

// trySS attempts to find PID using ss command
func (s *Server) trySS(port int) int {
	cmd := exec.Command("ss", "-tlnp")

	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	lines := strings.Split(string(output), "\n")
	portPattern := fmt.Sprintf(":%d ", port)

	for _, line := range lines {
		if strings.Contains(line, portPattern) && strings.Contains(line, "LISTEN") {
			// Extract PID from ss output
			if idx := strings.Index(line, "pid="); idx != -1 {
				pidPart := line[idx+4:]
				if commaIdx := strings.Index(pidPart, ","); commaIdx != -1 {
					pidStr := pidPart[:commaIdx]
					if pid, err := strconv.Atoi(pidStr); err == nil {
						return pid
					}
				}
			}
		}
	}

	return 0
}

// findProcessUsingPortWindows finds process using port on Windows
func (s *Server) findProcessUsingPortWindows(port int) int {
	cmd := exec.Command("netstat", "-ano")

	output, err := cmd.Output()
	if err != nil {
		return 0
	}

	lines := strings.Split(string(output), "\n")
	portPattern := fmt.Sprintf(":%d ", port)

	for _, line := range lines {
		if strings.Contains(line, portPattern) && strings.Contains(line, "LISTENING") {
			parts := strings.Fields(line)
			if len(parts) >= 5 {
				pidStr := parts[4]
				if pid, err := strconv.Atoi(pidStr); err == nil {
					return pid
				}
			}
		}
	}

	return 0
}

// getProcessInfo attempts to get information about a process
func (s *Server) getProcessInfo(pid int) string {
	switch runtime.GOOS {
	case "linux", "darwin":
		return s.getProcessInfoUnix(pid)
	case "windows":
		return s.getProcessInfoWindows(pid)
	default:
		return fmt.Sprintf("PID %d", pid)
	}
}

// getProcessInfoUnix gets process info on Unix-like systems
func (s *Server) getProcessInfoUnix(pid int) string {
	// Validate PID range for security
	if pid < 1 || pid > 4194304 { // Max PID on most systems
		return fmt.Sprintf("PID %d (invalid)", pid)
	}
	// Try ps command
	cmd := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=")

	output, err := cmd.Output()
	if err == nil {
		processName := strings.TrimSpace(string(output))
		if processName != "" {
			return fmt.Sprintf("%s (PID: %d)", processName, pid)
		}
	}

	return fmt.Sprintf("PID: %d", pid)
}

// getProcessInfoWindows gets process info on Windows
func (s *Server) getProcessInfoWindows(pid int) string {
	cmd := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/FO", "CSV", "/NH")

	output, err := cmd.Output()
	if err == nil {
		lines := strings.Split(string(output), "\n")
		if len(lines) > 0 && lines[0] != "" {
			// Parse CSV output
			parts := strings.Split(lines[0], ",")
			if len(parts) >= 1 {
				processName := strings.Trim(parts[0], "\"")
				return fmt.Sprintf("%s (PID: %d)", processName, pid)
			}
		}
	}

	return fmt.Sprintf("PID: %d", pid)
}
