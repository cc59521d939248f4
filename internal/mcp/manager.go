package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mihaisavezi/claude-code-open/internal/config"
)

// Status is the lifecycle state of one upstream MCP server connection.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// reconnectBaseDelay and reconnectMaxDelay bound the exponential backoff used
// to reconnect dropped SSE/HTTP upstream servers (spec §4.G). stdio entries
// are never auto-respawned: a dead subprocess needs an explicit Restart.
const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	pingInterval       = 20 * time.Second
)

// ServerEntry tracks one configured upstream MCP server's connection and
// cached tool catalog.
type ServerEntry struct {
	Name string
	cfg  config.MCPServerConfig

	mu        sync.RWMutex
	client    Client
	status    Status
	lastError error
	tools     []mcp.Tool

	cancel context.CancelFunc
}

func (e *ServerEntry) snapshot() (Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.status, e.lastError
}

func (e *ServerEntry) setStatus(status Status, err error) {
	e.mu.Lock()
	e.status = status
	e.lastError = err
	e.mu.Unlock()
}

func (e *ServerEntry) setTools(tools []mcp.Tool) {
	e.mu.Lock()
	e.tools = tools
	e.mu.Unlock()
}

func (e *ServerEntry) getTools() []mcp.Tool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]mcp.Tool, len(e.tools))
	copy(out, e.tools)

	return out
}

func (e *ServerEntry) getClient() Client {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.client
}

// Manager owns every configured upstream MCP server: it builds the
// transport-specific client, keeps it connected (reconnecting network
// transports with backoff), and serves tool listings and calls to the
// aggregator.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*ServerEntry
	logger  *slog.Logger
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{servers: make(map[string]*ServerEntry), logger: logger}
}

// AddServer registers name, builds its client from cfg, and starts its
// connection/reconnect loop in the background.
func (m *Manager) AddServer(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := buildClient(name, cfg)
	if err != nil {
		return err
	}

	entryCtx, cancel := context.WithCancel(ctx)
	entry := &ServerEntry{Name: name, cfg: cfg, client: client, status: StatusConnecting, cancel: cancel}

	m.mu.Lock()
	if old, ok := m.servers[name]; ok {
		old.cancel()
	}

	m.servers[name] = entry
	m.mu.Unlock()

	if cfg.Transport == "stdio" {
		go m.connectOnce(entryCtx, entry)
	} else {
		go m.connectAndWatch(entryCtx, entry)
	}

	return nil
}

func buildClient(name string, cfg config.MCPServerConfig) (Client, error) {
	streamingID := uuid.NewString()

	switch cfg.Transport {
	case "stdio":
		args := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			args[i] = ExpandStreamingID(a, streamingID)
		}

		return NewStdioClient(cfg.Command, args, expandEnv(cfg.Env, streamingID)), nil
	case "sse":
		return NewSSEClient(ExpandStreamingID(cfg.URL, streamingID), nil), nil
	case "http":
		return NewStreamableHTTPClient(ExpandStreamingID(cfg.URL, streamingID), nil), nil
	default:
		return nil, fmt.Errorf("mcp server %s: unknown transport %q", name, cfg.Transport)
	}
}

// connectOnce performs a single connection attempt for stdio entries: no
// automatic retry on failure, matching spec §4.G's explicit-restart rule.
func (m *Manager) connectOnce(ctx context.Context, entry *ServerEntry) {
	if err := entry.getClient().Initialize(ctx); err != nil {
		m.logger.Error("mcp stdio server failed to start", "server", entry.Name, "error", err)
		entry.setStatus(StatusError, err)

		return
	}

	entry.setStatus(StatusConnected, nil)
	m.refreshToolsLocked(ctx, entry)
}

// connectAndWatch connects a network-transport entry, pings it periodically,
// and reconnects with exponential backoff (capped at reconnectMaxDelay, with
// +/-20% jitter) whenever the connection is lost.
func (m *Manager) connectAndWatch(ctx context.Context, entry *ServerEntry) {
	delay := reconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return
		}

		if err := entry.getClient().Initialize(ctx); err != nil {
			entry.setStatus(StatusError, err)
			m.logger.Warn("mcp server connect failed, retrying", "server", entry.Name, "delay", delay, "error", err)

			if !sleepWithJitter(ctx, delay) {
				return
			}

			delay = nextBackoff(delay)

			continue
		}

		entry.setStatus(StatusConnected, nil)
		delay = reconnectBaseDelay
		m.refreshToolsLocked(ctx, entry)

		m.watchUntilDisconnected(ctx, entry)

		if ctx.Err() != nil {
			return
		}

		entry.setStatus(StatusDisconnected, nil)
	}
}

func (m *Manager) watchUntilDisconnected(ctx context.Context, entry *ServerEntry) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := entry.getClient().Ping(ctx); err != nil {
				m.logger.Warn("mcp server ping failed, reconnecting", "server", entry.Name, "error", err)
				_ = entry.getClient().Close()

				return
			}
		}
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	next := delay * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}

	return next
}

// sleepWithJitter waits delay +/-20%, returning false if ctx is cancelled
// first.
func sleepWithJitter(ctx context.Context, delay time.Duration) bool {
	jitter := time.Duration((rand.Float64()*0.4 - 0.2) * float64(delay)) //nolint:gosec
	wait := delay + jitter

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) refreshToolsLocked(ctx context.Context, entry *ServerEntry) {
	tools, err := entry.getClient().ListTools(ctx)
	if err != nil {
		m.logger.Warn("failed to list tools", "server", entry.Name, "error", err)

		return
	}

	entry.setTools(tools)
}

// ListServers returns every configured server name.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}

	return names
}

// GroupServers returns the member servers of group. A server's group is its
// own configured name (spec §4.H: "/mcp/:group" names an MCP server
// directly, there is no separate grouping concept), so this is either
// []string{group} when that server is configured, or nil.
func (m *Manager) GroupServers(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.servers[group]; !ok {
		return nil
	}

	return []string{group}
}

// Status reports a server's connection state. lookupErr is non-nil only when
// name is not a configured server; a connected-but-failing server reports its
// Status as StatusError with the failure available via LastError.
func (m *Manager) Status(name string) (status Status, lookupErr error) {
	entry, err := m.lookup(name)
	if err != nil {
		return "", err
	}

	status, _ = entry.snapshot()

	return status, nil
}

// LastError returns the most recent connection error recorded for name, if
// any.
func (m *Manager) LastError(name string) (error, error) { //nolint:revive
	entry, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	_, lastErr := entry.snapshot()

	return lastErr, nil
}

// GetTools returns the cached tool catalog for name.
func (m *Manager) GetTools(name string) ([]mcp.Tool, error) {
	entry, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	return entry.getTools(), nil
}

// RefreshTools re-lists name's tools from the live connection and updates the
// cache.
func (m *Manager) RefreshTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	entry, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	tools, err := entry.getClient().ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh tools for %s: %w", name, err)
	}

	entry.setTools(tools)

	return tools, nil
}

// CallTool invokes toolName on server name. sessionID identifies the caller's
// aggregator session for logging/correlation only; it is not sent upstream.
func (m *Manager) CallTool(ctx context.Context, name, toolName string, args map[string]any, sessionID string) (*mcp.CallToolResult, error) {
	entry, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	status, _ := entry.snapshot()
	if status != StatusConnected {
		return nil, fmt.Errorf("mcp server %s is not connected (status: %s)", name, status)
	}

	m.logger.Debug("calling upstream mcp tool", "server", name, "tool", toolName, "session", sessionID)

	return entry.getClient().CallTool(ctx, toolName, args)
}

// Restart re-initializes a stdio server that has stopped, bypassing the
// automatic reconnect loop (which never applies to stdio entries).
func (m *Manager) Restart(ctx context.Context, name string) error {
	entry, err := m.lookup(name)
	if err != nil {
		return err
	}

	_ = entry.getClient().Close()

	client, err := buildClient(name, entry.cfg)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.client = client
	entry.mu.Unlock()

	entry.setStatus(StatusConnecting, nil)
	go m.connectOnce(ctx, entry)

	return nil
}

// Close tears down every connected server.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.servers {
		entry.cancel()
		_ = entry.getClient().Close()
	}
}

func (m *Manager) lookup(name string) (*ServerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown mcp server %q", name)
	}

	return entry, nil
}
