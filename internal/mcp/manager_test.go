package mcp

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(1*time.Second))
	assert.Equal(t, reconnectMaxDelay, nextBackoff(reconnectMaxDelay))
	assert.Equal(t, reconnectMaxDelay, nextBackoff(reconnectMaxDelay/2+1))
}

func TestSleepWithJitterRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sleepWithJitter(ctx, 5*time.Second))
}

func TestBuildClientUnknownTransport(t *testing.T) {
	_, err := buildClient("bad", config.MCPServerConfig{Transport: "carrier-pigeon"})
	require.Error(t, err)
}

func TestBuildClientTransports(t *testing.T) {
	c, err := buildClient("s1", config.MCPServerConfig{Transport: "stdio", Command: "echo"})
	require.NoError(t, err)
	assert.IsType(t, &StdioClient{}, c)

	c, err = buildClient("s2", config.MCPServerConfig{Transport: "sse", URL: "http://localhost/sse"})
	require.NoError(t, err)
	assert.IsType(t, &SSEClient{}, c)

	c, err = buildClient("s3", config.MCPServerConfig{Transport: "http", URL: "http://localhost/mcp"})
	require.NoError(t, err)
	assert.IsType(t, &StreamableHTTPClient{}, c)
}

func TestManagerLookupUnknownServer(t *testing.T) {
	m := NewManager(testLogger())

	_, err := m.Status("missing")
	assert.Error(t, err)

	_, err = m.GetTools("missing")
	assert.Error(t, err)
}

func TestManagerGroupServers(t *testing.T) {
	m := NewManager(testLogger())
	m.servers["db"] = &ServerEntry{Name: "db", cfg: config.MCPServerConfig{}, cancel: func() {}}
	m.servers["web"] = &ServerEntry{Name: "web", cfg: config.MCPServerConfig{}, cancel: func() {}}

	assert.Equal(t, []string{"db"}, m.GroupServers("db"))
	assert.Equal(t, []string{"web"}, m.GroupServers("web"))
	assert.Nil(t, m.GroupServers("nonexistent"))
}
