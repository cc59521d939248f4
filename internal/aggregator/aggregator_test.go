package aggregator

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSplitToolName(t *testing.T) {
	srv, tool, err := splitToolName("filesystem__read_file")
	require.NoError(t, err)
	assert.Equal(t, "filesystem", srv)
	assert.Equal(t, "read_file", tool)

	_, _, err = splitToolName("nosep")
	assert.Error(t, err)
}

func TestSplitToolNameKeepsSuffixSeparators(t *testing.T) {
	srv, tool, err := splitToolName("git__log__oneline")
	require.NoError(t, err)
	assert.Equal(t, "git", srv)
	assert.Equal(t, "log__oneline", tool)
}

func TestRebuildGroupNoServers(t *testing.T) {
	a := New(mcp.NewManager(testLogger()), testLogger(), "http://127.0.0.1:0")

	err := a.RebuildGroup(context.Background(), "missing-group")
	assert.Error(t, err)
	assert.Empty(t, a.Groups())
}

// TestMuxRoutesDefaultConfigShapeServerName proves component H is reachable
// under the spec's natural config shape: a server keyed plainly by name in
// MCPServers, with no separate group field, must still get a GET /mcp/<name>
// route mounted once its group is rebuilt (spec §4.H: a server's group is
// its own name).
func TestMuxRoutesDefaultConfigShapeServerName(t *testing.T) {
	manager := mcp.NewManager(testLogger())
	require.NoError(t, manager.AddServer(context.Background(), "db", config.MCPServerConfig{
		Transport: "stdio",
		Command:   "true",
	}))

	a := New(manager, testLogger(), "http://127.0.0.1:0")
	require.NoError(t, a.RebuildGroup(context.Background(), "db"))

	req := httptest.NewRequest(http.MethodGet, "/mcp/db", nil)
	handler, pattern := a.Mux().(*http.ServeMux).Handler(req)

	assert.Equal(t, "/mcp/db", pattern)
	assert.NotNil(t, handler)

	_, pattern = a.Mux().(*http.ServeMux).Handler(httptest.NewRequest(http.MethodGet, "/mcp/web", nil))
	assert.Empty(t, pattern)
}

func TestBuildServerToolRejectsForeignServer(t *testing.T) {
	a := New(mcp.NewManager(testLogger()), testLogger(), "http://127.0.0.1:0")

	tool := a.buildServerTool("alpha", mcpsdk.Tool{Name: "do_thing"})
	assert.Equal(t, "alpha__do_thing", tool.Tool.Name)

	result, err := tool.Handler(context.Background(), mcpsdk.CallToolRequest{
		Params: mcpsdk.CallToolParams{Name: "beta__do_thing"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
