package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandStreamingID(t *testing.T) {
	assert.Equal(t, "wss://host/stream/abc123", ExpandStreamingID("wss://host/stream/${STREAMING_ID}", "abc123"))
	assert.Equal(t, "abc123-abc123", ExpandStreamingID("${MCP_STREAMING_ID}-${STREAMING_ID}", "abc123"))
	assert.Equal(t, "${OTHER_VAR}", ExpandStreamingID("${OTHER_VAR}", "abc123"))
}

func TestExpandEnv(t *testing.T) {
	env := map[string]string{"TOKEN": "id-${STREAMING_ID}", "FIXED": "value"}

	out := expandEnv(env, "xyz")
	assert.Equal(t, "id-xyz", out["TOKEN"])
	assert.Equal(t, "value", out["FIXED"])
	assert.Equal(t, "id-${STREAMING_ID}", env["TOKEN"], "original map must not be mutated")
}
