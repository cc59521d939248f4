package transform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/sse"
)

// fanOutTransformer turns one upstream frame into two Anthropic events,
// mirroring a provider adapter that splits a combined delta into separate
// content_block_delta events.
func fanOutTransformer() *Transformer {
	return &Transformer{
		Name: "fanout",
		TransformStream: func(data any, state *StreamState) ([]sse.Event, error) {
			return []sse.Event{
				{Event: "content_block_delta", Data: map[string]any{"seq": 1}, HasData: true},
				{Event: "content_block_delta", Data: map[string]any{"seq": 2}, HasData: true},
			}, nil
		},
	}
}

func TestNewEventPumpPreservesFanOut(t *testing.T) {
	chain := NewChain(fanOutTransformer())
	raw := "data: {\"foo\":\"bar\"}\n\n"
	parser := sse.NewParser(strings.NewReader(raw))
	state := NewStreamState()

	next := chain.NewEventPump(parser, state)

	first, ok, err := next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "content_block_delta", first.Event)

	second, ok, err := next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "content_block_delta", second.Event)

	firstData, _ := first.DataJSON()
	secondData, _ := second.DataJSON()
	assert.Equal(t, float64(1), firstData["seq"])
	assert.Equal(t, float64(2), secondData["seq"])

	_, ok, err = next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewEventPumpIdentityChainPassesThroughOneEvent(t *testing.T) {
	chain := Chain{}
	raw := "data: {\"foo\":\"bar\"}\n\n"
	parser := sse.NewParser(strings.NewReader(raw))
	state := NewStreamState()

	next := chain.NewEventPump(parser, state)

	ev, ok, err := next()
	require.NoError(t, err)
	require.True(t, ok)

	data, isJSON := ev.DataJSON()
	require.True(t, isJSON)
	assert.Equal(t, "bar", data["foo"])
}
