package transform

import "github.com/mihaisavezi/claude-code-open/internal/sse"

// newAnthropicTransformer is the identity transformer: Anthropic-to-
// Anthropic needs no rewriting in either direction. Grounded on
// providers/anthropic.go, which is a pure passthrough.
func newAnthropicTransformer(map[string]any) (*Transformer, error) {
	return &Transformer{
		Name: "anthropic",
		TransformStream: func(data any, _ *StreamState) ([]sse.Event, error) {
			// Anthropic's wire format always mirrors the SSE `event:` line in
			// the JSON body's own "type" field, so the event name survives a
			// pure passthrough without needing the original frame's event
			// string threaded through TransformStream's data-only signature.
			eventType, _ := eventTypeFromData(data)

			return []sse.Event{{Event: eventType, Data: data, HasData: true}}, nil
		},
	}, nil
}

// eventTypeFromData reads the "type" field out of an Anthropic-shaped stream
// payload, ok=false if data isn't a JSON object or carries no "type".
func eventTypeFromData(data any) (string, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return "", false
	}

	t, ok := m["type"].(string)

	return t, ok
}
