package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Serializer writes Events as wire bytes, the inverse of Parser. Grounded on
// the teacher's providers.FormatSSEEvent, generalized to the full frame
// grammar (id/retry, multi-line data, string-vs-JSON data) instead of just
// `event`+`data`.
type Serializer struct{}

// Marshal renders one Event as its wire bytes, terminated by a blank line.
func (Serializer) Marshal(ev Event) ([]byte, error) {
	var buf bytes.Buffer

	if ev.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", ev.Event)
	}

	if ev.HasData {
		raw, err := dataLines(ev.Data)
		if err != nil {
			return nil, err
		}

		for _, line := range raw {
			fmt.Fprintf(&buf, "data: %s\n", line)
		}
	}

	if ev.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", ev.ID)
	}

	if ev.Retry != "" {
		fmt.Fprintf(&buf, "retry: %s\n", ev.Retry)
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// dataLines renders a Data value into the (possibly multiple) lines a
// `data:` field needs: a raw string is split on embedded newlines verbatim;
// anything else is JSON-encoded and emitted as a single line.
func dataLines(data any) ([]string, error) {
	if s, ok := data.(string); ok {
		return strings.Split(s, "\n"), nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal sse data: %w", err)
	}

	return []string{string(encoded)}, nil
}

// FormatSSEEvent is a convenience one-shot helper for call sites that just
// want `event: name` + a single JSON data line, matching the shape the
// teacher's transformers used directly.
func FormatSSEEvent(eventType string, data any) []byte {
	b, err := (Serializer{}).Marshal(Event{Event: eventType, Data: data, HasData: true})
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}

	return b
}
