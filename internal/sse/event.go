// Package sse implements the parse/serialize half of the router's streaming
// pipeline: a stateful byte-to-event parser and its inverse serializer,
// grounded on the manual bufio.Scanner frame reading the teacher codebase did
// inline inside its proxy handler, pulled out here as a standalone, reusable
// pair of pure transforms.
package sse

import "encoding/json"

// Done is the sentinel Data value for a `data: [DONE]` frame.
const Done = "[DONE]"

// Event is one parsed SSE frame. Data holds either a decoded JSON value
// (map[string]any, []any, or a JSON primitive), a raw string when the data
// line wasn't valid JSON, or the Done sentinel string.
type Event struct {
	Event string
	Data  any
	ID    string
	Retry string

	// HasData distinguishes "no data line at all" (comment-only / keepalive
	// frames) from a data line that decoded to the zero value.
	HasData bool
}

// DataJSON returns Data as a map, ok=false if Data isn't a JSON object.
func (e Event) DataJSON() (map[string]any, bool) {
	m, ok := e.Data.(map[string]any)
	return m, ok
}

// DataRaw returns Data as a string, ok=false if Data is structured JSON.
func (e Event) DataRaw() (string, bool) {
	s, ok := e.Data.(string)
	return s, ok
}

// decodeData implements the JSON-or-raw-string tagged union described by
// spec §4.A / §9: try to parse as JSON, fall back to the raw string.
func decodeData(raw string) any {
	if raw == Done {
		return Done
	}

	trimmed := raw
	if len(trimmed) == 0 {
		return ""
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}

	return raw
}
