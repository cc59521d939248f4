package usage

// FromMessageDelta extracts a Record from a decoded `message_delta` SSE
// event's data object, or ok=false if it carries no usage field. Per
// SPEC_FULL.md §9 open-question resolution, only `message_delta` events
// contribute to the cache, and extraction always goes through the SSE
// parser's decoded event rather than any byte-offset slice of the raw frame.
func FromMessageDelta(eventName string, data map[string]any) (Record, bool) {
	if eventName != "message_delta" {
		return Record{}, false
	}

	raw, ok := data["usage"].(map[string]any)
	if !ok {
		return Record{}, false
	}

	return Record{
		InputTokens:              toInt(raw["input_tokens"]),
		OutputTokens:             toInt(raw["output_tokens"]),
		CacheCreationInputTokens: toInt(raw["cache_creation_input_tokens"]),
		CacheReadInputTokens:     toInt(raw["cache_read_input_tokens"]),
	}, true
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
