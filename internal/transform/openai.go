package transform

// newOpenAITransformer builds the transformer for plain OpenAI-compatible
// upstreams. Grounded on providers/openai.go.
func newOpenAITransformer(map[string]any) (*Transformer, error) {
	return openAICompat{
		name:      "openai",
		tokenMap:  OpenAITokenMapping,
		mapErrTyp: mapOpenAIErrorType,
	}.transformer(), nil
}

// mapOpenAIErrorType maps OpenAI's error.type vocabulary to Anthropic's,
// matching providers/base.go's error taxonomy table. Unrecognized types pass
// through as api_error.
func mapOpenAIErrorType(openaiType string) string {
	mapping := map[string]string{
		"invalid_request_error": "invalid_request_error",
		"authentication_error":  "authentication_error",
		"permission_error":      "permission_error",
		"not_found_error":       "not_found_error",
		"rate_limit_exceeded":   "rate_limit_error",
		"insufficient_quota":    "rate_limit_error",
		"server_error":          "api_error",
		"engine_overloaded":     "overloaded_error",
	}

	if mapped, ok := mapping[openaiType]; ok {
		return mapped
	}

	return "api_error"
}
