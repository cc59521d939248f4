package transform

// newNvidiaTransformer builds the transformer for NVIDIA NIM's OpenAI-
// compatible endpoints. Grounded on providers/nvidia.go, which differs from
// providers/openai.go only in its error-type vocabulary and token mapping
// defaults (NIM omits cache-token fields entirely, which MapTokenUsage
// already tolerates by simply omitting absent keys).
func newNvidiaTransformer(map[string]any) (*Transformer, error) {
	return openAICompat{
		name:      "nvidia",
		tokenMap:  OpenAITokenMapping,
		mapErrTyp: mapNvidiaErrorType,
	}.transformer(), nil
}

func mapNvidiaErrorType(nimType string) string {
	mapping := map[string]string{
		"BadRequestError":         "invalid_request_error",
		"AuthenticationError":     "authentication_error",
		"PermissionDeniedError":   "permission_error",
		"NotFoundError":           "not_found_error",
		"RateLimitError":          "rate_limit_error",
		"InternalServerError":     "api_error",
		"ServiceUnavailableError": "overloaded_error",
	}

	if mapped, ok := mapping[nimType]; ok {
		return mapped
	}

	return "api_error"
}
