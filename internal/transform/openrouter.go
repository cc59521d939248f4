package transform

// newOpenRouterTransformer builds the transformer for OpenRouter's
// OpenAI-compatible endpoint. Grounded on providers/openrouter.go, the
// richest of the three OpenAI-shaped teacher providers and the source of
// openAICompat's content-block index-tracking logic. OpenRouter additionally
// wants an HTTP-Referer/X-Title pair set on every outgoing request, which
// openai.go and nvidia.go's upstreams don't require.
func newOpenRouterTransformer(options map[string]any) (*Transformer, error) {
	referer, _ := options["referer"].(string)
	if referer == "" {
		referer = "http://localhost"
	}

	title, _ := options["title"].(string)
	if title == "" {
		title = "claude-code-open"
	}

	t := openAICompat{
		name:      "openrouter",
		tokenMap:  OpenAITokenMapping,
		mapErrTyp: mapOpenRouterErrorType,
	}.transformer()

	t.RewriteHTTP = func(req *HTTPRequest) (*HTTPRequest, error) {
		if req.Headers == nil {
			req.Headers = make(map[string]string)
		}

		req.Headers["HTTP-Referer"] = referer
		req.Headers["X-Title"] = title

		return req, nil
	}

	return t, nil
}

func mapOpenRouterErrorType(routerType string) string {
	mapping := map[string]string{
		"invalid_request_error": "invalid_request_error",
		"authentication_error":  "authentication_error",
		"forbidden":             "permission_error",
		"not_found":             "not_found_error",
		"rate_limit_error":      "rate_limit_error",
		"internal_error":        "api_error",
		"provider_error":        "overloaded_error",
	}

	if mapped, ok := mapping[routerType]; ok {
		return mapped
	}

	return "api_error"
}
