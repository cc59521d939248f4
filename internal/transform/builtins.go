package transform

// registerBuiltins populates a fresh Registry with the five transformers
// shipped out of the box: the Anthropic passthrough and the four providers
// the router's default config points at.
func registerBuiltins(r *Registry) {
	r.Register("anthropic", newAnthropicTransformer)
	r.Register("openai", newOpenAITransformer)
	r.Register("gemini", newGeminiTransformer)
	r.Register("openrouter", newOpenRouterTransformer)
	r.Register("nvidia", newNvidiaTransformer)
}
