package router

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-code-open/internal/config"
	"github.com/mihaisavezi/claude-code-open/internal/transform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSelectModel(t *testing.T) {
	rt := &Router{logger: testLogger()}

	routerCfg := &config.RouterConfig{
		Default:     "openrouter,anthropic/claude-3.5-sonnet",
		Think:       "openai,o1-preview",
		Background:  "anthropic,claude-3-haiku-20240307",
		LongContext: "anthropic,claude-3-5-sonnet-20241022",
		WebSearch:   "openrouter,perplexity/sonar",
	}

	tests := []struct {
		name      string
		body      string
		tokens    int
		wantModel string
	}{
		{"no model falls back to default", `{}`, 100, routerCfg.Default},
		{"explicit provider,model wins outright", `{"model":"nvidia,llama-3.1"}`, 100, "nvidia,llama-3.1"},
		{"long context over threshold", `{"model":"claude-3-5-sonnet-20241022"}`, 70000, routerCfg.LongContext},
		{"background haiku routes to background", `{"model":"claude-3-5-haiku-20241022"}`, 100, routerCfg.Background},
		{"plain model falls through to think", `{"model":"claude-3-opus"}`, 100, routerCfg.Think},
	}

	for _, tt := range tests {
		_, model := rt.selectModel([]byte(tt.body), tt.tokens, routerCfg)
		assert.Equal(t, tt.wantModel, model, tt.name)
	}
}

func TestBuildEndpointURL(t *testing.T) {
	rt := &Router{logger: testLogger()}

	geminiCfg := &config.Provider{Name: "gemini", APIBase: "https://generativelanguage.googleapis.com/v1beta/models"}
	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-pro:generateContent",
		rt.buildEndpointURL(geminiCfg, "gemini-1.5-pro"))

	openaiCfg := &config.Provider{Name: "openai", APIBase: "https://api.openai.com/v1/chat/completions"}
	assert.Equal(t, openaiCfg.APIBase, rt.buildEndpointURL(openaiCfg, "gpt-4o"))
}

func TestSetModel(t *testing.T) {
	rt := &Router{logger: testLogger()}

	out := rt.setModel([]byte(`{"model":"openrouter,anthropic/claude-3.5-sonnet","max_tokens":1024}`), "anthropic/claude-3.5-sonnet")
	assert.Contains(t, string(out), `"model":"anthropic/claude-3.5-sonnet"`)
	assert.Contains(t, string(out), `"max_tokens":1024`)
}

// TestDispatchComposesConfigDrivenTransformerChain exercises spec §4.D's
// config-driven chain end to end: a provider's global `transformer.use` and
// a model's `transformer[model].use` must concatenate, in that order, into
// the chain the registry actually builds for dispatch().
func TestDispatchComposesConfigDrivenTransformerChain(t *testing.T) {
	registry := transform.NewRegistry()

	registry.Register("append-a", func(map[string]any) (*transform.Transformer, error) {
		return &transform.Transformer{
			Name:        "append-a",
			RewriteBody: func(body []byte) ([]byte, error) { return append(body, 'A'), nil },
		}, nil
	})
	registry.Register("append-b", func(map[string]any) (*transform.Transformer, error) {
		return &transform.Transformer{
			Name:        "append-b",
			RewriteBody: func(body []byte) ([]byte, error) { return append(body, 'B'), nil },
		}, nil
	})

	provider := config.Provider{
		Name: "custom",
		Transformer: config.ProviderTransformer{
			Use: []config.TransformerUse{{Name: "append-a"}},
			PerModel: map[string]config.ModelTransformer{
				"model-x": {Use: []config.TransformerUse{{Name: "append-b"}}},
			},
		},
	}

	global, perModel := provider.BuildChainArgs("model-x")
	chain, err := registry.BuildChain(global, perModel)
	require.NoError(t, err)

	out, err := chain.RewriteOutgoing(&transform.HTTPRequest{Body: []byte{}})
	require.NoError(t, err)
	assert.Equal(t, "AB", string(out.Body))

	// A model with no per-model binding only gets the global chain.
	global, perModel = provider.BuildChainArgs("model-y")
	chain, err = registry.BuildChain(global, perModel)
	require.NoError(t, err)

	out, err = chain.RewriteOutgoing(&transform.HTTPRequest{Body: []byte{}})
	require.NoError(t, err)
	assert.Equal(t, "A", string(out.Body))
}

// TestProviderBuildChainArgsDefaultsToProviderName preserves the
// zero-config behavior: a provider with no Transformer binding still gets
// its single same-named transformer.
func TestProviderBuildChainArgsDefaultsToProviderName(t *testing.T) {
	provider := config.Provider{Name: "anthropic"}

	global, perModel := provider.BuildChainArgs("claude-3-5-sonnet-20241022")
	assert.Equal(t, []transform.Use{{Name: "anthropic"}}, global)
	assert.Nil(t, perModel)
}

func TestFindProviderConfig(t *testing.T) {
	rt := &Router{logger: testLogger()}

	cfg := &config.Config{Providers: []config.Provider{{Name: "openai"}, {Name: "anthropic"}}}

	found, err := rt.findProviderConfig("anthropic", cfg)
	assert.NoError(t, err)
	assert.Equal(t, "anthropic", found.Name)

	_, err = rt.findProviderConfig("missing", cfg)
	assert.Error(t, err)
}
