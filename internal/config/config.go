package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mihaisavezi/claude-code-open/internal/transform"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultHost           = "127.0.0.1"
)

var (
	// Default provider URLs
	DefaultProviderURLs = map[string]string{
		"openrouter": "https://openrouter.ai/api/v1/chat/completions",
		"openai":     "https://api.openai.com/v1/chat/completions",
		"anthropic":  "https://api.anthropic.com/v1/messages",
		"nvidia":     "https://integrate.api.nvidia.com/v1/chat/completions",
		"gemini":     "https://generativelanguage.googleapis.com/v1beta/models",
	}

	// Default models for each provider
	DefaultProviderModels = map[string][]string{
		"openrouter": {
			"anthropic/claude-3.5-sonnet",
			"anthropic/claude-3-opus",
			"openai/gpt-4-turbo",
			"openai/gpt-4o",
		},
		"openai": {
			"gpt-4o",
			"gpt-4-turbo",
			"gpt-4",
			"gpt-3.5-turbo",
		},
		"anthropic": {
			"claude-3-5-sonnet-20241022",
			"claude-3-opus-20240229",
			"claude-3-haiku-20240307",
		},
		"nvidia": {
			"nvidia/llama-3.1-nemotron-70b-instruct",
			"nvidia/llama-3.1-nemotron-51b-instruct",
		},
		"gemini": {
			"gemini-2.0-flash",
			"gemini-1.5-pro",
			"gemini-1.5-flash",
		},
	}
)

type Provider struct {
	Name           string   `json:"name" yaml:"name"`
	APIBase        string   `json:"api_base_url" yaml:"url,omitempty"`
	APIKeys        []string `json:"api_keys" yaml:"api_keys,omitempty"`
	Models         []string `json:"models" yaml:"models,omitempty"`
	ModelWhitelist []string `json:"model_whitelist,omitempty" yaml:"model_whitelist,omitempty"`
	DefaultModels  []string `json:"default_models,omitempty" yaml:"default_models,omitempty"`
	// Disabled excludes the provider from dispatch without deleting its
	// config, toggled via POST /api/providers/enabled.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Transformer drives the chain the router builds for every call to this
	// provider (spec §4.D): Use applies to every model, PerModel[model].Use
	// is appended on top for that specific model.
	Transformer ProviderTransformer `json:"transformer,omitempty" yaml:"transformer,omitempty"`

	// keyCursor is the round-robin read position into APIKeys (spec.md
	// apiKeys[] invariant). Providers live in a []Provider slice and are
	// always handed out as *Provider by findProviderConfig, so this cursor
	// is shared across every dispatch() call that selects this provider.
	keyCursor atomic.Uint32
}

// NextAPIKey returns the next API key for this provider, round-robin, or
// false if none are configured.
func (p *Provider) NextAPIKey() (string, bool) {
	if len(p.APIKeys) == 0 {
		return "", false
	}

	i := p.keyCursor.Add(1) - 1

	return p.APIKeys[int(i)%len(p.APIKeys)], true
}

// TransformerUse names one transformer binding, mirroring transform.Use.
type TransformerUse struct {
	Name    string         `json:"name" yaml:"name"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// ModelTransformer is a per-model transformer.use list (spec §4.D
// provider.transformer[model].use), appended after Use.
type ModelTransformer struct {
	Use []TransformerUse `json:"use,omitempty" yaml:"use,omitempty"`
}

// ProviderTransformer is a provider's config-driven transformer chain (spec
// §4.D): Use is the global chain, PerModel[model].Use is concatenated after
// it for that model only.
type ProviderTransformer struct {
	Use      []TransformerUse            `json:"use,omitempty" yaml:"use,omitempty"`
	PerModel map[string]ModelTransformer `json:"model,omitempty" yaml:"model,omitempty"`
}

// BuildChainArgs translates this provider's configured transformer bindings into
// the engine's transform.Use lists, falling back to a single transformer
// named after the provider when none are configured (preserving the
// zero-config default of one same-named transformer per provider).
func (p *Provider) BuildChainArgs(model string) (global []transform.Use, perModel []transform.Use) {
	if len(p.Transformer.Use) == 0 && len(p.Transformer.PerModel) == 0 {
		return []transform.Use{{Name: p.Name}}, nil
	}

	for _, u := range p.Transformer.Use {
		global = append(global, transform.Use{Name: u.Name, Options: u.Options})
	}

	if mt, ok := p.Transformer.PerModel[model]; ok {
		for _, u := range mt.Use {
			perModel = append(perModel, transform.Use{Name: u.Name, Options: u.Options})
		}
	}

	return global, perModel
}

type RouterConfig struct {
	Default     string `json:"default" yaml:"default,omitempty"`
	Think       string `json:"think,omitempty" yaml:"think,omitempty"`
	Background  string `json:"background,omitempty" yaml:"background,omitempty"`
	LongContext string `json:"longContext,omitempty" yaml:"long_context,omitempty"`
	WebSearch   string `json:"webSearch,omitempty" yaml:"web_search,omitempty"`
}

// MCPServerConfig describes one upstream MCP server the aggregator should
// connect to. Its group (the "group" in GET /mcp/:group) is its own key in
// Config.MCPServers — there is no separate grouping concept. Transport is
// one of "stdio", "sse", or "http"; the matching fields below apply.
type MCPServerConfig struct {
	Transport string            `json:"transport" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// AgentConfig binds a named agent loop to a model and the MCP server groups
// whose tools it may call, plus the bound transformer chain beyond the
// provider's global one.
type AgentConfig struct {
	Name         string   `json:"name" yaml:"name"`
	Model        string   `json:"model" yaml:"model"`
	MCPGroups    []string `json:"mcp_groups,omitempty" yaml:"mcp_groups,omitempty"`
	MaxToolRounds int     `json:"max_tool_rounds,omitempty" yaml:"max_tool_rounds,omitempty"`
	Transformers []string `json:"transformers,omitempty" yaml:"transformers,omitempty"`
}

type Config struct {
	Host       string                     `json:"HOST,omitempty" yaml:"host,omitempty"`
	Port       int                        `json:"PORT,omitempty" yaml:"port,omitempty"`
	APIKey     string                     `json:"APIKEY,omitempty" yaml:"api_key,omitempty"`
	Providers  []Provider                 `json:"Providers" yaml:"providers"`
	Router     RouterConfig               `json:"Router" yaml:"router,omitempty"`
	MCPServers map[string]MCPServerConfig `json:"MCPServers,omitempty" yaml:"mcp_servers,omitempty"`
	Agents     []AgentConfig              `json:"Agents,omitempty" yaml:"agents,omitempty"`
}

type Manager struct {
	baseDir      string
	jsonPath     string
	yamlPath     string
	configValue  atomic.Value
	needsRestart atomic.Bool
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

// createMinimalConfig creates a minimal configuration listing every built-in
// provider (with no API keys set) and a default router table
func (m *Manager) createMinimalConfig() Config {
	return Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Providers: []Provider{
			{Name: "openrouter"},
			{Name: "openai"},
			{Name: "anthropic"},
			{Name: "nvidia"},
			{Name: "gemini"},
		},
		Router: RouterConfig{
			Default:     "openrouter,anthropic/claude-3.5-sonnet",
			Think:       "openai,o1-preview",
			Background:  "anthropic,claude-3-haiku-20240307",
			LongContext: "anthropic,claude-3-5-sonnet-20241022",
			WebSearch:   "openrouter,perplexity/llama-3.1-sonar-huge-128k-online",
		},
	}
}

func (m *Manager) Load() (*Config, error) {
	var cfg Config
	var err error

	// Check if CCO_API_KEY is set - if so, we can run without a config file
	ccoAPIKey := os.Getenv("CCO_API_KEY")
	
	// Try YAML first (takes precedence)
	if _, yamlErr := os.Stat(m.yamlPath); yamlErr == nil {
		cfg, err = m.loadYAML()
		if err != nil {
			return nil, fmt.Errorf("load YAML config: %w", err)
		}
	} else if _, jsonErr := os.Stat(m.jsonPath); jsonErr == nil {
		cfg, err = m.loadJSON()
		if err != nil {
			return nil, fmt.Errorf("load JSON config: %w", err)
		}
	} else if ccoAPIKey != "" {
		// No config file found, but CCO_API_KEY is set - create minimal config
		cfg = m.createMinimalConfig()
	} else {
		return nil, fmt.Errorf("no configuration file found (looked for %s or %s) and CCO_API_KEY environment variable not set", m.yamlPath, m.jsonPath)
	}

	// Apply defaults and validation
	if err := m.applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) loadYAML() (Config, error) {
	var cfg Config

	data, err := os.ReadFile(m.yamlPath)
	if err != nil {
		return cfg, fmt.Errorf("read YAML config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal YAML config: %w", err)
	}

	return cfg, nil
}

func (m *Manager) loadJSON() (Config, error) {
	var cfg Config

	data, err := os.ReadFile(m.jsonPath)
	if err != nil {
		return cfg, fmt.Errorf("read JSON config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal JSON config: %w", err)
	}

	return cfg, nil
}

func (m *Manager) applyDefaults(cfg *Config) error {
	// Set basic defaults
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	// Apply provider defaults
	for i := range cfg.Providers {
		provider := &cfg.Providers[i]

		// Set default URL if not provided
		if provider.APIBase == "" {
			if defaultURL, exists := DefaultProviderURLs[provider.Name]; exists {
				provider.APIBase = defaultURL
			}
		}

		// Set default models if not provided
		if len(provider.DefaultModels) == 0 {
			if defaultModels, exists := DefaultProviderModels[provider.Name]; exists {
				provider.DefaultModels = make([]string, len(defaultModels))
				copy(provider.DefaultModels, defaultModels)
			}
		}

		// Validate model whitelist against default models if provided
		if len(provider.ModelWhitelist) > 0 && len(provider.DefaultModels) > 0 {
			// Filter default models based on whitelist
			var filteredDefaults []string
			for _, model := range provider.DefaultModels {
				for _, whitelisted := range provider.ModelWhitelist {
					if strings.Contains(model, whitelisted) || model == whitelisted {
						filteredDefaults = append(filteredDefaults, model)
						break
					}
				}
			}
			provider.DefaultModels = filteredDefaults
		}
	}

	return nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		// Return a config with defaults if loading fails
		return &Config{
			Host: DefaultHost,
			Port: DefaultPort,
		}
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// Prefer YAML format for new saves
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}

	if err := os.WriteFile(m.yamlPath, data, 0644); err != nil {
		return fmt.Errorf("write YAML config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) SaveAsYAML(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal YAML config: %w", err)
	}

	if err := os.WriteFile(m.yamlPath, data, 0644); err != nil {
		return fmt.Errorf("write YAML config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) SaveAsJSON(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON config: %w", err)
	}

	if err := os.WriteFile(m.jsonPath, data, 0644); err != nil {
		return fmt.Errorf("write JSON config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	// Return YAML path if it exists, otherwise JSON path
	if _, err := os.Stat(m.yamlPath); err == nil {
		return m.yamlPath
	}
	return m.jsonPath
}

func (m *Manager) GetYAMLPath() string {
	return m.yamlPath
}

func (m *Manager) GetJSONPath() string {
	return m.jsonPath
}

func (m *Manager) Exists() bool {
	_, yamlErr := os.Stat(m.yamlPath)
	_, jsonErr := os.Stat(m.jsonPath)
	return yamlErr == nil || jsonErr == nil
}

func (m *Manager) HasYAML() bool {
	_, err := os.Stat(m.yamlPath)
	return err == nil
}

func (m *Manager) HasJSON() bool {
	_, err := os.Stat(m.jsonPath)
	return err == nil
}

// CreateExampleYAML creates an example YAML configuration with all available providers
func (m *Manager) CreateExampleYAML() error {
	cfg := &Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		APIKey: "your-proxy-api-key-here", // Optional API key to protect the proxy
		Providers: []Provider{
			{
				Name:    "openrouter",
				APIKeys: []string{"your-openrouter-api-key"},
				// URL will be set to default
				// DefaultModels will be populated from defaults
				ModelWhitelist: []string{"claude", "gpt-4"}, // Optional: restrict to specific models
			},
			{
				Name:    "openai",
				APIKeys: []string{"your-openai-api-key"},
			},
			{
				Name:    "anthropic",
				APIKeys: []string{"your-anthropic-api-key"},
			},
			{
				Name:    "nvidia",
				APIKeys: []string{"your-nvidia-api-key"},
			},
			{
				Name:    "gemini",
				APIKeys: []string{"your-gemini-api-key"},
			},
		},
		Router: RouterConfig{
			Default:     "openrouter,anthropic/claude-3.5-sonnet",
			Think:       "openai,o1-preview",
			Background:  "anthropic,claude-3-haiku-20240307",
			LongContext: "anthropic,claude-3-5-sonnet-20241022",
			WebSearch:   "openrouter,perplexity/llama-3.1-sonar-huge-128k-online",
		},
	}

	// Apply defaults to populate URLs and default models
	if err := m.applyDefaults(cfg); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}

	return m.SaveAsYAML(cfg)
}

// IsModelAllowed checks if a model is allowed based on the provider's whitelist
func (p *Provider) IsModelAllowed(model string) bool {
	// If no whitelist is defined, all models are allowed
	if len(p.ModelWhitelist) == 0 {
		return true
	}

	// Check if model matches any whitelist entry
	for _, whitelisted := range p.ModelWhitelist {
		if strings.Contains(model, whitelisted) || model == whitelisted {
			return true
		}
	}
	return false
}

// Watch starts an fsnotify watch on both candidate config paths and returns a
// channel that receives a signal after each successful reload. The watcher
// and channel are closed when ctx is canceled. Reload errors are logged and
// otherwise ignored, leaving the last-good config in place.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	for _, dir := range []string{filepath.Dir(m.yamlPath), filepath.Dir(m.jsonPath)} {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("failed to watch config directory", "dir", dir, "error", err)
		}
	}

	reloaded := make(chan struct{}, 1)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Name != m.yamlPath && event.Name != m.jsonPath {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if _, err := m.Load(); err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}

				logger.Info("config reloaded", "path", event.Name)

				select {
				case reloaded <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Error("config watcher error", "error", err)
			}
		}
	}()

	return reloaded, nil
}

// MarkRestartNeeded flags that the last admin mutation cannot take effect in
// the running process (spec §4.I).
func (m *Manager) MarkRestartNeeded() {
	m.needsRestart.Store(true)
}

// NeedsRestart reports whether an admin mutation is waiting on a restart.
func (m *Manager) NeedsRestart() bool {
	return m.needsRestart.Load()
}

// ClearRestartFlag resets the restart-needed flag, called once the process
// has actually restarted.
func (m *Manager) ClearRestartFlag() {
	m.needsRestart.Store(false)
}

// GetAllowedModels returns all models that are allowed based on the whitelist
func (p *Provider) GetAllowedModels() []string {
	if len(p.ModelWhitelist) == 0 {
		return p.DefaultModels
	}

	var allowed []string
	for _, model := range p.DefaultModels {
		if p.IsModelAllowed(model) {
			allowed = append(allowed, model)
		}
	}
	return allowed
}
