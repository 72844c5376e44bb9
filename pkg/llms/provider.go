package llms

import (
	"fmt"

	"github.com/strandworks/strand/pkg/registry"
	"github.com/strandworks/strand/pkg/runs"
)

// ProviderConfig parameterizes a model provider client.
type ProviderConfig struct {
	Provider    string   `yaml:"provider" json:"provider"`
	Model       string   `yaml:"model" json:"model"`
	APIKey      string   `yaml:"api_key" json:"api_key"`
	Host        string   `yaml:"host" json:"host"`
	Temperature *float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens"`
	Timeout     int      `yaml:"timeout" json:"timeout"`
	MaxRetries  int      `yaml:"max_retries" json:"max_retries"`
	RetryDelay  int      `yaml:"retry_delay" json:"retry_delay"`
}

// SetDefaults fills unset fields.
func (c *ProviderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Host == "" {
		switch c.Provider {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// Validate checks required fields.
func (c *ProviderConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported model provider: %s", c.Provider)
	}
	return nil
}

// Apply overlays a run's model selection on the base config. Switching
// providers discards the base credentials and host; they only carry over
// when the provider matches.
func (c ProviderConfig) Apply(mc *runs.ModelConfig) ProviderConfig {
	if mc == nil {
		return c
	}
	if mc.Provider != "" && mc.Provider != c.Provider {
		c.Provider = mc.Provider
		c.Host = ""
		c.APIKey = ""
	}
	if mc.Model != "" {
		c.Model = mc.Model
	}
	if mc.Temperature != nil {
		c.Temperature = mc.Temperature
	}
	if mc.MaxTokens > 0 {
		c.MaxTokens = mc.MaxTokens
	}
	if mc.APIKey != "" {
		c.APIKey = mc.APIKey
	}
	if mc.BaseURL != "" {
		c.Host = mc.BaseURL
	}
	return c
}

// New creates the provider client named by cfg.Provider.
func New(cfg ProviderConfig) (Provider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// Registry holds named provider clients.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
