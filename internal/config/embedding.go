package config

import (
	"fmt"
	"os"
)

// EmbeddingConfig defines configuration for the multimodal embedding provider.
// The same model embeds images and keyword text so both land in one vector space.
type EmbeddingConfig struct {
	Name       string `mapstructure:"name"`         // Identifier used in logs
	Provider   string `mapstructure:"provider"`     // Provider type: "jina", "openai-compatible"
	Model      string `mapstructure:"model"`        // Model name/ID
	APIKey     string `mapstructure:"api_key"`      // API key (can be set directly or via env var)
	APIKeyEnv  string `mapstructure:"api_key_env"`  // Environment variable name for API key
	BaseURL    string `mapstructure:"base_url"`     // Base URL for OpenAI-compatible APIs
	BaseURLEnv string `mapstructure:"base_url_env"` // Environment variable name for base URL
	Dimensions int    `mapstructure:"dimensions"`   // Embedding vector dimensions
	IsDefault  bool   `mapstructure:"is_default"`
}

// ResolveEnvVars resolves environment variable references in the configuration.
// If APIKeyEnv or BaseURLEnv are set, their values are loaded from environment.
// Direct values (APIKey, BaseURL) take precedence if already set.
func (c *EmbeddingConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}

	if c.BaseURLEnv != "" && c.BaseURL == "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Validate checks that the embedding configuration has all required fields.
// Returns an error describing the first validation failure, or nil if valid.
func (c *EmbeddingConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("embedding %q: provider is required", c.Name)
	}
	if c.Model == "" {
		return fmt.Errorf("embedding %q: model is required", c.Name)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("embedding %q: dimensions must be positive", c.Name)
	}

	switch c.Provider {
	case "jina", "openai-compatible":
	default:
		return fmt.Errorf("embedding %q: unknown provider %q", c.Name, c.Provider)
	}

	if c.Provider == "openai-compatible" && c.BaseURL == "" && c.BaseURLEnv == "" {
		return fmt.Errorf("embedding %q: base_url is required for openai-compatible providers", c.Name)
	}

	return nil
}

// ValidateWithAPIKey validates the configuration including API key requirement.
// Use this when the embedding will actually be used (not just configured).
func (c *EmbeddingConfig) ValidateWithAPIKey() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("embedding %q: api_key is required (set directly or via %s)", c.Name, c.APIKeyEnv)
	}
	return nil
}
