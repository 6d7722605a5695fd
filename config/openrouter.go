package config

import (
	"os"

	"github.com/aschepis/backscratcher/relay/chat"
	"github.com/aschepis/backscratcher/relay/client"
	"github.com/aschepis/backscratcher/relay/retry"
	"github.com/aschepis/backscratcher/relay/transport"
	"github.com/rs/zerolog"
)

const (
	DefaultOpenRouterBaseURL = chat.DefaultBaseURL
	DefaultModel             = "openai/gpt-4o-mini"
)

// OpenRouterConfig holds the API endpoint and the attribution headers
// OpenRouter reads from every request.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty" toml:"model,omitempty"`
	Referer string `yaml:"referer,omitempty" toml:"referer,omitempty"` // sent as HTTP-Referer
	Title   string `yaml:"title,omitempty" toml:"title,omitempty"`     // sent as X-Title
}

// LoadOpenRouterConfig returns the OpenRouter settings with environment
// variable overrides applied.
func LoadOpenRouterConfig(cfg *Config) OpenRouterConfig {
	var or OpenRouterConfig
	if cfg != nil {
		or = cfg.OpenRouter
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		or.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		or.BaseURL = v
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		or.Model = v
	}
	if or.BaseURL == "" {
		or.BaseURL = DefaultOpenRouterBaseURL
	}
	return or
}

// NewTransport creates the HTTP transport carrying the configured credentials.
func (c *Config) NewTransport(opts ...transport.Option) *transport.HTTPTransport {
	base := []transport.Option{
		transport.WithBearerToken(c.OpenRouter.APIKey),
		transport.WithHeader("HTTP-Referer", c.OpenRouter.Referer),
		transport.WithHeader("X-Title", c.OpenRouter.Title),
	}
	return transport.NewHTTPTransport(append(base, opts...)...)
}

// NewClient creates the resilient client for the configured endpoint.
func (c *Config) NewClient(logger zerolog.Logger, opts ...retry.Option) (*client.Client, error) {
	return client.New(c.NewTransport(), c.Retry, c.Client, logger, opts...)
}

// NewChatClient creates a chat client for the configured endpoint.
func (c *Config) NewChatClient(logger zerolog.Logger, opts ...retry.Option) (*chat.Client, error) {
	cl, err := c.NewClient(logger, opts...)
	if err != nil {
		return nil, err
	}
	return chat.New(cl, c.OpenRouter.BaseURL, logger), nil
}
