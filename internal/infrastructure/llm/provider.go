package llm

import (
	"context"

	"github.com/siddharth-ghatti/safe-coder/internal/domain/service"
)

// Provider is the infrastructure-layer LLM provider interface.
// Each provider implements service.LLMClient by translating the domain
// Message/ContentBlock/ToolDefinition types to its vendor wire format.
type Provider interface {
	service.LLMClient

	// Name returns the provider identifier (e.g. "anthropic", "openai")
	Name() string

	// SupportsModel checks whether a model id belongs to this provider
	SupportsModel(model string) bool

	// IsAvailable checks if the provider is configured and reachable
	IsAvailable(ctx context.Context) bool
}

// ProviderConfig holds configuration for one LLM provider.
type ProviderConfig struct {
	Name    string `mapstructure:"name"` // "anthropic" | "openai"
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"` // default model id
}
