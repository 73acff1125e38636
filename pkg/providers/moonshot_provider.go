package providers

import (
	"context"
	"fmt"
)

const (
	moonshotAPIBase      = "https://api.moonshot.cn/v1"
	moonshotDefaultModel = "moonshot-v1-32k"
)

// MoonshotProvider is a provider for Moonshot AI API
// (Chinese LLM provider: https://www.moonshot.cn/)
// Moonshot uses OpenAI-compatible API format
type MoonshotProvider struct {
	compat *OpenAIProvider
}

// NewMoonshotProvider creates a new Moonshot provider
func NewMoonshotProvider(apiKey string) *MoonshotProvider {
	return NewMoonshotProviderWithBase(apiKey, moonshotAPIBase)
}

// NewMoonshotProviderWithBase creates a new Moonshot provider with custom API base
func NewMoonshotProviderWithBase(apiKey, apiBase string) *MoonshotProvider {
	if apiBase == "" {
		apiBase = moonshotAPIBase
	}
	return &MoonshotProvider{
		compat: newOpenAICompatible(apiKey, apiBase, moonshotDefaultModel),
	}
}

// Chat sends a request to Moonshot API
func (p *MoonshotProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p.compat == nil {
		return nil, fmt.Errorf("moonshot provider not initialized")
	}
	if model == "" {
		model = moonshotDefaultModel
	}
	return p.compat.Chat(ctx, messages, tools, model, options)
}

// GetDefaultModel returns the default Moonshot model
func (p *MoonshotProvider) GetDefaultModel() string {
	return moonshotDefaultModel
}

// Ensure MoonshotProvider implements LLMProvider interface
var _ LLMProvider = (*MoonshotProvider)(nil)
