package providers

import (
	"fmt"
	"strings"

	"github.com/sipeed/digiclaw/pkg/config"
)

const openRouterAPIBase = "https://openrouter.ai/api/v1"

// CreateProvider builds the provider named by agents.defaults.provider. When
// the name is empty it is inferred from the model name.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	defaults := cfg.Agents.Defaults
	name := strings.ToLower(defaults.Provider)
	if name == "" {
		name = inferProvider(defaults.Model)
	}

	switch name {
	case "anthropic", "claude":
		pc := cfg.Providers.Anthropic
		if pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic api key not configured")
		}
		return NewAnthropicProvider(pc.APIKey, pc.APIBase), nil
	case "openai", "gpt":
		pc := cfg.Providers.OpenAI
		if pc.APIKey == "" {
			return nil, fmt.Errorf("openai api key not configured")
		}
		return NewOpenAIProvider(pc.APIKey, pc.APIBase), nil
	case "moonshot", "kimi":
		pc := cfg.Providers.Moonshot
		if pc.APIKey == "" {
			return nil, fmt.Errorf("moonshot api key not configured")
		}
		return NewMoonshotProviderWithBase(pc.APIKey, pc.APIBase), nil
	case "openrouter":
		pc := cfg.Providers.OpenRouter
		if pc.APIKey == "" {
			return nil, fmt.Errorf("openrouter api key not configured")
		}
		base := pc.APIBase
		if base == "" {
			base = openRouterAPIBase
		}
		return newOpenAICompatible(pc.APIKey, base, defaults.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func inferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "moonshot"), strings.HasPrefix(m, "kimi"):
		return "moonshot"
	case strings.Contains(m, "/"):
		return "openrouter"
	default:
		return "openai"
	}
}
