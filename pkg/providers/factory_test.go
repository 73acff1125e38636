package providers

import (
	"testing"

	"github.com/sipeed/digiclaw/pkg/config"
)

func TestCreateProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		setup    func(*config.Config)
		wantType string
		wantErr  bool
	}{
		{
			name:     "anthropic explicit",
			provider: "anthropic",
			setup:    func(c *config.Config) { c.Providers.Anthropic.APIKey = "k" },
			wantType: "*providers.AnthropicProvider",
		},
		{
			name:     "moonshot inferred from model",
			model:    "moonshot-v1-32k",
			setup:    func(c *config.Config) { c.Providers.Moonshot.APIKey = "k" },
			wantType: "*providers.MoonshotProvider",
		},
		{
			name:     "openrouter inferred from slash",
			model:    "google/gemini-2.5-flash",
			setup:    func(c *config.Config) { c.Providers.OpenRouter.APIKey = "k" },
			wantType: "*providers.OpenAIProvider",
		},
		{
			name:     "missing key",
			provider: "openai",
			setup:    func(c *config.Config) {},
			wantErr:  true,
		},
		{
			name:     "unknown provider",
			provider: "carrier-pigeon",
			setup:    func(c *config.Config) {},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Agents.Defaults.Provider = tt.provider
			if tt.model != "" {
				cfg.Agents.Defaults.Model = tt.model
			}
			tt.setup(cfg)

			p, err := CreateProvider(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateProvider: %v", err)
			}
			if got := typeName(p); got != tt.wantType {
				t.Errorf("type = %s, want %s", got, tt.wantType)
			}
		})
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *AnthropicProvider:
		return "*providers.AnthropicProvider"
	case *MoonshotProvider:
		return "*providers.MoonshotProvider"
	case *OpenAIProvider:
		return "*providers.OpenAIProvider"
	}
	return "unknown"
}
