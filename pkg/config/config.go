package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agents       AgentsConfig       `yaml:"agents"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Channels     ChannelsConfig     `yaml:"channels"`
	MCP          MCPConfig          `yaml:"mcp"`
	Proactive    ProactiveConfig    `yaml:"proactive"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logging      LoggingConfig      `yaml:"logging"`
	mu           sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults"`
}

type AgentDefaults struct {
	Workspace           string         `yaml:"workspace" env:"DIGICLAW_AGENTS_DEFAULTS_WORKSPACE"`
	Provider            string         `yaml:"provider" env:"DIGICLAW_AGENTS_DEFAULTS_PROVIDER"`
	Model               string         `yaml:"model" env:"DIGICLAW_AGENTS_DEFAULTS_MODEL"`
	MaxTokens           int            `yaml:"max_tokens" env:"DIGICLAW_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature         float64        `yaml:"temperature" env:"DIGICLAW_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxToolIterations   int            `yaml:"max_tool_iterations" env:"DIGICLAW_AGENTS_DEFAULTS_MAX_TOOL_ITERATIONS"`
	MemoryWindow        int            `yaml:"memory_window" env:"DIGICLAW_AGENTS_DEFAULTS_MEMORY_WINDOW"`
	RestrictToWorkspace bool           `yaml:"restrict_to_workspace" env:"DIGICLAW_AGENTS_DEFAULTS_RESTRICT_TO_WORKSPACE"`
	Prefetch            PrefetchConfig `yaml:"prefetch"`
}

// PrefetchConfig names a tool that is executed eagerly when the user message
// contains one of the trigger phrases. Its output is appended to the system
// prompt for that turn.
type PrefetchConfig struct {
	Enabled  bool     `yaml:"enabled" env:"DIGICLAW_PREFETCH_ENABLED"`
	Tool     string   `yaml:"tool" env:"DIGICLAW_PREFETCH_TOOL"`
	Triggers []string `yaml:"triggers" env:"DIGICLAW_PREFETCH_TRIGGERS" envSeparator:","`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	APIBase string `yaml:"api_base"`
}

type ProvidersConfig struct {
	Anthropic  ProviderConfig `yaml:"anthropic"`
	OpenAI     ProviderConfig `yaml:"openai"`
	Moonshot   ProviderConfig `yaml:"moonshot"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
}

type TelegramConfig struct {
	Enabled      bool     `yaml:"enabled" env:"DIGICLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token        string   `yaml:"token" env:"DIGICLAW_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom    []string `yaml:"allow_from" env:"DIGICLAW_CHANNELS_TELEGRAM_ALLOW_FROM" envSeparator:","`
	SendProgress bool     `yaml:"send_progress" env:"DIGICLAW_CHANNELS_TELEGRAM_SEND_PROGRESS"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MCPServerConfig describes one auxiliary tool server. Command selects the
// stdio transport; URL selects streamable HTTP.
type MCPServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

type ProactiveConfig struct {
	Enabled           bool          `yaml:"enabled" env:"DIGICLAW_PROACTIVE_ENABLED"`
	DestinationPrefix string        `yaml:"destination_prefix" env:"DIGICLAW_PROACTIVE_DESTINATION_PREFIX"`
	Deadlines         LoopConfig    `yaml:"deadlines"`
	Calendar          LoopConfig    `yaml:"calendar"`
	Daily             DailyConfig   `yaml:"daily"`
	Study             LoopConfig    `yaml:"study"`
	ExamWindowDays    int           `yaml:"exam_window_days"`
	TaskWindowDays    int           `yaml:"task_window_days"`
	AlertLeadTime     time.Duration `yaml:"alert_lead_time"`
	DeadlineCooldown  time.Duration `yaml:"deadline_cooldown"`
}

type LoopConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type DailyConfig struct {
	LoopConfig `yaml:",inline"`
	// Cron, when set, replaces Interval with the next tick of the expression.
	Cron string `yaml:"cron" env:"DIGICLAW_PROACTIVE_DAILY_CRON"`
}

type NotionConfig struct {
	APIKey            string `yaml:"api_key" env:"NOTION_API_KEY"`
	APIKeyFile        string `yaml:"api_key_file"`
	BaseURL           string `yaml:"base_url"`
	DeadlinesDatabase string `yaml:"deadlines_database" env:"DIGICLAW_NOTION_DEADLINES_DATABASE"`
	ResourcesDatabase string `yaml:"resources_database" env:"DIGICLAW_NOTION_RESOURCES_DATABASE"`
	TitleProperty     string `yaml:"title_property"`
	TypeProperty      string `yaml:"type_property"`
	DueProperty       string `yaml:"due_property"`
	CourseProperty    string `yaml:"course_property"`
	URLProperty       string `yaml:"url_property"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file" env:"DIGICLAW_GOOGLE_CREDENTIALS_FILE"`
	TokenFile       string `yaml:"token_file" env:"DIGICLAW_GOOGLE_TOKEN_FILE"`
	CalendarID      string `yaml:"calendar_id"`
	BaseURL         string `yaml:"base_url"`
	TasksBaseURL    string `yaml:"tasks_base_url"`
	MaxResults      int    `yaml:"max_results"`
}

type IntegrationsConfig struct {
	Notion NotionConfig `yaml:"notion"`
	Google GoogleConfig `yaml:"google"`
}

// GatewayConfig controls the local HTTP status API. An empty APIKey makes
// the server generate a session token at startup.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled" env:"DIGICLAW_GATEWAY_ENABLED"`
	Host    string `yaml:"host" env:"DIGICLAW_GATEWAY_HOST"`
	Port    int    `yaml:"port" env:"DIGICLAW_GATEWAY_PORT"`
	APIKey  string `yaml:"api_key" env:"DIGICLAW_API_KEY"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"DIGICLAW_LOG_LEVEL"`
	Format string `yaml:"format" env:"DIGICLAW_LOG_FORMAT"`
	File   string `yaml:"file" env:"DIGICLAW_LOG_FILE"`
}

var defaultTriggers = []string{
	"task", "to do", "todo", "what should i do", "what do i need", "dark data", "pending",
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.digiclaw/workspace",
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				MemoryWindow:        50,
				RestrictToWorkspace: true,
				Prefetch: PrefetchConfig{
					Enabled:  true,
					Tool:     "list_tasks",
					Triggers: append([]string(nil), defaultTriggers...),
				},
			},
		},
		Proactive: ProactiveConfig{
			Enabled:           true,
			DestinationPrefix: "telegram:",
			Deadlines: LoopConfig{
				Enabled:      true,
				InitialDelay: 10 * time.Second,
				Interval:     time.Hour,
				RetryDelay:   5 * time.Minute,
			},
			Calendar: LoopConfig{
				Enabled:  true,
				Interval: time.Minute,
			},
			Daily: DailyConfig{
				LoopConfig: LoopConfig{
					Enabled:      true,
					InitialDelay: 10 * time.Minute,
					Interval:     24 * time.Hour,
					RetryDelay:   time.Hour,
				},
			},
			Study: LoopConfig{
				Enabled:      true,
				InitialDelay: time.Minute,
				Interval:     4 * time.Hour,
				RetryDelay:   5 * time.Minute,
			},
			ExamWindowDays:   7,
			TaskWindowDays:   3,
			AlertLeadTime:    5 * time.Minute,
			DeadlineCooldown: 24 * time.Hour,
		},
		Integrations: IntegrationsConfig{
			Notion: NotionConfig{
				APIKeyFile:     "~/.config/notion/api_key",
				BaseURL:        "https://api.notion.com/v1",
				TitleProperty:  "Name",
				TypeProperty:   "Type",
				DueProperty:    "Due",
				CourseProperty: "Course",
				URLProperty:    "URL",
			},
			Google: GoogleConfig{
				CredentialsFile: "~/.digiclaw/google/credentials.json",
				TokenFile:       "~/.digiclaw/google/token.json",
				CalendarID:      "primary",
				BaseURL:         "https://www.googleapis.com/calendar/v3",
				TasksBaseURL:    "https://tasks.googleapis.com/tasks/v1",
				MaxResults:      10,
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18790,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads path over the defaults and then applies environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	applyProviderEnv(cfg)

	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := yaml.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// provider keys follow the vendor conventions rather than the DIGICLAW_ prefix
func applyProviderEnv(cfg *Config) {
	keys := []struct {
		env string
		dst *string
	}{
		{"ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey},
		{"OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey},
		{"MOONSHOT_API_KEY", &cfg.Providers.Moonshot.APIKey},
		{"OPENROUTER_API_KEY", &cfg.Providers.OpenRouter.APIKey},
	}
	for _, k := range keys {
		if v := os.Getenv(k.env); v != "" && *k.dst == "" {
			*k.dst = v
		}
	}
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return filepath.Join(home, path[2:])
	}
	return strings.Replace(path, "~", home, 1)
}
