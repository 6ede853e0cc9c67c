package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/toolbridge/toolbridge"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Bot          BotConfig          `mapstructure:"bot"`
	LLM          LLMConfig          `mapstructure:"llm"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Audit        AuditConfig        `mapstructure:"audit"`
}

// BotConfig stores chat-platform settings.
type BotConfig struct {
	Token         string `mapstructure:"token"`          // Discord bot token
	CommandPrefix string `mapstructure:"command_prefix"` // Prefix for text commands, e.g. "!"
	SystemMessage string `mapstructure:"system_message"` // Seed system message for every turn
}

// LLMConfig stores the model endpoint settings.
type LLMConfig struct {
	BaseURL     string  `mapstructure:"base_url"`    // OpenAI-compatible endpoint base URL
	APIKey      string  `mapstructure:"api_key"`     // Bearer token; may come from env
	Model       string  `mapstructure:"model"`       // Model identifier sent with each request
	Temperature float64 `mapstructure:"temperature"` // Sampling temperature
	TopP        float64 `mapstructure:"top_p"`       // Nucleus sampling
	MaxTokens   int     `mapstructure:"max_tokens"`  // Completion token cap; 0 leaves it to the endpoint
}

// ToolServerConfig describes one MCP tool server.
type ToolServerConfig struct {
	Name      string            `mapstructure:"name"`      // Unique server ID, used to qualify tool names
	Transport string            `mapstructure:"transport"` // "sse" or "stdio"
	URL       string            `mapstructure:"url"`       // SSE endpoint URL
	Headers   map[string]string `mapstructure:"headers"`   // Extra HTTP headers for SSE
	Command   string            `mapstructure:"command"`   // Executable for stdio transport
	Args      []string          `mapstructure:"args"`      // Arguments for stdio transport
	Env       map[string]string `mapstructure:"env"`       // Environment for stdio transport
}

// MCPConfig stores tool-server connection settings.
type MCPConfig struct {
	Servers          []ToolServerConfig `mapstructure:"servers"`
	ConnectTimeout   time.Duration      `mapstructure:"connect_timeout"`   // Initialize + tool discovery bound
	CallTimeout      time.Duration      `mapstructure:"call_timeout"`      // Default per tool call bound
	ReconnectInitial time.Duration      `mapstructure:"reconnect_initial"` // First reconnect delay
	ReconnectMax     time.Duration      `mapstructure:"reconnect_max"`     // Backoff cap
}

// OrchestratorConfig stores turn-loop policy and observability settings.
type OrchestratorConfig struct {
	MaxRounds    int           `mapstructure:"max_rounds"`    // Maximum tool-call rounds per turn
	RetryCount   int           `mapstructure:"retry_count"`   // Model endpoint retries
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // Base delay between model retries

	// Rate limiting of turns, keyed by channel
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`

	// Capacity for the turn memoization cache and the compiled-schema memo.
	// Zero disables turn memoization.
	CacheCapacity int `mapstructure:"cache_capacity"`
}

// GatewayConfig stores dispatch settings.
type GatewayConfig struct {
	MaxMessageLength int `mapstructure:"max_message_length"` // Outbound chunk size limit
	QueueCapacity    int `mapstructure:"queue_capacity"`     // Soft cap used for queue preallocation
}

// AuditConfig stores the invocation audit store settings.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"` // Embedded libsql database file
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Bot defaults
	viper.SetDefault("bot.command_prefix", "!")
	viper.SetDefault("bot.system_message", internal.DefaultSystemMessage)

	// LLM defaults
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.model", "local-model")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.top_p", 0.9)
	viper.SetDefault("llm.max_tokens", 1024)

	// MCP defaults
	viper.SetDefault("mcp.connect_timeout", "45s")
	viper.SetDefault("mcp.call_timeout", "120s")
	viper.SetDefault("mcp.reconnect_initial", "15s")
	viper.SetDefault("mcp.reconnect_max", "300s")

	// Orchestrator defaults
	viper.SetDefault("orchestrator.max_rounds", 10)
	viper.SetDefault("orchestrator.retry_count", 2)
	viper.SetDefault("orchestrator.retry_backoff", "100ms")
	viper.SetDefault("orchestrator.rate_limit_enabled", true)
	viper.SetDefault("orchestrator.rate_limit_capacity", 10)
	viper.SetDefault("orchestrator.rate_limit_refill_rate", "1s")
	viper.SetDefault("orchestrator.enable_tracing", true)
	viper.SetDefault("orchestrator.cache_capacity", 256)

	// Gateway defaults
	viper.SetDefault("gateway.max_message_length", internal.DefaultMaxMessageLength)
	viper.SetDefault("gateway.queue_capacity", 16)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.db_path", internal.DefaultAuditDBPath)

	viper.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. llm.api_key becomes LLM_API_KEY
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults and environment variables apply.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	AppConfig = Config{}
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := validate(&AppConfig); err != nil {
		return nil, err
	}

	return &AppConfig, nil
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for _, server := range cfg.MCP.Servers {
		if server.Name == "" {
			return fmt.Errorf("mcp server entry is missing a name")
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate mcp server name %q", server.Name)
		}
		seen[server.Name] = true

		switch server.Transport {
		case "sse":
			if server.URL == "" {
				return fmt.Errorf("mcp server %q: sse transport requires a url", server.Name)
			}
		case "stdio":
			if server.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport requires a command", server.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", server.Name, server.Transport)
		}
	}
	return nil
}
