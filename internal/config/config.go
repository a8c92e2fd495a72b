// Package config loads Mathia's YAML configuration and applies secret
// overrides from the environment, splitting checked-in structure from
// environment-sourced credentials.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Bridge     BridgeConfig     `yaml:"bridge"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	LLM        LLMConfig        `yaml:"llm"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Cron       CronConfig       `yaml:"cron"`
	API        APIConfig        `yaml:"api"`
	MCP        MCPConfig        `yaml:"mcp"`

	// Secrets, resolved from the environment; never stored in the YAML file.
	MasterKey         []byte   `yaml:"-"`
	LegacyKeys        [][]byte `yaml:"-"`
	OpenAIAPIKey      string   `yaml:"-"`
	AnthropicKey      string   `yaml:"-"`
	SessionSigningKey []byte   `yaml:"-"`
}

type BridgeConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	MaxBroadcastQueue int           `yaml:"max_broadcast_queue"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type LLMConfig struct {
	PrimaryProvider   string        `yaml:"primary_provider"`
	SecondaryProvider string        `yaml:"secondary_provider"`
	DefaultModel      string        `yaml:"default_model"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

type RateLimitConfig struct {
	ConnectorDefaultPerHour int `yaml:"connector_default_per_hour"`
	MessagesPerMinutePerRoom int `yaml:"messages_per_minute_per_room"`
}

type CronConfig struct {
	ReminderTick      time.Duration `yaml:"reminder_tick"`
	ModerationTick    time.Duration `yaml:"moderation_tick"`
	SummarizationTick time.Duration `yaml:"summarization_tick"`
}

type APIConfig struct {
	CSRFHeader string `yaml:"csrf_header"`
}

// MCPConfig lists the external MCP tool servers Mathia's router can
// dispatch actions to, alongside the built-in connectors.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	Name string `yaml:"name"`
	// Endpoint is the server's streamable-HTTP MCP endpoint.
	Endpoint string `yaml:"endpoint"`
	// AuthTokenEnv names the environment variable holding this server's
	// bearer token, resolved at Load time; never stored in the YAML file.
	AuthTokenEnv string `yaml:"auth_token_env"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
	ActionTools    map[string]string `yaml:"action_tools"`

	// AuthToken is resolved from AuthTokenEnv by Load; not read from YAML.
	AuthToken string `yaml:"-"`
}

// Defaults returns a Config populated with Mathia's baseline operating
// values (100/hour rate limit, 60/300/900s ticks, 1000-frame broadcast queue…).
func Defaults() Config {
	return Config{
		Bridge: BridgeConfig{
			ListenAddr:        ":8080",
			MaxBroadcastQueue: 1000,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
		},
		Store: StoreConfig{SQLitePath: "mathia.db"},
		Redis: RedisConfig{URL: "redis://127.0.0.1:6379/0"},
		LLM: LLMConfig{
			PrimaryProvider:   "openai",
			SecondaryProvider: "anthropic",
			DefaultModel:      "gpt-4o-mini",
			RequestTimeout:    45 * time.Second,
			MaxRetries:        3,
		},
		RateLimits: RateLimitConfig{
			ConnectorDefaultPerHour:  100,
			MessagesPerMinutePerRoom: 30,
		},
		Cron: CronConfig{
			ReminderTick:      60 * time.Second,
			ModerationTick:    300 * time.Second,
			SummarizationTick: 900 * time.Second,
		},
		API: APIConfig{CSRFHeader: "X-CSRF-Token"},
	}
}

// Load reads path (if present), applies it over Defaults(), then layers
// environment variables (loaded from .env via godotenv when present, as in
// intelligencedev-manifold's bootstrap) on top for secrets.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	master, err := decodeKey(os.Getenv("MATHIA_MASTER_KEY"))
	if err != nil {
		return nil, fmt.Errorf("config: MATHIA_MASTER_KEY: %w", err)
	}
	cfg.MasterKey = master

	if raw := os.Getenv("MATHIA_LEGACY_KEYS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			key, err := decodeKey(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("config: MATHIA_LEGACY_KEYS: %w", err)
			}
			cfg.LegacyKeys = append(cfg.LegacyKeys, key)
		}
	}

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")

	sessionKey, err := decodeKey(os.Getenv("MATHIA_SESSION_SIGNING_KEY"))
	if err != nil {
		return nil, fmt.Errorf("config: MATHIA_SESSION_SIGNING_KEY: %w", err)
	}
	cfg.SessionSigningKey = sessionKey

	if v := os.Getenv("MATHIA_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MATHIA_LISTEN_ADDR"); v != "" {
		cfg.Bridge.ListenAddr = v
	}
	if v := os.Getenv("MATHIA_RATE_LIMIT_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimits.ConnectorDefaultPerHour = n
		}
	}

	for i, server := range cfg.MCP.Servers {
		if server.AuthTokenEnv != "" {
			cfg.MCP.Servers[i].AuthToken = os.Getenv(server.AuthTokenEnv)
		}
	}

	return &cfg, nil
}

func decodeKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return key, nil
}
