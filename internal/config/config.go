// Package config loads and validates the service configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatty.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chat      ChatConfig      `yaml:"chat"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	RAG       RAGConfig       `yaml:"rag"`
	Cache     CacheConfig     `yaml:"cache"`
	Prewarm   PrewarmConfig   `yaml:"prewarm"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIPrefix   string `yaml:"api_prefix"`
}

// ChatConfig holds the admission and execution knobs for the chat pipeline.
type ChatConfig struct {
	// InboxMaxSize caps the number of admitted, unfinished requests.
	InboxMaxSize int `yaml:"inbox_max_size"`

	// MaxConcurrency caps in-flight model invocations across replicas.
	MaxConcurrency int `yaml:"max_concurrency"`

	// AcquireTimeout bounds the wait for a model slot.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// SlotTimeout is the TTL refreshed on every shared counter so a
	// crashed holder cannot wedge admission forever.
	SlotTimeout time.Duration `yaml:"slot_timeout"`

	// RequestTimeout bounds one whole stream, wall clock.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// ChatRateLimitPerSecond is the per-IP sliding-window limit; 0 disables.
	ChatRateLimitPerSecond int `yaml:"chat_rate_limit_per_second"`

	// ChatGlobalRateLimit is the service-wide sliding-window limit; 0 disables.
	ChatGlobalRateLimit int `yaml:"chat_global_rate_limit"`

	// DedupWindow suppresses identical (ip, query) pairs; 0 disables.
	DedupWindow time.Duration `yaml:"dedup_window"`

	// MaxConversationLength caps how much history is loaded per turn.
	MaxConversationLength int `yaml:"max_conversation_length"`

	// MaxToolRounds caps model/tool round trips per request.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// SendTraceback switches error events from sanitized messages to the
	// full failure detail. Keep off outside development.
	SendTraceback bool `yaml:"send_traceback"`
}

// RedisConfig selects the shared admission backend. An empty Addr keeps
// admission state in process, which is only safe for single-replica runs.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ModelConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	Name        string `yaml:"name"`
	PersonaFile string `yaml:"persona_file"`
}

type EmbeddingConfig struct {
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type RAGConfig struct {
	Enabled   bool    `yaml:"enabled"`
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
}

type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold float64       `yaml:"threshold"`
	TTL       time.Duration `yaml:"ttl"`
}

type PrewarmConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Prompt   string `yaml:"prompt"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load reads and parses the configuration file. Environment variables in the
// file body are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.APIPrefix == "" {
		cfg.Server.APIPrefix = "/api/v1"
	}

	if cfg.Chat.InboxMaxSize == 0 {
		cfg.Chat.InboxMaxSize = 64
	}
	if cfg.Chat.MaxConcurrency == 0 {
		cfg.Chat.MaxConcurrency = 4
	}
	if cfg.Chat.AcquireTimeout == 0 {
		cfg.Chat.AcquireTimeout = 10 * time.Second
	}
	if cfg.Chat.SlotTimeout == 0 {
		cfg.Chat.SlotTimeout = 90 * time.Second
	}
	if cfg.Chat.RequestTimeout == 0 {
		cfg.Chat.RequestTimeout = 5 * time.Minute
	}
	if cfg.Chat.ToolTimeout == 0 {
		cfg.Chat.ToolTimeout = 30 * time.Second
	}
	if cfg.Chat.MaxConversationLength == 0 {
		cfg.Chat.MaxConversationLength = 20
	}
	if cfg.Chat.MaxToolRounds == 0 {
		cfg.Chat.MaxToolRounds = 3
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "chatty"
	}

	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Model.Name == "" {
		cfg.Model.Name = "gpt-4o-mini"
	}

	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 1536
	}

	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 4
	}
	if cfg.RAG.Threshold == 0 {
		cfg.RAG.Threshold = 0.7
	}

	if cfg.Cache.Threshold == 0 {
		cfg.Cache.Threshold = 0.95
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}

	if cfg.Prewarm.Schedule == "" {
		cfg.Prewarm.Schedule = "*/5 * * * *"
	}
	if cfg.Prewarm.Prompt == "" {
		cfg.Prewarm.Prompt = "ping"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Chat.InboxMaxSize < 0 {
		return fmt.Errorf("chat.inbox_max_size must not be negative")
	}
	if c.Chat.MaxConcurrency < 1 {
		return fmt.Errorf("chat.max_concurrency must be at least 1")
	}
	if c.Chat.AcquireTimeout <= 0 {
		return fmt.Errorf("chat.acquire_timeout must be positive")
	}
	if c.Chat.SlotTimeout <= 0 {
		return fmt.Errorf("chat.slot_timeout must be positive")
	}
	if c.Chat.RequestTimeout <= 0 {
		return fmt.Errorf("chat.request_timeout must be positive")
	}
	if c.Chat.ToolTimeout <= 0 {
		return fmt.Errorf("chat.tool_timeout must be positive")
	}
	if c.Chat.ChatRateLimitPerSecond < 0 || c.Chat.ChatGlobalRateLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Chat.DedupWindow < 0 {
		return fmt.Errorf("chat.dedup_window must not be negative")
	}
	if c.Chat.MaxToolRounds < 1 {
		return fmt.Errorf("chat.max_tool_rounds must be at least 1")
	}
	return nil
}
