// Package config loads service configuration from an optional YAML file and
// the environment. Environment variables always win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration is the complete service configuration.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service"`
	Transcript    TranscriptConfig    `yaml:"transcript"`
	Session       SessionConfig       `yaml:"session"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig holds listener addresses and service identity.
type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	Env         string `yaml:"env"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCPort    string `yaml:"grpc_port"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// TranscriptConfig configures every transcript engine.
type TranscriptConfig struct {
	ContinuePhrase    string        `yaml:"continue_phrase"`
	RenderMode        string        `yaml:"render_mode"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

// SessionConfig bounds the session manager.
type SessionConfig struct {
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	MaxSessions      int           `yaml:"max_sessions"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

// KafkaConfig configures the snapshot publisher.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicHistory string   `yaml:"topic_history"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Service: ServiceConfig{
			Principal:   "svc-transcript-relay",
			Env:         "prod",
			HTTPAddr:    ":8080",
			GRPCPort:    "50051",
			MetricsAddr: ":9090",
		},
		Transcript: TranscriptConfig{
			RenderMode:        "auto",
			ReassemblyTimeout: 5 * time.Minute,
			TickInterval:      200 * time.Millisecond,
		},
		Session: SessionConfig{
			IdleTimeout:      30 * time.Minute,
			CleanupInterval:  time.Minute,
			MaxSessions:      1000,
			SubscriberBuffer: 16,
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			TopicHistory: "transcript.history",
			TopicFinal:   "transcript.turn.final",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load returns the default configuration with environment overrides applied.
func Load() *Configuration {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads the YAML file at path, applies environment overrides and
// validates the result. An empty path behaves like Load followed by Validate.
func LoadFile(path string) (*Configuration, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Configuration) applyEnv() {
	c.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", c.Service.Principal)
	c.Service.Env = envOrDefault("ENV", c.Service.Env)
	c.Service.HTTPAddr = envOrDefault("HTTP_ADDR", c.Service.HTTPAddr)
	c.Service.GRPCPort = envOrDefault("GRPC_PORT", c.Service.GRPCPort)
	c.Service.MetricsAddr = envOrDefault("METRICS_ADDR", c.Service.MetricsAddr)

	c.Transcript.ContinuePhrase = envOrDefault("TRANSCRIPT_CONTINUE_PHRASE", c.Transcript.ContinuePhrase)
	c.Transcript.RenderMode = envOrDefault("TRANSCRIPT_RENDER_MODE", c.Transcript.RenderMode)
	c.Transcript.ReassemblyTimeout = envOrDefaultDuration("TRANSCRIPT_REASSEMBLY_TIMEOUT", c.Transcript.ReassemblyTimeout)
	c.Transcript.TickInterval = envOrDefaultDuration("TRANSCRIPT_TICK_INTERVAL", c.Transcript.TickInterval)

	c.Session.IdleTimeout = envOrDefaultDuration("SESSION_IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Session.CleanupInterval = envOrDefaultDuration("SESSION_CLEANUP_INTERVAL", c.Session.CleanupInterval)
	c.Session.MaxSessions = envOrDefaultInt("SESSION_MAX_SESSIONS", c.Session.MaxSessions)
	c.Session.SubscriberBuffer = envOrDefaultInt("SESSION_SUBSCRIBER_BUFFER", c.Session.SubscriberBuffer)

	c.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Kafka.Enabled)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	c.Kafka.TopicHistory = envOrDefault("KAFKA_TOPIC_HISTORY", c.Kafka.TopicHistory)
	c.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", c.Kafka.TopicFinal)
	c.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", c.Kafka.Principal)
	if c.Kafka.Principal == "" {
		c.Kafka.Principal = c.Service.Principal
	}

	c.Observability.LogLevel = envOrDefault("LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = envOrDefault("LOG_FORMAT", c.Observability.LogFormat)
}

// Validate checks ranges and enumerations.
func (c *Configuration) Validate() error {
	if c.Service.HTTPAddr == "" {
		return fmt.Errorf("service: http_addr cannot be empty")
	}
	if port, err := strconv.Atoi(c.Service.GRPCPort); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("service: grpc_port must be between 1 and 65535, got %q", c.Service.GRPCPort)
	}

	switch strings.ToLower(c.Transcript.RenderMode) {
	case "", "auto", "text", "word":
	default:
		return fmt.Errorf("transcript: render_mode must be one of [auto, text, word], got %q", c.Transcript.RenderMode)
	}
	if c.Transcript.ReassemblyTimeout <= 0 {
		return fmt.Errorf("transcript: reassembly_timeout must be positive, got %v", c.Transcript.ReassemblyTimeout)
	}
	if c.Transcript.TickInterval <= 0 {
		return fmt.Errorf("transcript: tick_interval must be positive, got %v", c.Transcript.TickInterval)
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session: idle_timeout must be positive, got %v", c.Session.IdleTimeout)
	}
	if c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session: cleanup_interval must be positive, got %v", c.Session.CleanupInterval)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session: max_sessions cannot be negative, got %d", c.Session.MaxSessions)
	}
	if c.Session.SubscriberBuffer < 1 {
		return fmt.Errorf("session: subscriber_buffer must be at least 1, got %d", c.Session.SubscriberBuffer)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka: brokers cannot be empty when kafka is enabled")
		}
		if c.Kafka.TopicHistory == "" || c.Kafka.TopicFinal == "" {
			return fmt.Errorf("kafka: topic_history and topic_final are required when kafka is enabled")
		}
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability: log_level must be one of [trace, debug, info, warn, error], got %q", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability: log_format must be 'json' or 'console', got %q", c.Observability.LogFormat)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
