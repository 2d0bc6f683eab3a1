package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"SERVICE_PRINCIPAL", "ENV", "HTTP_ADDR", "GRPC_PORT", "METRICS_ADDR",
	"TRANSCRIPT_CONTINUE_PHRASE", "TRANSCRIPT_RENDER_MODE",
	"TRANSCRIPT_REASSEMBLY_TIMEOUT", "TRANSCRIPT_TICK_INTERVAL",
	"SESSION_IDLE_TIMEOUT", "SESSION_CLEANUP_INTERVAL",
	"SESSION_MAX_SESSIONS", "SESSION_SUBSCRIBER_BUFFER",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_TOPIC_HISTORY", "KAFKA_TOPIC_FINAL", "KAFKA_PRINCIPAL",
	"LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-transcript-relay" {
		t.Errorf("expected default principal 'svc-transcript-relay', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Service.HTTPAddr != ":8080" {
		t.Errorf("expected default http addr ':8080', got %s", cfg.Service.HTTPAddr)
	}

	// Transcript defaults
	if cfg.Transcript.RenderMode != "auto" {
		t.Errorf("expected default render mode 'auto', got %s", cfg.Transcript.RenderMode)
	}
	if cfg.Transcript.ReassemblyTimeout != 5*time.Minute {
		t.Errorf("expected default reassembly timeout 5m, got %v", cfg.Transcript.ReassemblyTimeout)
	}
	if cfg.Transcript.TickInterval != 200*time.Millisecond {
		t.Errorf("expected default tick interval 200ms, got %v", cfg.Transcript.TickInterval)
	}
	if cfg.Transcript.ContinuePhrase != "" {
		t.Errorf("expected no default continue phrase, got %q", cfg.Transcript.ContinuePhrase)
	}

	// Session defaults
	if cfg.Session.MaxSessions != 1000 {
		t.Errorf("expected default max sessions 1000, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("expected default idle timeout 30m, got %v", cfg.Session.IdleTimeout)
	}

	// Kafka defaults
	if cfg.Kafka.Enabled {
		t.Error("expected kafka disabled by default")
	}
	if cfg.Kafka.TopicHistory != "transcript.history" {
		t.Errorf("expected default history topic, got %s", cfg.Kafka.TopicHistory)
	}

	// Observability defaults
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRANSCRIPT_CONTINUE_PHRASE", "Please continue.")
	t.Setenv("TRANSCRIPT_RENDER_MODE", "word")
	t.Setenv("TRANSCRIPT_REASSEMBLY_TIMEOUT", "30s")
	t.Setenv("TRANSCRIPT_TICK_INTERVAL", "50ms")
	t.Setenv("SESSION_MAX_SESSIONS", "10")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Transcript.ContinuePhrase != "Please continue." {
		t.Errorf("expected continue phrase, got %q", cfg.Transcript.ContinuePhrase)
	}
	if cfg.Transcript.RenderMode != "word" {
		t.Errorf("expected render mode 'word', got %s", cfg.Transcript.RenderMode)
	}
	if cfg.Transcript.ReassemblyTimeout != 30*time.Second {
		t.Errorf("expected reassembly timeout 30s, got %v", cfg.Transcript.ReassemblyTimeout)
	}
	if cfg.Transcript.TickInterval != 50*time.Millisecond {
		t.Errorf("expected tick interval 50ms, got %v", cfg.Transcript.TickInterval)
	}
	if cfg.Session.MaxSessions != 10 {
		t.Errorf("expected max sessions 10, got %d", cfg.Session.MaxSessions)
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected kafka enabled")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSCRIPT_REASSEMBLY_TIMEOUT", "invalid")
	t.Setenv("TRANSCRIPT_TICK_INTERVAL", "invalid")
	t.Setenv("SESSION_MAX_SESSIONS", "not-a-number")
	t.Setenv("KAFKA_ENABLED", "invalid")

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.Transcript.ReassemblyTimeout != 5*time.Minute {
		t.Errorf("expected default reassembly timeout on invalid input, got %v", cfg.Transcript.ReassemblyTimeout)
	}
	if cfg.Transcript.TickInterval != 200*time.Millisecond {
		t.Errorf("expected default tick interval on invalid input, got %v", cfg.Transcript.TickInterval)
	}
	if cfg.Session.MaxSessions != 1000 {
		t.Errorf("expected default max sessions on invalid input, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Kafka.Enabled {
		t.Error("expected default kafka flag on invalid input")
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "my-service")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
service:
  principal: file-principal
  http_addr: ":18080"
transcript:
  continue_phrase: "go on"
  render_mode: text
  reassembly_timeout: 2m
session:
  max_sessions: 5
kafka:
  enabled: true
  brokers: ["localhost:9092"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRANSCRIPT_RENDER_MODE", "word")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service.Principal != "file-principal" {
		t.Errorf("expected principal from file, got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPAddr != ":18080" {
		t.Errorf("expected http addr from file, got %s", cfg.Service.HTTPAddr)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected unset keys to keep defaults, got %s", cfg.Service.GRPCPort)
	}
	if cfg.Transcript.ContinuePhrase != "go on" {
		t.Errorf("expected continue phrase from file, got %q", cfg.Transcript.ContinuePhrase)
	}
	if cfg.Transcript.RenderMode != "word" {
		t.Errorf("expected env to override file render mode, got %s", cfg.Transcript.RenderMode)
	}
	if cfg.Transcript.ReassemblyTimeout != 2*time.Minute {
		t.Errorf("expected reassembly timeout 2m, got %v", cfg.Transcript.ReassemblyTimeout)
	}
	if cfg.Session.MaxSessions != 5 {
		t.Errorf("expected max sessions 5, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Kafka.Principal != "file-principal" {
		t.Errorf("expected kafka principal fallback, got %s", cfg.Kafka.Principal)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("service: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected error for malformed YAML")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("transcript:\n  render_mode: chunk\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(invalid); err == nil || !strings.Contains(err.Error(), "render_mode") {
		t.Errorf("expected render_mode validation error, got %v", err)
	}
}

func TestLoadFile_EmptyPath(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected defaults, got port %s", cfg.Service.GRPCPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr string
	}{
		{"defaults", func(*Configuration) {}, ""},
		{"bad grpc port", func(c *Configuration) { c.Service.GRPCPort = "http" }, "grpc_port"},
		{"port out of range", func(c *Configuration) { c.Service.GRPCPort = "70000" }, "grpc_port"},
		{"empty http addr", func(c *Configuration) { c.Service.HTTPAddr = "" }, "http_addr"},
		{"zero tick", func(c *Configuration) { c.Transcript.TickInterval = 0 }, "tick_interval"},
		{"zero reassembly", func(c *Configuration) { c.Transcript.ReassemblyTimeout = 0 }, "reassembly_timeout"},
		{"negative max sessions", func(c *Configuration) { c.Session.MaxSessions = -1 }, "max_sessions"},
		{"zero subscriber buffer", func(c *Configuration) { c.Session.SubscriberBuffer = 0 }, "subscriber_buffer"},
		{"kafka without brokers", func(c *Configuration) { c.Kafka.Enabled = true }, "brokers"},
		{"bad log level", func(c *Configuration) { c.Observability.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Configuration) { c.Observability.LogFormat = "xml" }, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			t.Setenv(key, tt.envValue)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultDuration(t *testing.T) {
	t.Setenv("TEST_DURATION_VAR", "1m30s")
	if got := envOrDefaultDuration("TEST_DURATION_VAR", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}

	t.Setenv("TEST_DURATION_VAR", "soon")
	if got := envOrDefaultDuration("TEST_DURATION_VAR", time.Second); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
}
