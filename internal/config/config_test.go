package config

import (
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "8000")
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("CLAUDE_MODEL", "claude-sonnet-4-5-20250929")
	t.Setenv("MAX_WEB_SEARCHES", "10")
	t.Setenv("ASSEMBLYAI_API_KEY", "")
	t.Setenv("ENABLE_TRANSCRIPTION", "false")
	t.Setenv("TRANSCRIPTION_SAMPLE_RATE", "16000")
	t.Setenv("MAX_AUDIO_DURATION_SECONDS", "3600")
	t.Setenv("CORS_ORIGINS", "*")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("unexpected default model: %s", cfg.Agent.Model)
	}
	if cfg.Agent.MaxWebSearches != 10 {
		t.Fatalf("unexpected max searches: %d", cfg.Agent.MaxWebSearches)
	}
	if cfg.Transcription.SampleRate != 16000 || cfg.Transcription.MaxAudioDuration != time.Hour {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"*"}) {
		t.Fatalf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("ALLOWED_DOMAINS", " go.dev, pkg.go.dev ,,")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENABLE_TRANSCRIPTION", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg.Agent.AllowedDomains, []string{"go.dev", "pkg.go.dev"}) {
		t.Fatalf("unexpected allowed domains: %v", cfg.Agent.AllowedDomains)
	}
	if cfg.SSE.KeepaliveInterval != 5*time.Second {
		t.Fatalf("unexpected keepalive: %v", cfg.SSE.KeepaliveInterval)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected log level: %v", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:   "8000",
			DBPath: ":memory:",
			Agent: AgentConfig{
				MaxTokens:       1024,
				MaxWebSearches:  1,
				EnableWebSearch: true,
			},
			SSE: SSEConfig{KeepaliveInterval: time.Second, MaxRequestBodySize: 1024},
			Transcription: TranscriptionConfig{
				SampleRate:       16000,
				ChunkSizeMS:      1000,
				MaxAudioDuration: time.Minute,
			},
			ConversationLog: ConversationLogConfig{QueueSize: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, wantErr: "PORT"},
		{name: "zero searches", mutate: func(c *Config) { c.Agent.MaxWebSearches = 0 }, wantErr: "MAX_WEB_SEARCHES"},
		{name: "no web tools", mutate: func(c *Config) { c.Agent.EnableWebSearch = false }, wantErr: "ENABLE_WEB_SEARCH"},
		{name: "transcription without key", mutate: func(c *Config) { c.Transcription.Enabled = true }, wantErr: "ASSEMBLYAI_API_KEY"},
		{name: "zero sample rate", mutate: func(c *Config) { c.Transcription.SampleRate = 0 }, wantErr: "SAMPLE_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
