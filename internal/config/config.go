// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	CORSOrigins     []string
	DBPath          string
	LogLevel        slog.Level
	Agent           AgentConfig
	Cache           CacheConfig
	SSE             SSEConfig
	Session         SessionConfig
	Transcription   TranscriptionConfig
	Capture         CaptureConfig
	ConversationLog ConversationLogConfig
}

// AgentConfig controls the Claude runtime.
type AgentConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxTokens       int
	MaxWebSearches  int
	AllowedDomains  []string
	BlockedDomains  []string
	EnableWebSearch bool
	EnableWebFetch  bool
	SystemPrompt    string
	// Addr points at a gRPC agent sidecar. When set it takes precedence over APIKey.
	Addr           string
	ConnectTimeout time.Duration
}

// CacheConfig controls the answer cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	MaxSize int
}

// SSEConfig controls server-sent event streams.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// SessionConfig controls idle session expiry.
type SessionConfig struct {
	IdleTTL      time.Duration
	ReapInterval time.Duration
}

// TranscriptionConfig controls the AssemblyAI relay.
type TranscriptionConfig struct {
	Enabled          bool
	APIKey           string
	StreamingURL     string
	Language         string
	SampleRate       int
	ChunkSizeMS      int
	MaxAudioDuration time.Duration
}

// CaptureConfig controls server-side webcast capture containers.
type CaptureConfig struct {
	Enabled bool
	Image   string
	Runtime string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	assemblyKey := getEnv("ASSEMBLYAI_API_KEY", "")

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		DBPath:      getEnv("DB_PATH", ":memory:"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Agent: AgentConfig{
			APIKey:          getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:         getEnv("ANTHROPIC_BASE_URL", ""),
			Model:           getEnv("CLAUDE_MODEL", "claude-sonnet-4-5-20250929"),
			MaxTokens:       getEnvInt("MAX_TOKENS", 4096),
			MaxWebSearches:  getEnvInt("MAX_WEB_SEARCHES", 10),
			AllowedDomains:  getEnvList("ALLOWED_DOMAINS", nil),
			BlockedDomains:  getEnvList("BLOCKED_DOMAINS", nil),
			EnableWebSearch: getEnvBool("ENABLE_WEB_SEARCH", true),
			EnableWebFetch:  getEnvBool("ENABLE_WEB_FETCH", true),
			SystemPrompt:    getEnv("SYSTEM_PROMPT", ""),
			Addr:            getEnv("AGENT_ADDR", ""),
			ConnectTimeout:  getEnvDuration("AGENT_CONNECT_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("ENABLE_CACHE", true),
			TTL:     time.Duration(getEnvInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
			MaxSize: getEnvInt("CACHE_MAX_SIZE", 100),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Session: SessionConfig{
			IdleTTL:      getEnvDuration("SESSION_IDLE_TTL", 0),
			ReapInterval: getEnvDuration("SESSION_REAP_INTERVAL", time.Minute),
		},
		Transcription: TranscriptionConfig{
			Enabled:          getEnvBool("ENABLE_TRANSCRIPTION", assemblyKey != ""),
			APIKey:           assemblyKey,
			StreamingURL:     getEnv("ASSEMBLYAI_STREAMING_URL", "wss://streaming.assemblyai.com/v3/ws"),
			Language:         getEnv("TRANSCRIPTION_LANGUAGE", "en"),
			SampleRate:       getEnvInt("TRANSCRIPTION_SAMPLE_RATE", 16000),
			ChunkSizeMS:      getEnvInt("TRANSCRIPTION_CHUNK_SIZE_MS", 1000),
			MaxAudioDuration: time.Duration(getEnvInt("MAX_AUDIO_DURATION_SECONDS", 3600)) * time.Second,
		},
		Capture: CaptureConfig{
			Enabled: getEnvBool("CAPTURE_ENABLED", false),
			Image:   getEnv("CAPTURE_IMAGE", "linuxserver/ffmpeg:latest"),
			Runtime: getEnv("CAPTURE_RUNTIME", ""),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agent.MaxWebSearches < 1 {
		return fmt.Errorf("MAX_WEB_SEARCHES must be at least 1")
	}
	if !c.Agent.EnableWebSearch && !c.Agent.EnableWebFetch {
		return fmt.Errorf("at least one of ENABLE_WEB_SEARCH or ENABLE_WEB_FETCH must be true")
	}
	if c.Agent.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Transcription.SampleRate <= 0 {
		return fmt.Errorf("TRANSCRIPTION_SAMPLE_RATE must be > 0")
	}
	if c.Transcription.ChunkSizeMS <= 0 {
		return fmt.Errorf("TRANSCRIPTION_CHUNK_SIZE_MS must be > 0")
	}
	if c.Transcription.MaxAudioDuration <= 0 {
		return fmt.Errorf("MAX_AUDIO_DURATION_SECONDS must be > 0")
	}
	if c.Transcription.Enabled && c.Transcription.APIKey == "" {
		return fmt.Errorf("ASSEMBLYAI_API_KEY is required when ENABLE_TRANSCRIPTION is true")
	}
	if c.Capture.Enabled && c.Capture.Image == "" {
		return fmt.Errorf("CAPTURE_IMAGE cannot be empty when CAPTURE_ENABLED is true")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// AgentConfigured reports whether any agent backend is configured.
func (c *Config) AgentConfigured() bool {
	return c.Agent.Addr != "" || c.Agent.APIKey != ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("15s") or bare seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
