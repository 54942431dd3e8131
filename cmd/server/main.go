// Buddy Fox - research and webcast transcription relay server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/buddyfox/buddyfox/internal/agent"
	"github.com/buddyfox/buddyfox/internal/api"
	"github.com/buddyfox/buddyfox/internal/cache"
	"github.com/buddyfox/buddyfox/internal/capture"
	"github.com/buddyfox/buddyfox/internal/config"
	"github.com/buddyfox/buddyfox/internal/metrics"
	"github.com/buddyfox/buddyfox/internal/middleware"
	"github.com/buddyfox/buddyfox/internal/session"
	"github.com/buddyfox/buddyfox/internal/store"
	"github.com/buddyfox/buddyfox/internal/transcription"
	"github.com/buddyfox/buddyfox/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics log.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Query relay.
	sessions := session.NewStore(cfg.Agent.MaxWebSearches)
	session.StartReaper(ctx, sessions, cfg.Session.IdleTTL, cfg.Session.ReapInterval, func(id string) {
		slog.Info("Idle session expired", "session_id", id)
	})
	results := cache.New(cfg.Cache.Enabled, cfg.Cache.TTL, cfg.Cache.MaxSize)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	agentSvc := agent.NewService(newRuntime(cfg, logger), sessions, results, repo, conversationLogger, agent.ServiceConfig{
		Model:          cfg.Agent.Model,
		AllowedDomains: cfg.Agent.AllowedDomains,
		BlockedDomains: cfg.Agent.BlockedDomains,
	})
	defer agentSvc.Close()

	agentHandler := agent.NewHandler(agentSvc, agent.HandlerConfig{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
	})

	// Transcription relay.
	var transcriber transcription.Transcriber
	if cfg.Transcription.Enabled {
		transcriber = transcription.NewAssemblyAI(transcription.AssemblyAIConfig{
			APIKey: cfg.Transcription.APIKey,
			URL:    cfg.Transcription.StreamingURL,
		})
		slog.Info("Transcription enabled", "language", cfg.Transcription.Language, "sample_rate", cfg.Transcription.SampleRate)
	} else {
		slog.Info("Transcription disabled (ASSEMBLYAI_API_KEY not set)")
	}

	capturer := newCapturer(ctx, cfg)
	if capturer != nil {
		defer func() {
			if closeErr := capturer.Close(); closeErr != nil {
				slog.Warn("Failed to close capture client", "error", closeErr)
			}
		}()
	}

	castSvc := transcription.NewService(transcriber, capturer, repo, transcription.Config{
		Language:         cfg.Transcription.Language,
		SampleRate:       cfg.Transcription.SampleRate,
		ChunkSizeMS:      cfg.Transcription.ChunkSizeMS,
		MaxAudioDuration: cfg.Transcription.MaxAudioDuration,
	})
	conns := transcription.NewConnManager()
	audioHandler := transcription.NewAudioHandler(castSvc, conns, cfg.CORSOrigins, cfg.IsDevelopment())
	castHandler := transcription.NewHandler(castSvc, audioHandler, transcription.HandlerConfig{
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
	})

	// Stats and health.
	var sampler api.ProcessSampler
	if s, err := metrics.NewSampler(); err != nil {
		slog.Warn("Process metrics unavailable", "error", err)
	} else {
		sampler = s
	}
	sessionHandler := api.NewSessionHandler(sessions)
	healthHandler := api.NewHealthHandler(repo, agentSvc, castSvc)
	statsHandler := api.NewStatsHandler(agentSvc, castSvc, repo, sampler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	statsHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)
	castHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE responses stay open for the whole answer, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if n := castSvc.StopAll(shutdownCtx); n > 0 {
		slog.Info("Stopped running transcriptions", "count", n)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newRuntime picks the agent backend: the gRPC sidecar when AGENT_ADDR is set,
// then the Anthropic API when a key is present. Without either, queries fail with 500.
func newRuntime(cfg *config.Config, logger *slog.Logger) agent.Runtime {
	if cfg.Agent.Addr != "" {
		slog.Info("Connecting to agent sidecar via gRPC", "address", cfg.Agent.Addr)
		rt, err := agent.NewGrpcRuntime(agent.GrpcClientConfig{
			Address:        cfg.Agent.Addr,
			ConnectTimeout: cfg.Agent.ConnectTimeout,
		}, logger)
		if err == nil {
			return rt
		}
		slog.Warn("Failed to connect to agent sidecar", "error", err)
	}

	if cfg.Agent.APIKey != "" {
		slog.Info("Using Anthropic runtime", "model", cfg.Agent.Model, "web_search", cfg.Agent.EnableWebSearch)
		return agent.NewAnthropicRuntime(agent.AnthropicConfig{
			APIKey:          cfg.Agent.APIKey,
			BaseURL:         cfg.Agent.BaseURL,
			Model:           cfg.Agent.Model,
			MaxTokens:       cfg.Agent.MaxTokens,
			SystemPrompt:    cfg.Agent.SystemPrompt,
			EnableWebSearch: cfg.Agent.EnableWebSearch,
		}, logger)
	}

	slog.Warn("AI features disabled (AGENT_ADDR and ANTHROPIC_API_KEY not set)")
	return agent.UnavailableRuntime{}
}

// newCapturer returns nil when server-side capture is off or Docker is unreachable.
func newCapturer(ctx context.Context, cfg *config.Config) capture.Capturer {
	if !cfg.Capture.Enabled {
		return nil
	}

	dc, err := capture.NewDockerCapturer(cfg.Capture.Image, cfg.Capture.Runtime)
	if err != nil {
		slog.Warn("Webcast capture disabled", "error", err)
		return nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	removed, err := dc.Sweep(sweepCtx)
	if err != nil {
		slog.Warn("Failed to sweep stale capture containers", "error", err)
	} else if removed > 0 {
		slog.Info("Removed stale capture containers", "count", removed)
	}
	return dc
}
