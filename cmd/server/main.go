// songsync - session state and live sync server for music generation jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/songsync/internal/api"
	"github.com/ashureev/songsync/internal/config"
	"github.com/ashureev/songsync/internal/eventlog"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/health"
	"github.com/ashureev/songsync/internal/identity"
	"github.com/ashureev/songsync/internal/middleware"
	"github.com/ashureev/songsync/internal/pipeline"
	"github.com/ashureev/songsync/internal/store"
	"github.com/ashureev/songsync/internal/stream"
	"github.com/ashureev/songsync/internal/tracker"
)

const healthInterval = 30 * time.Second

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

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	eventLog, err := eventlog.New(eventlog.Config{
		Enabled:   cfg.EventLog.Enabled,
		Dir:       cfg.EventLog.Dir,
		QueueSize: cfg.EventLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize event log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := eventLog.Close(); closeErr != nil {
			slog.Error("Failed to close event log", "error", closeErr)
		}
	}()

	// Initialize the session core.
	hub := events.NewBroadcaster(cfg.Stream.SubscriberBuffer, logger)
	registry := stream.NewRegistry()
	sessions := tracker.New(events.Tee(hub, eventLog),
		tracker.WithLogger(logger),
		tracker.WithReapHook(func(sessionID string) {
			hub.CloseSession(sessionID)
			registry.CloseSession(sessionID)
		}),
	)
	streams := stream.NewHandler(sessions, hub, registry, stream.Config{
		KeepaliveInterval: cfg.Stream.KeepaliveInterval,
		RetryDelay:        cfg.Stream.RetryDelay,
		AllowedOrigin:     cfg.FrontendURL,
		IsDev:             cfg.IsDevelopment(),
	}, logger)

	deps := map[string]health.Pinger{"store": repo}

	// Initialize the generation pipeline (optional).
	var driver api.Pipeline
	if cfg.PipelineEnabled() {
		lyricist := pipeline.NewOpenAILyricist(pipeline.LyricistConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}, nil, logger)
		synth := pipeline.NewSynthClient(cfg.Synth.URL, cfg.Synth.Timeout, logger)
		deps["synth"] = synth

		d := pipeline.NewDriver(sessions, lyricist, synth, pipeline.DefaultConfig(), logger)
		defer d.Close()
		driver = d
		slog.Info("Generation pipeline enabled", "model", cfg.LLM.Model, "synth_url", cfg.Synth.URL)
	} else {
		slog.Info("Generation pipeline disabled (LLM_API_KEY or SYNTH_URL not set)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker(deps, logger)
	checker.Start(ctx, healthInterval)

	var grpcServer interface{ GracefulStop() }
	if cfg.GRPCPort != "" {
		gs := health.NewServer(checker)
		grpcServer = gs
		go func() {
			if err := health.Serve(gs, ":"+cfg.GRPCPort); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	tracker.StartReaper(ctx, sessions, repo, cfg.Sessions.ReaperInterval, cfg.Sessions.Retention)

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	sessionHandler := api.NewSessionHandler(api.SessionHandlerConfig{
		Sessions: sessions,
		Pipeline: driver,
		Archive:  repo,
		History:  eventLog,
		Streams:  streams,
		Limiter:  limiter,
		MaxBody:  cfg.MaxRequestBody,
		Logger:   logger,
	})
	healthHandler := api.NewHealthHandler(checker, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// Note: event streams require long timeouts (no WriteTimeout).
	// Keepalive pings run every SSE_KEEPALIVE to maintain connections.
	// Streams hang off baseCtx so Shutdown does not wait for them.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

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
	checker.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully", "live_sessions", sessions.Len())
}

