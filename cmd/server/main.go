// MedChart - Clinical Assistant Chat Server
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

	"github.com/medchart-labs/medchart/internal/api"
	"github.com/medchart-labs/medchart/internal/auth"
	"github.com/medchart-labs/medchart/internal/chat"
	"github.com/medchart-labs/medchart/internal/config"
	"github.com/medchart-labs/medchart/internal/engine"
	"github.com/medchart-labs/medchart/internal/middleware"
	"github.com/medchart-labs/medchart/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	verifier := auth.NewHMACVerifier([]byte(cfg.AuthSecret))

	// The assistant engine is optional: without an API key the chat
	// endpoint stays up and runs fail with the generic error.
	var eng engine.Engine
	if cfg.Assistant.APIKey != "" {
		eng, err = engine.NewOpenAIEngine(engine.OpenAIConfig{
			APIKey:       cfg.Assistant.APIKey,
			Model:        cfg.Assistant.Model,
			Instructions: cfg.Assistant.Instructions,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize assistant engine", "error", err)
			os.Exit(1)
		}
		slog.Info("Assistant engine initialized", "model", cfg.Assistant.Model)
	} else {
		slog.Info("Assistant engine disabled (OPENAI_API_KEY not set)")
	}

	var transcript chat.Transcript = chat.NoopTranscript{}
	if cfg.Transcript.Enabled {
		fileTranscript, err := chat.NewFileTranscript(cfg.Transcript.Dir, cfg.Transcript.QueueSize, logger)
		if err != nil {
			slog.Error("Failed to initialize transcript writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := fileTranscript.Close(); closeErr != nil {
				slog.Error("Failed to close transcript writer", "error", closeErr)
			}
		}()
		transcript = fileTranscript
		slog.Info("Conversation transcripts enabled", "dir", cfg.Transcript.Dir)
	}

	// Initialize services.
	directory := chat.NewDirectory()
	registry := chat.NewConnRegistry()
	lifecycle := chat.NewLifecycle(repo, directory, registry, chat.LifecycleConfig{
		IdleTimeout:   cfg.Lifecycle.IdleTimeout,
		SweepInterval: cfg.Lifecycle.SweepInterval,
		GraceWindow:   cfg.Lifecycle.GraceWindow,
	})
	persister := chat.NewPersister(repo)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, eng != nil)
	chatHandler := chat.NewHandler(verifier, lifecycle, registry, eng, persister, transcript, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	r.Get("/health/ready", baseHandler.Ready)

	// WebSocket endpoint.
	chatHandler.RegisterRoutes(r)

	// Create server.
	// Note: WebSocket connections require no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the idle sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lifecycle.StartSweeper(ctx)

	// Start server.
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
