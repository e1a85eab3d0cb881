// wabridge - WhatsApp session lifecycle bridge
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

	"github.com/ashureev/wabridge/internal/api"
	"github.com/ashureev/wabridge/internal/archive"
	"github.com/ashureev/wabridge/internal/backend"
	"github.com/ashureev/wabridge/internal/bridge"
	"github.com/ashureev/wabridge/internal/chatdir"
	"github.com/ashureev/wabridge/internal/config"
	"github.com/ashureev/wabridge/internal/middleware"
	"github.com/ashureev/wabridge/internal/store"
	"github.com/ashureev/wabridge/internal/waclient"
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
	if level := parseLogLevel(cfg.LogLevel); level != slog.LevelInfo {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}

	slog.Info("Starting bridge", "port", cfg.Port, "gateway", cfg.Gateway.URL, "backend", cfg.Backend.BaseURL)

	// Initialize dependencies.
	sessions, err := store.NewSessionStore(cfg.SessionsDir)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}

	stateFile, err := store.NewStateFile(cfg.StateFile)
	if err != nil {
		slog.Warn("State file unreadable, starting with empty state", "error", err)
	}

	chats := chatdir.New(cfg.SessionsDir)

	arch, err := archive.New(cfg.Archive.DBPath)
	if err != nil {
		slog.Error("Failed to initialize message archive", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := arch.Close(); closeErr != nil {
			slog.Error("Failed to close message archive", "error", closeErr)
		}
	}()
	if err := arch.Ping(context.Background()); err != nil {
		slog.Error("Message archive health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Message archive ready", "path", cfg.Archive.DBPath)

	notifier := backend.NewClient(cfg.Backend)
	dialer := waclient.NewGatewayDialer(cfg.Gateway)

	mgr := bridge.NewManager(cfg.Lifecycle, dialer, sessions, stateFile, chats, arch, notifier)

	// Initialize handlers.
	baseHandler := api.NewHandler(mgr)
	sessionHandler := api.NewSessionHandler(baseHandler)
	healthHandler := api.NewHealthHandler(mgr, notifier)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Lifecycle routes behind the optional API key.
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))
		sessionHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: the chats endpoint can legitimately block for the configured
	// wait timeout, so no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the periodic health sweep.
	mgr.StartHealthSweep(ctx, cfg.Lifecycle.SweepInterval, cfg.Archive.Retention)

	// Restore stored sessions in the background so the API is up immediately.
	go func() {
		outcomes, err := mgr.RestoreAll(ctx)
		if err != nil {
			slog.Error("Startup restore failed", "error", err)
			return
		}
		slog.Info("Startup restore complete", "sessions", len(outcomes))
	}()

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

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
