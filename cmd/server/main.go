// Elysium Atlas - dashboard session server
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

	"github.com/elysium-atlas/atlas/internal/agent"
	"github.com/elysium-atlas/atlas/internal/api"
	"github.com/elysium-atlas/atlas/internal/config"
	"github.com/elysium-atlas/atlas/internal/identity"
	"github.com/elysium-atlas/atlas/internal/janitor"
	"github.com/elysium-atlas/atlas/internal/middleware"
	"github.com/elysium-atlas/atlas/internal/realtime"
	"github.com/elysium-atlas/atlas/internal/shared"
	"github.com/elysium-atlas/atlas/internal/store"
	"github.com/elysium-atlas/atlas/internal/uploads"
	"github.com/elysium-atlas/atlas/internal/wizard"
	"github.com/elysium-atlas/atlas/web"
)

const socketPath = "/ws/agent"

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
	repo, err := store.NewSQLite(cfg.DBPath, shared.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
	})
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

	files, err := uploads.New(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		slog.Error("Failed to initialize upload storage", "error", err)
		os.Exit(1)
	}

	sessions := wizard.NewSessions(repo, logger)
	backend := agent.NewHTTPClient(cfg.AgentAPIURL, cfg.HTTPTimeout, logger)
	slog.Info("Agent backend configured", "api_url", cfg.AgentAPIURL, "socket_url", cfg.AgentSocketURL)

	registry := realtime.NewRegistry(&realtime.WebSocketDialer{
		URL:     cfg.AgentSocketURL,
		Timeout: cfg.SocketDialTimeout,
	}, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, sessions, files, backend, logger)
	wizardHandler := api.NewWizardHandler(baseHandler, cfg.AvatarSize)
	systemHandler := api.NewSystemHandler(baseHandler, cfg.AvatarSize, cfg.MaxUploadBytes, socketPath)
	relay := realtime.NewRelayHandler(registry, cfg.FrontendURL, cfg.IsDevelopment(), cfg.RelayQueueSize, logger)

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	systemHandler.RegisterRoutes(r)
	wizardHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get(socketPath, relay.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Relay sockets are hijacked and outlive Shutdown; deriving request
	// contexts from ctx ends their read loops on signal.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout for long-lived sockets
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Start TTL worker.
	janitor.New(repo, sessions, files, cfg.WizardTTL, registry.CloseSession, logger).Start(ctx)

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
	}
	registry.CloseAll()

	slog.Info("Server stopped successfully")
}
