// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/quire/internal/api"
	"github.com/starford/quire/internal/cache"
	"github.com/starford/quire/internal/mcpserver"
	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/session"
	"github.com/starford/quire/internal/sse"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// openSession prepares the cache backend and opens the configured folder.
// The returned cleanup closes the cache backend and must run after the
// session is closed.
func (a *application) openSession(ctx context.Context, logger *slog.Logger) (*session.Session, func(), error) {
	cfg := a.config

	// Ensure note folder exists.
	if err := os.MkdirAll(cfg.Folder.Path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create folder: %w", err)
	}

	store, closeStore, err := cache.Open(cfg.Cache.Backend, cfg.Cache.Dir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init cache: %w", err)
	}
	cleanup := func() {
		if err := closeStore(); err != nil {
			logger.Warn("cache close failed", slog.String("error", err.Error()))
		}
	}

	s, err := session.Open(ctx, session.Options{
		Folder:         cfg.Folder.Path,
		Cache:          store,
		Filter:         cfg.Folder.Filter(),
		WatchDebounce:  cfg.Watcher.Debounce,
		SaveDebounce:   cfg.Save.Debounce,
		RecentWriteTTL: cfg.Save.RecentWriteTTL,
		Logger:         logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open folder: %w", err)
	}
	return s, cleanup, nil
}

// closeSession flushes every buffer. A failure means edits are still only in
// memory, so each blocked note is logged before the error is returned.
func closeSession(s *session.Session, logger *slog.Logger) error {
	st, statusErr := s.Status()
	err := s.Close()
	if err == nil {
		return nil
	}
	if statusErr == nil {
		for _, b := range st.Blocked {
			logger.Error("Unsaved edits could not be written",
				slog.String("path", b.Path),
				slog.String("kind", string(b.Kind)),
				slog.String("error", b.Error))
		}
	}
	return fmt.Errorf("close folder: %w", err)
}

// relTo maps absolute note paths to folder-relative slash paths for clients.
func relTo(root string) func(string) string {
	return func(abs string) string {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return abs
		}
		return filepath.ToSlash(rel)
	}
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("folder", cfg.Folder.Path),
		slog.String("cache_backend", cfg.Cache.Backend),
		slog.String("log_level", cfg.App.LogLevel.String()))

	s, cleanup, err := app.openSession(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// SSE broker fed by the session event stream.
	broker := sse.NewBroker(0)
	defer broker.Close()
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	apiRouter := api.NewRouter(s, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		select {
		case <-s.Ready():
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"scanning"}`))
		}
	})
	r.Handle("/metrics", metrics.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Relay session events to SSE clients until the session closes.
	g.Go(func() error {
		broker.Relay(gCtx, events, relTo(s.Root()))
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return closeSession(s, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the folder over MCP on stdin/stdout. Logs go to stderr
// unless redirected, since stdout carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}
	logger := app.logger()

	s, cleanup, err := app.openSession(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("MCP server starting", slog.String("folder", app.config.Folder.Path))
	serveErr := mcpserver.New(s, app.version).ServeStdio()
	if errors.Is(serveErr, io.EOF) || errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return errors.Join(serveErr, closeSession(s, logger))
}
