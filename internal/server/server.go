// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/oliverandrich/kopter/internal/config"
	"codeberg.org/oliverandrich/kopter/internal/handlers"
	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v3"
)

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
		"embedded_worker", cfg.Queue.EmbeddedWorker,
	)

	app, err := NewApp(cfg)
	if err != nil {
		return err
	}

	e := NewEcho(app)

	return startWithGracefulShutdown(ctx, e, app)
}

// NewEcho builds the HTTP server with middleware and routes.
func NewEcho(app *App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler(app.Catalog)

	setupMiddleware(e, app.Config, app.Catalog)
	setupRoutes(e, app)

	return e
}

func setupRoutes(e *echo.Echo, app *App) {
	h := handlers.New(app.Repo)
	authHandlers := handlers.NewAuth(app.Auth, app.Resets, app.Gate, app.Catalog)

	e.GET("/health", h.Health)

	g := e.Group("/auth")
	g.POST("/register", authHandlers.Register)
	g.POST("/login", authHandlers.Login)
	g.POST("/forgot-password", authHandlers.ForgotPassword)
	g.PUT("/reset-password/:token", authHandlers.ResetPassword)
	g.GET("/confirm-email/:code", authHandlers.ConfirmEmail)
	g.GET("/me", authHandlers.Me, app.Gate.Middleware(authHandlers.Unauthenticated))
}

func startWithGracefulShutdown(ctx context.Context, e *echo.Echo, app *App) error {
	cfg := app.Config

	tlsResult, err := SetupTLS(cfg)
	if err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("TLS setup failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Channel for server errors
	errChan := make(chan error, 3)

	// HTTP redirect server for ACME mode
	var httpServer *http.Server

	switch tlsResult.Mode {
	case TLSModeOff:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("Server running", "url", cfg.Server.BaseURL)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeACME:
		go func() {
			slog.Info("Server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, ":443", tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		httpServer = &http.Server{
			Addr:              ":80",
			Handler:           tlsResult.HTTPHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("HTTP→HTTPS redirect active", "addr", ":80")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeManual:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("Server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, addr, tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	// Embedded queue worker
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan struct{})
	if cfg.Queue.EmbeddedWorker {
		w := app.NewWorker()
		go func() {
			defer close(workerDone)
			if err := w.Run(workerCtx); err != nil {
				errChan <- fmt.Errorf("queue worker: %w", err)
			}
		}()
	} else {
		close(workerDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case runErr = <-errChan:
		slog.Error("server error", "error", runErr)
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown main server", "error", err)
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown HTTP redirect server", "error", err)
		}
	}

	// Drain listeners before the worker stops so late enqueues are persisted.
	if err := app.Bus.Close(shutdownCtx); err != nil {
		slog.Error("failed to drain event bus", "error", err)
	}

	stopWorker()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("queue worker did not stop in time")
	}

	if err := app.Close(shutdownCtx); err != nil {
		slog.Error("failed to close application", "error", err)
	}

	slog.Info("server stopped")
	return runErr
}

// startTLSServer starts the Echo server with a custom TLS configuration.
func startTLSServer(e *echo.Echo, addr string, tlsConfig *tls.Config) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	e.TLSListener = tls.NewListener(ln, tlsConfig)
	e.TLSServer.TLSConfig = tlsConfig
	return e.Server.Serve(e.TLSListener)
}
