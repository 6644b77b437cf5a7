// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package server wires configuration, storage, services, and HTTP surface
// into the running recovery service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/uhcare/recoveryd/internal/config"
	"github.com/uhcare/recoveryd/internal/database"
	"github.com/uhcare/recoveryd/internal/handlers"
	"github.com/uhcare/recoveryd/internal/i18n"
	"github.com/uhcare/recoveryd/internal/mailer"
	"github.com/uhcare/recoveryd/internal/notify"
	"github.com/uhcare/recoveryd/internal/repository"
	"github.com/uhcare/recoveryd/internal/services/identity"
	"github.com/uhcare/recoveryd/internal/services/recovery"
	"github.com/uhcare/recoveryd/internal/services/token"
	"github.com/urfave/cli/v3"
)

const housekeepingInterval = time.Hour

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
		"mail_transport", cfg.Mail.Transport,
		"token_ttl", cfg.Recovery.TokenTTL,
	)

	// Database
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	// i18n
	if initErr := i18n.Init(); initErr != nil {
		return fmt.Errorf("failed to init i18n: %w", initErr)
	}

	// Repository and services
	repo := repository.New(db)

	transport, err := mailer.New(&cfg.Mail)
	if err != nil {
		return fmt.Errorf("failed to create mail transport: %w", err)
	}

	idsvc := identity.NewService(repo)
	tokens := token.NewService(repo, cfg.Recovery.TokenTTL)
	dispatcher := notify.NewDispatcher(transport, &cfg.Recovery)
	defer dispatcher.Close()

	flow := recovery.NewService(idsvc, tokens, transport, dispatcher, cfg.Server.BaseURL, &cfg.Recovery)
	defer flow.Close()

	// Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	setupMiddleware(e, cfg)
	setupRoutes(e, repo, flow)

	// Lazy token GC
	stopHousekeeping := startHousekeeping(repo)
	defer stopHousekeeping()

	return startWithGracefulShutdown(e, cfg)
}

func setupRoutes(e *echo.Echo, repo *repository.Repository, flow *recovery.Service) {
	h := handlers.New(repo)
	rh := handlers.NewRecovery(flow)

	e.GET("/health", h.Health)

	e.POST("/recovery/request", rh.Request)
	e.GET("/recovery/confirm/:token", rh.ConfirmPage)
	e.POST("/recovery/confirm/:token", rh.Confirm)
}

// startHousekeeping periodically removes expired tokens. Consumed tokens are
// left in place until they age out.
func startHousekeeping(repo *repository.Repository) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(housekeepingInterval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := repo.DeleteExpiredRecoveryTokens(ctx, time.Now())
				cancel()
				if err != nil {
					slog.Error("token housekeeping failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("expired tokens removed", "count", n)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

func startWithGracefulShutdown(e *echo.Echo, cfg *config.Config) error {
	errChan := make(chan error, 1)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		slog.Info("server running", "url", cfg.Server.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}
