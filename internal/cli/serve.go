// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AlvaFG/restaurant-digital-sub001/internal/config"
	"github.com/AlvaFG/restaurant-digital-sub001/overhttp"
	"github.com/AlvaFG/restaurant-digital-sub001/overpg"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the authoritative store over HTTP",
		Long: `Serve the restaurant's authoritative store to POS devices.

Rows live in PostgreSQL (server.database_url, schema server.schema). Requests
must carry a bearer token signed with remote.jwt_secret; without a secret the
server runs unauthenticated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root)
		},
	}
}

func serve(ctx context.Context, root *RootOptions) error {
	mgr, err := root.loadConfig()
	if err != nil {
		return err
	}
	cfg := mgr.Config()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	if cfg.Server.DatabaseURL == "" {
		return errors.New("server.database_url is not configured")
	}
	pool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	backend, err := overpg.New(pool, &overpg.Config{Schema: cfg.Server.Schema}, logger.With("component", "postgres"))
	if err != nil {
		return err
	}
	if err := backend.InitSchema(ctx); err != nil {
		return err
	}

	var jwtAuth *overhttp.JWTAuth
	if cfg.Remote.JWTSecret != "" {
		jwtAuth = overhttp.NewJWTAuth(cfg.Remote.JWTSecret, logger.Logger)
	} else {
		logger.Warn("remote.jwt_secret is not configured, serving without authentication")
	}
	handlers := overhttp.NewHandlers(backend, jwtAuth, nil, logger.With("component", "http"))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mgr.Watch(logger.Logger, func(c *config.Config) {
		if err := logger.SetLevel(c.Log.Level); err != nil {
			logger.Warn("Failed to apply log level", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", cfg.Server.Addr, "schema", backend.Schema())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		handlers.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})
	return g.Wait()
}
