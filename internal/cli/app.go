// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AlvaFG/restaurant-digital-sub001/internal/config"
	"github.com/AlvaFG/restaurant-digital-sub001/internal/logging"
	"github.com/AlvaFG/restaurant-digital-sub001/overhttp"
	"github.com/AlvaFG/restaurant-digital-sub001/oversqlite"
	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

const deviceTokenTTL = 24 * time.Hour

// app is what a device-side command runs on: config, logger, local store
// and engine.
type app struct {
	config  *config.Manager
	logger  *logging.Logger
	store   *oversqlite.Store
	engine  *oversync.Engine
	monitor *overhttp.LiveMonitor // nil unless live connectivity was requested
}

type appOptions struct {
	// live watches the server's live channel for connectivity; otherwise the
	// engine treats the remote as reachable.
	live bool
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger.Logger)
	return logger, nil
}

func newApp(ctx context.Context, root *RootOptions, opts appOptions) (*app, error) {
	mgr, err := root.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg := mgr.Config()
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := oversqlite.Open(cfg.Store.Path, logger.With("component", "store"))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	a := &app{config: mgr, logger: logger, store: store}

	var remote oversync.RemoteAdapter
	var conn oversync.Connectivity
	if cfg.Remote.URL != "" {
		token, err := a.tokenFunc(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		client, err := overhttp.NewClient(&overhttp.ClientConfig{BaseURL: cfg.Remote.URL, Token: token}, logger.With("component", "remote"))
		if err != nil {
			a.close()
			return nil, err
		}
		remote = client

		if opts.live {
			a.monitor, err = overhttp.NewLiveMonitor(&overhttp.LiveMonitorConfig{
				BaseURL: cfg.Remote.URL,
				Token:   token,
				OnChange: func(table, id string) {
					a.logger.Debug("Remote change announced", "table", table, "id", id)
					if a.engine != nil {
						a.engine.Orchestrator().RequestSync()
					}
				},
			}, logger.With("component", "live"))
			if err != nil {
				a.close()
				return nil, err
			}
			conn = a.monitor
		}
	}

	a.engine, err = oversync.NewEngine(store, remote, conn, cfg.EngineConfig(), logger.With("component", "sync"))
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// tokenFunc prefers a configured static token and otherwise signs device
// tokens with the shared secret.
func (a *app) tokenFunc(ctx context.Context) (overhttp.TokenFunc, error) {
	cfg := a.config.Config()
	if cfg.Remote.Token != "" {
		return overhttp.StaticToken(cfg.Remote.Token), nil
	}
	if cfg.Remote.JWTSecret == "" {
		return nil, nil
	}
	if cfg.Remote.UserID == "" {
		return nil, errors.New("remote.user_id is required to sign tokens with remote.jwt_secret")
	}
	deviceID, err := a.store.EnsureDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	jwtAuth := overhttp.NewJWTAuth(cfg.Remote.JWTSecret, a.logger.Logger)
	userID := cfg.Remote.UserID
	return func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(userID, deviceID, deviceTokenTTL)
	}, nil
}

func (a *app) close() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
	_ = a.logger.Close()
}
