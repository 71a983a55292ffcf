// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AlvaFG/restaurant-digital-sub001/internal/config"
)

// NewRunCommand creates the run command.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var statsInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine on this device.

Queued operations drain when the server's live channel connects, on the
periodic timer, and whenever the server announces a change. Editing the
config file changes the log level without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, root, statsInterval)
		},
	}
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", time.Minute, "how often to log queue statistics (0 disables)")
	return cmd
}

func runEngine(ctx context.Context, root *RootOptions, statsInterval time.Duration) error {
	a, err := newApp(ctx, root, appOptions{live: true})
	if err != nil {
		return err
	}
	defer a.close()

	if a.config.Config().Remote.URL == "" {
		a.logger.Warn("remote.url is not configured, operations will only queue locally")
	}
	a.config.Watch(a.logger.Logger, func(cfg *config.Config) {
		if err := a.logger.SetLevel(cfg.Log.Level); err != nil {
			a.logger.Warn("Failed to apply log level", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	if err := a.engine.Start(gctx); err != nil {
		return err
	}
	if a.monitor != nil {
		if err := a.monitor.Start(gctx); err != nil {
			return err
		}
	}

	if statsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					stats, err := a.engine.GetQueueStats(gctx)
					if err != nil {
						a.logger.Warn("Failed to read queue stats", "error", err)
						continue
					}
					a.logger.Info("Queue stats",
						"pending", stats.Pending,
						"failed", stats.Failed,
						"retryable", stats.Retryable,
						"completed", stats.Completed)
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down sync engine")
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
