// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the overpos command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AlvaFG/restaurant-digital-sub001/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // text, json or yaml

	flags map[string]*pflag.Flag
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "overpos",
		Short: "Offline sync engine for restaurant point of sale",
		Long: `overpos queues point-of-sale mutations in a local SQLite store, drains them
to the restaurant server when it is reachable, and reconciles server changes
back into the local tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default ./overpos.yaml)")
	pf.StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	pf.String("db", "", "path to the local SQLite store")
	pf.String("remote", "", "base URL of the restaurant server")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	opts.flags = map[string]*pflag.Flag{
		"store.path": pf.Lookup("db"),
		"remote.url": pf.Lookup("remote"),
		"log.level":  pf.Lookup("log-level"),
	}

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Manager, error) {
	return config.Load(o.ConfigFile, o.flags)
}
