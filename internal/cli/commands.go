// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlvaFG/restaurant-digital-sub001/overhttp"
	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

// withApp runs fn on a fresh app and closes it afterwards.
func withApp(cmd *cobra.Command, root *RootOptions, fn func(a *app, out printer) error) error {
	a, err := newApp(cmd.Context(), root, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a, printer{format: root.Format, w: cmd.OutOrStdout()})
}

// readPayload takes the payload from the argument, "-" for stdin, or "@path".
func readPayload(cmd *cobra.Command, arg string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(root *RootOptions) *cobra.Command {
	var entityType string

	cmd := &cobra.Command{
		Use:   "enqueue <kind> <entity-id> <payload>",
		Short: "Queue a mutation and apply it locally",
		Long: `Queue a mutation and apply it to the local tables.

The payload is JSON given inline, "-" to read stdin, or "@file".
Kinds: create_order, update_order, update_order_status, delete_order,
update_table_status, create_payment, update_menu_item, batch_operation.

Example:
  overpos enqueue update_order_status o-17 '{"order_id":"o-17","status":"ready"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := oversync.OperationKind(args[0])
			et := oversync.EntityType(entityType)
			if et == "" {
				t, ok := oversync.EntityTypeForKind(kind)
				if !ok {
					return fmt.Errorf("--entity-type is required for %s", kind)
				}
				et = t
			}
			raw, err := readPayload(cmd, args[2])
			if err != nil {
				return err
			}

			return withApp(cmd, root, func(a *app, out printer) error {
				id, err := a.engine.EnqueueJSON(cmd.Context(), kind, et, args[1], raw)
				if err != nil {
					return err
				}
				result := map[string]any{"id": id, "kind": kind, "priority": oversync.PriorityForKind(kind)}
				return out.print(result, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "queued operation %d (%s, %s priority)\n", id, kind, oversync.PriorityForKind(kind))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (order|table|payment|menu), derived from kind when omitted")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show operation queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app, out printer) error {
				stats, err := a.engine.GetQueueStats(cmd.Context())
				if err != nil {
					return err
				}
				return out.print(stats, func(w io.Writer) error { return printStats(w, stats) })
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(root *RootOptions) *cobra.Command {
	var pull bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue against the server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app, out printer) error {
				if a.config.Config().Remote.URL == "" {
					return errors.New("remote.url is not configured")
				}
				res, err := a.engine.TriggerManualSync(cmd.Context())
				if err != nil {
					return err
				}
				result := struct {
					Drain oversync.DrainResult  `json:"drain" yaml:"drain"`
					Pull  *oversync.PullResult `json:"pull,omitempty" yaml:"pull,omitempty"`
				}{Drain: res}
				if pull {
					pr, err := a.engine.Pull(cmd.Context())
					if err != nil {
						return err
					}
					result.Pull = &pr
				}
				return out.print(result, func(w io.Writer) error {
					if _, err := fmt.Fprintf(w, "processed %d, succeeded %d, failed %d\n", res.Processed, res.Succeeded, res.Failed); err != nil {
						return err
					}
					if res.Held > 0 {
						if _, err := fmt.Fprintf(w, "held %d behind pending conflicts\n", res.Held); err != nil {
							return err
						}
					}
					if result.Pull != nil {
						_, err := fmt.Fprintf(w, "pulled %d rows, applied %d, conflicts %d, errors %d\n",
							result.Pull.Fetched, result.Pull.Applied, result.Pull.Conflicts, result.Pull.Errors)
						return err
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&pull, "pull", false, "also pull remote changes after draining")
	return cmd
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(root *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge completed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app, out printer) error {
				n, err := a.engine.CleanupQueue(cmd.Context(), days)
				if err != nil {
					return err
				}
				return out.print(map[string]int{"deleted": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "deleted %d completed operations\n", n)
					return err
				})
			})
		},
	}
	cmd.Flags().IntVar(&days, "older-than-days", 7, "only purge operations completed this many days ago")
	return cmd
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(a *app, out printer) error {
				entries, err := a.store.ListConflicts(cmd.Context(), oversync.ConflictStatus(status))
				if err != nil {
					return err
				}
				views := make([]conflictView, 0, len(entries))
				for _, e := range entries {
					views = append(views, newConflictView(e))
				}
				return out.print(views, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTABLE\tRECORD\tSTATUS\tDETECTED")
					for _, v := range views {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.ID, v.Table, v.RecordID, v.Status, v.Timestamp.Format(time.RFC3339))
					}
					return tw.Flush()
				})
			})
		},
	}
	list.Flags().StringVar(&status, "status", string(oversync.ConflictPending), "pending, resolved or ignored")

	var data string
	resolve := &cobra.Command{
		Use:   "resolve <id> <strategy>",
		Short: "Resolve a conflict with client-wins, server-wins, last-write-wins, merge or manual",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			strategy, err := oversync.ParseStrategy(args[1])
			if err != nil {
				return err
			}
			var manual json.RawMessage
			if data != "" {
				if manual, err = readPayload(cmd, data); err != nil {
					return err
				}
			}
			return withApp(cmd, root, func(a *app, out printer) error {
				if err := a.engine.ResolveConflict(cmd.Context(), id, strategy, manual); err != nil {
					return err
				}
				return out.print(map[string]any{"id": id, "strategy": strategy}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "conflict %d resolved with %s\n", id, strategy)
					return err
				})
			})
		},
	}
	resolve.Flags().StringVar(&data, "data", "", "record to keep for the manual strategy (JSON, - or @file)")

	ignore := &cobra.Command{
		Use:   "ignore <id>",
		Short: "Close a conflict without changing any data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			return withApp(cmd, root, func(a *app, out printer) error {
				if err := a.engine.IgnoreConflict(cmd.Context(), id); err != nil {
					return err
				}
				return out.print(map[string]any{"id": id, "status": oversync.ConflictIgnored}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "conflict %d ignored\n", id)
					return err
				})
			})
		},
	}

	cmd.AddCommand(list, resolve, ignore)
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(root *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe the local store, as on logout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes every queued operation and local record; pass --yes to confirm")
			}
			return withApp(cmd, root, func(a *app, out printer) error {
				if err := a.engine.Reset(cmd.Context()); err != nil {
					return err
				}
				return out.print(map[string]bool{"reset": true}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, "local store reset")
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(root *RootOptions) *cobra.Command {
	var (
		userID   string
		deviceID string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device token signed with remote.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := root.loadConfig()
			if err != nil {
				return err
			}
			cfg := mgr.Config()
			if cfg.Remote.JWTSecret == "" {
				return errors.New("remote.jwt_secret is not configured")
			}
			if userID == "" {
				userID = cfg.Remote.UserID
			}
			if userID == "" || deviceID == "" {
				return errors.New("--user and --device are required")
			}

			token, err := overhttp.NewJWTAuth(cfg.Remote.JWTSecret, nil).GenerateToken(userID, deviceID, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			out := printer{format: root.Format, w: cmd.OutOrStdout()}
			return out.print(map[string]any{"token": token, "user_id": userID, "device_id": deviceID, "expires_in": ttl.String()},
				func(w io.Writer) error {
					_, err := fmt.Fprintln(w, token)
					return err
				})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "staff user id (default remote.user_id)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	cmd.Flags().DurationVar(&ttl, "ttl", deviceTokenTTL, "token lifetime")
	return cmd
}
