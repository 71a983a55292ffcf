// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// classify turns a driver error into a *oversync.RemoteError. Errors that are
// already classified pass through unchanged.
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var re *oversync.RemoteError
	if errors.As(err, &re) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case isRetryablePGTxError(err):
			return oversync.TransientError(op, table, err)
		case code == "23503": // foreign_key_violation, parent may still be in flight
			return oversync.TransientError(op, table, err)
		case code == "42501":
			return oversync.PermanentError(op, table, errors.New("permission denied: "+pgErr.Message))
		case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "22"), strings.HasPrefix(code, "42"):
			return oversync.PermanentError(op, table, err)
		default:
			return oversync.TransientError(op, table, err)
		}
	}

	// Connection failures, timeouts and cancellations
	return oversync.TransientError(op, table, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
