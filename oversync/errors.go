// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConflictResolved      = errors.New("conflict already resolved")
	ErrManualDataRequired    = errors.New("manual strategy requires manual data")
	ErrUnknownOperationKind  = errors.New("unknown operation kind")
	ErrStrategyNotApplicable = errors.New("strategy not applicable")
	ErrRemoteRowNotFound     = errors.New("remote row not found")

	// ErrSuperseded is the stored error of operations retired because their
	// entity was settled by a server-authoritative merge or a conflict
	// resolution. The text is non-retryable.
	ErrSuperseded = errors.New("permanent: superseded by conflict resolution")
)

// ValidationError is returned synchronously by Enqueue for malformed operations.
// Validation failures are never persisted and never retried.
type ValidationError struct {
	Kind   OperationKind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("validation error: %s.%s: %s", e.Kind, e.Field, e.Reason)
}

func invalid(kind OperationKind, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}

// ErrorClass separates failures worth retrying from those that never succeed.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// RemoteError is what remote adapters return when a call fails.
type RemoteError struct {
	Class      ErrorClass
	Op         string // insert, update, delete, batch, fetch
	Table      string
	StatusCode int // HTTP status or 0
	Err        error
}

func (e *RemoteError) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s remote error: %s %s: status %d: %s", e.Class, e.Op, e.Table, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s remote error: %s %s: %s", e.Class, e.Op, e.Table, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable remote failure.
func TransientError(op, table string, err error) *RemoteError {
	return &RemoteError{Class: ClassTransient, Op: op, Table: table, Err: err}
}

// PermanentError wraps err as a remote failure that retrying cannot fix.
func PermanentError(op, table string, err error) *RemoteError {
	return &RemoteError{Class: ClassPermanent, Op: op, Table: table, Err: err}
}

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class == ClassPermanent
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, ErrUnknownOperationKind)
}

// IsTransient reports whether err is a failure that may succeed later.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Stored error text is all that survives a restart, so retry eligibility is
// decided from these markers.
var nonRetryableMarkers = []string{
	"validation",
	"unauthorized",
	"forbidden",
	"permission denied",
	"permanent",
	ErrUnknownOperationKind.Error(),
}

// NonRetryableMessage reports whether an operation's stored error text names
// a validation, authorization or other permanent failure.
func NonRetryableMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
