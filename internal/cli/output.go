// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlvaFG/restaurant-digital-sub001/oversync"
)

// printer writes results in the format chosen by --format.
type printer struct {
	format string
	w      io.Writer
}

// print encodes v for json and yaml, and calls text otherwise.
func (p printer) print(v any, text func(w io.Writer) error) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(p.w)
	}
}

// conflictView is a conflict with its snapshots decoded, so yaml output
// shows fields instead of bytes.
type conflictView struct {
	ID         int64      `json:"id" yaml:"id"`
	Table      string     `json:"table" yaml:"table"`
	RecordID   string     `json:"record_id" yaml:"record_id"`
	Status     string     `json:"status" yaml:"status"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	Strategy   string     `json:"resolution_strategy,omitempty" yaml:"resolution_strategy,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
	Local      any        `json:"local" yaml:"local"`
	Remote     any        `json:"remote" yaml:"remote"`
}

func newConflictView(c *oversync.ConflictLogEntry) conflictView {
	v := conflictView{
		ID:         c.ID,
		Table:      c.Table,
		RecordID:   c.RecordID,
		Status:     string(c.Status),
		Timestamp:  c.Timestamp,
		ResolvedAt: c.ResolvedAt,
	}
	if c.ResolutionStrategy != nil {
		v.Strategy = c.ResolutionStrategy.String()
	}
	_ = json.Unmarshal(c.LocalSnapshot, &v.Local)
	_ = json.Unmarshal(c.RemoteSnapshot, &v.Remote)
	return v
}

func printStats(w io.Writer, s oversync.QueueStats) error {
	_, err := fmt.Fprintf(w,
		"pending:    %d\nprocessing: %d\nfailed:     %d (retryable %d)\ncompleted:  %d\ntotal:      %d\n",
		s.Pending, s.Processing, s.Failed, s.Retryable, s.Completed, s.Total)
	if err != nil {
		return err
	}
	for _, p := range []oversync.Priority{oversync.PriorityCritical, oversync.PriorityHigh, oversync.PriorityNormal, oversync.PriorityLow} {
		if n := s.ByPriority[p]; n > 0 {
			if _, err := fmt.Fprintf(w, "  %-8s %d\n", p, n); err != nil {
				return err
			}
		}
	}
	if s.OldestPendingAgeMs != nil {
		age := time.Duration(*s.OldestPendingAgeMs) * time.Millisecond
		if _, err := fmt.Fprintf(w, "oldest pending: %s\n", age.Round(time.Second)); err != nil {
			return err
		}
	}
	return nil
}
