// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var domainCompareOpts = cmp.Options{
	cmpopts.IgnoreFields(Order{}, "Synced", "CreatedAt", "UpdatedAt"),
	cmpopts.IgnoreFields(Table{}, "Synced", "CreatedAt", "UpdatedAt"),
	cmpopts.IgnoreFields(MenuItem{}, "Synced", "CreatedAt", "UpdatedAt"),
	cmpopts.IgnoreFields(Payment{}, "Synced", "CreatedAt", "UpdatedAt"),
	cmpopts.EquateEmpty(),
	cmp.Comparer(SameOrderStatus),
}

func recordValue(r Record) any {
	switch v := r.(type) {
	case *Order:
		return *v
	case *Table:
		return *v
	case *MenuItem:
		return *v
	case *Payment:
		return *v
	default:
		return r
	}
}

// SameDomain reports whether two records carry the same domain fields,
// ignoring the synced flag and timestamps.
func SameDomain(a, b Record) bool {
	return cmp.Equal(recordValue(a), recordValue(b), domainCompareOpts)
}

// DomainDiff renders the domain-field difference between two records, empty when equal.
func DomainDiff(local, remote Record) string {
	return cmp.Diff(recordValue(local), recordValue(remote), domainCompareOpts)
}

// HasConflict reports whether an incoming remote record competes with unsent
// local state. A synced local record never conflicts. With both timestamps
// present the local copy conflicts only when it is newer; otherwise any domain
// difference conflicts.
func HasConflict(local, remote Record) bool {
	if local == nil || remote == nil {
		return false
	}
	if local.IsSynced() {
		return false
	}
	lu, ru := local.LastUpdated(), remote.LastUpdated()
	if !lu.IsZero() && !ru.IsZero() {
		return lu.After(ru)
	}
	return !SameDomain(local, remote)
}
