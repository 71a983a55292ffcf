// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller: a staff user on one POS device.
type Principal struct {
	UserID   string
	DeviceID string
}

// WithPrincipal stores p in the context
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the principal from the context
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// DeviceID returns the caller's device, empty when unauthenticated
func DeviceID(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.DeviceID
}
