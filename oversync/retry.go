// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"hash/fnv"
	"strconv"
	"time"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// RetryPolicy decides whether and when a failed operation may run again.
// All methods are pure.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	// Jitter adds up to this much extra delay, derived from the operation id
	// so that operations failing together spread out.
	Jitter time.Duration
}

// DefaultRetryPolicy returns base 1s, cap 60s, five attempts, no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxRetries: MaxRetries,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = MaxRetries
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	p = p.normalized()
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// DelayFor is Delay plus the operation's jitter share.
func (p RetryPolicy) DelayFor(op *SyncOperation) time.Duration {
	p = p.normalized()
	d := p.Delay(op.RetryCount)
	if p.Jitter > 0 {
		d += jitterFor(op.ID, op.RetryCount, p.Jitter)
	}
	return d
}

func jitterFor(id int64, attempt int, limit time.Duration) time.Duration {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	_, _ = h.Write([]byte{byte(attempt)})
	return time.Duration(h.Sum64() % uint64(limit+1))
}

// CanRetry reports whether op's backoff window has elapsed at now.
func (p RetryPolicy) CanRetry(op *SyncOperation, now time.Time) bool {
	if op.LastRetryAt == nil {
		return true
	}
	return now.Sub(*op.LastRetryAt) >= p.DelayFor(op)
}

// ShouldRetry reports whether op is still a retry candidate at all: under the
// attempt ceiling and not failed with a permanent error class.
func (p RetryPolicy) ShouldRetry(op *SyncOperation) bool {
	p = p.normalized()
	if op.RetryCount >= p.MaxRetries {
		return false
	}
	return !NonRetryableMessage(op.Error)
}

// NextAttemptAt is the earliest time op may be retried.
func (p RetryPolicy) NextAttemptAt(op *SyncOperation) time.Time {
	if op.LastRetryAt == nil {
		return op.CreatedAt
	}
	return op.LastRetryAt.Add(p.DelayFor(op))
}
