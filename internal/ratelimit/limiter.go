package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rphhhh-ubt/fantola-sub001/internal/plans"
)

// Store defines the interface for rate limit storage backends.
// Implementations can be in-memory (single instance) or Redis (distributed).
type Store interface {
	// TakeWindowSlot trims entries older than now-window from the event log
	// at key, counts the survivors, and records a new event when the count
	// is below limit. count is the number of events after the call.
	TakeWindowSlot(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (count int, allowed bool, err error)

	// TakeToken lazily refills the bucket at key and consumes one token
	// when at least one is available.
	TakeToken(ctx context.Context, key string, now time.Time, capacity, refillPerSec float64) (allowed bool, tokens float64, err error)

	// WindowCount returns the current event count without recording.
	WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)

	// BucketTokens returns the current token level without consuming.
	BucketTokens(ctx context.Context, key string, now time.Time, capacity, refillPerSec float64) (float64, error)

	// Reset removes the given keys.
	Reset(ctx context.Context, keys ...string) error

	// Close releases resources.
	Close() error
}

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	DeniedBy   string        `json:"denied_by,omitempty"` // "window" or "bucket"
}

// Limiter combines a sliding-window log (minute scale) with a token bucket
// (second scale, burst control). Both checks must pass for a request to be
// admitted. Limits are keyed by (user, operation) so operation types never
// share a budget, and derived from the subscription tier.
//
// Failure semantics are fail-closed: a store error denies the request and
// propagates, because admission control must never silently allow unlimited
// traffic.
type Limiter struct {
	store Store
	table *plans.Table
	now   func() time.Time
}

// NewLimiter creates a rate limiter over the given store and tier table.
func NewLimiter(store Store, table *plans.Table) *Limiter {
	return &Limiter{store: store, table: table, now: time.Now}
}

func windowKey(userID int64, operation string) string {
	return fmt.Sprintf("ratelimit:%d:%s:window", userID, operation)
}

func bucketKey(userID int64, operation string) string {
	return fmt.Sprintf("ratelimit:%d:%s:bucket", userID, operation)
}

// Check evaluates both limits for the user and operation. The two checks
// run concurrently; either denial denies the request.
//
// The window event is recorded before the bucket verdict is known, so a
// bucket-denied request still occupies a window slot. That slot leaves via
// score-range trimming and key TTL on later checks; there is no
// delete-on-denial path.
func (l *Limiter) Check(ctx context.Context, userID int64, tier plans.Tier, operation string) (Decision, error) {
	plan := l.table.Plan(tier)
	now := l.now()

	var (
		windowCount   int
		windowAllowed bool
		bucketAllowed bool
		bucketTokens  float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		windowCount, windowAllowed, err = l.store.TakeWindowSlot(
			gctx, windowKey(userID, operation), now, plans.Window, plan.RequestsPerMinute)
		return err
	})
	g.Go(func() error {
		var err error
		bucketAllowed, bucketTokens, err = l.store.TakeToken(
			gctx, bucketKey(userID, operation), now, plan.BurstPerSecond, plan.BurstPerSecond)
		return err
	})
	if err := g.Wait(); err != nil {
		// Fail closed.
		return Decision{Allowed: false}, fmt.Errorf("rate limit check: %w", err)
	}

	d := Decision{
		Allowed: windowAllowed && bucketAllowed,
		ResetAt: now.Add(plans.Window),
	}
	if remaining := plan.RequestsPerMinute - windowCount; remaining > 0 {
		d.Remaining = remaining
	}

	switch {
	case !windowAllowed:
		d.DeniedBy = "window"
		// Conservative: a full window length, not the exact next-slot time.
		d.RetryAfter = plans.Window
	case !bucketAllowed:
		d.DeniedBy = "bucket"
		needed := 1 - bucketTokens
		secs := math.Ceil(needed / plan.BurstPerSecond)
		if secs < 1 {
			secs = 1
		}
		d.RetryAfter = time.Duration(secs) * time.Second
	}
	return d, nil
}

// Reset clears both sub-states for the user. With an operation it clears
// that pair only; without, it clears every operation in the cost table.
// Used for admin overrides and tests.
func (l *Limiter) Reset(ctx context.Context, userID int64, operation string) error {
	var keys []string
	if operation != "" {
		keys = []string{windowKey(userID, operation), bucketKey(userID, operation)}
	} else {
		for op := range l.table.Costs {
			keys = append(keys, windowKey(userID, op), bucketKey(userID, op))
		}
	}
	return l.store.Reset(ctx, keys...)
}

// Stats exposes the raw counters for one (user, operation) pair without
// mutating state.
type Stats struct {
	WindowUsed     int     `json:"window_used"`
	WindowLimit    int     `json:"window_limit"`
	BucketTokens   float64 `json:"bucket_tokens"`
	BucketCapacity float64 `json:"bucket_capacity"`
}

// UserStats reads the current limiter state for observability.
func (l *Limiter) UserStats(ctx context.Context, userID int64, tier plans.Tier, operation string) (Stats, error) {
	plan := l.table.Plan(tier)
	now := l.now()

	count, err := l.store.WindowCount(ctx, windowKey(userID, operation), now, plans.Window)
	if err != nil {
		return Stats{}, fmt.Errorf("window count: %w", err)
	}
	tokens, err := l.store.BucketTokens(ctx, bucketKey(userID, operation), now, plan.BurstPerSecond, plan.BurstPerSecond)
	if err != nil {
		return Stats{}, fmt.Errorf("bucket tokens: %w", err)
	}
	return Stats{
		WindowUsed:     count,
		WindowLimit:    plan.RequestsPerMinute,
		BucketTokens:   tokens,
		BucketCapacity: plan.BurstPerSecond,
	}, nil
}

// Close stops the limiter and releases store resources.
func (l *Limiter) Close() error {
	return l.store.Close()
}
