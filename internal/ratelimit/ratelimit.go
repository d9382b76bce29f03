// Package ratelimit implements a fixed-window request counter keyed by an
// opaque bucket key.
//
// Counting is delegated to a BucketStore whose increment must be atomic:
// Postgres (storage.DB), Redis (RedisBuckets) or process memory
// (MemoryBuckets). The Limiter owns input normalization and turns a bucket
// row into an allow/deny decision.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/telemetry"
)

// Input bounds.
const (
	MaxKeyLen = 200
	MinLimit  = 1
	MaxLimit  = 10_000
	MinWindow = time.Second
	MaxWindow = 24 * time.Hour
)

// BucketStore counts one hit against the fixed window of key. A missing or
// expired bucket (reset_at <= now) restarts at count 1 with reset_at =
// now + window; otherwise count is incremented and reset_at kept.
// Implementations must be safe for concurrent use and never lose increments.
type BucketStore interface {
	IncrementBucket(ctx context.Context, key string, window time.Duration, now time.Time) (model.RateLimitBucket, error)
}

// Request is one rate-limit check.
type Request struct {
	BucketKey string
	Limit     int
	Window    time.Duration
	// Now overrides the clock. Zero means time.Now.
	Now time.Time
}

// Rule is a named limit applied by Middleware. The bucket key is
// "<Prefix>:<key>".
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Limiter decides whether a request against a bucket should proceed.
type Limiter struct {
	store  BucketStore
	logger *slog.Logger
	now    func() time.Time
	denied metric.Int64Counter
}

// New creates a Limiter over store. A nil store disables limiting: every
// check is allowed and nothing is counted.
func New(store BucketStore, logger *slog.Logger) *Limiter {
	denied, _ := telemetry.Meter("boardroom/ratelimit").Int64Counter("boardroom.ratelimit.denied",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	return &Limiter{store: store, logger: logger, now: time.Now, denied: denied}
}

// Enabled reports whether checks are counted.
func (l *Limiter) Enabled() bool {
	return l != nil && l.store != nil
}

// Check counts one hit against req.BucketKey and reports whether it fits in
// the window. A store that fails to return a bucket is an error, never a
// silent allow or deny.
func (l *Limiter) Check(ctx context.Context, req Request) (model.RateLimitResult, error) {
	key, err := NormalizeKey(req.BucketKey)
	if err != nil {
		return model.RateLimitResult{}, err
	}
	limit := min(max(req.Limit, MinLimit), MaxLimit)
	window := min(max(req.Window, MinWindow), MaxWindow)
	now := req.Now
	if now.IsZero() {
		now = l.now()
	}

	if l.store == nil {
		return buildResult(key, limit, model.RateLimitBucket{Key: key, ResetAt: now.Add(window)}, now), nil
	}

	bucket, err := l.store.IncrementBucket(ctx, key, window, now)
	if err != nil {
		return model.RateLimitResult{}, fmt.Errorf("ratelimit: check %q: %w", key, err)
	}
	if bucket.Count < 1 {
		return model.RateLimitResult{}, fmt.Errorf("%w: ratelimit: bucket %q returned count %d", model.ErrInternal, key, bucket.Count)
	}

	res := buildResult(key, limit, bucket, now)
	if !res.Allowed {
		prefix, _, _ := strings.Cut(key, ":")
		l.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("prefix", prefix)))
		l.logger.Debug("ratelimit: denied", "bucket_key", key, "count", res.Count, "limit", limit)
	}
	return res, nil
}

// Allow checks key under rule.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) (model.RateLimitResult, error) {
	return l.Check(ctx, Request{
		BucketKey: rule.Prefix + ":" + key,
		Limit:     rule.Limit,
		Window:    rule.Window,
	})
}

func buildResult(key string, limit int, b model.RateLimitBucket, now time.Time) model.RateLimitResult {
	retry := int(math.Ceil(b.ResetAt.Sub(now).Seconds()))
	return model.RateLimitResult{
		BucketKey:         key,
		Allowed:           b.Count <= limit,
		Count:             b.Count,
		Limit:             limit,
		Remaining:         max(0, limit-b.Count),
		ResetAt:           b.ResetAt,
		RetryAfterSeconds: max(1, retry),
	}
}

// NormalizeKey trims key and truncates it to MaxKeyLen bytes without
// splitting a UTF-8 sequence. A blank key is a validation error.
func NormalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) > MaxKeyLen {
		cut := MaxKeyLen
		for cut > 0 && !utf8.RuneStart(key[cut]) {
			cut--
		}
		key = key[:cut]
	}
	if key == "" {
		return "", fmt.Errorf("%w: bucket_key is required", model.ErrValidation)
	}
	return key, nil
}

// FormatHeaders returns the X-RateLimit-* headers for res, plus Retry-After
// when the request was denied.
func FormatHeaders(res model.RateLimitResult) map[string]string {
	h := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(res.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(res.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(res.ResetAt.Unix(), 10),
	}
	if !res.Allowed {
		h["Retry-After"] = strconv.Itoa(res.RetryAfterSeconds)
	}
	return h
}
