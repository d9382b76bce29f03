package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/boardroom/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryLimiter(t *testing.T) (*Limiter, *MemoryBuckets) {
	t.Helper()
	store := NewMemoryBuckets()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, testLogger()), store
}

type recordingStore struct {
	key    string
	window time.Duration
	bucket model.RateLimitBucket
	err    error
}

func (s *recordingStore) IncrementBucket(_ context.Context, key string, window time.Duration, now time.Time) (model.RateLimitBucket, error) {
	s.key, s.window = key, window
	if s.err != nil {
		return model.RateLimitBucket{}, s.err
	}
	b := s.bucket
	if b.ResetAt.IsZero() {
		b.ResetAt = now.Add(window)
	}
	return b, nil
}

func TestCheckFixedWindow(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := Request{BucketKey: "workflow-run:d1", Limit: 3, Window: time.Minute, Now: now}

	for i := 1; i <= 3; i++ {
		res, err := l.Check(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, now.Add(time.Minute), res.ResetAt)
	}

	req.Now = now.Add(20 * time.Second)
	res, err := l.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 4, res.Count)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 40, res.RetryAfterSeconds)
	assert.Equal(t, now.Add(time.Minute), res.ResetAt, "reset_at is not extended by hits")
}

func TestCheckWindowReset(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := Request{BucketKey: "k", Limit: 1, Window: time.Minute, Now: now}

	_, err := l.Check(ctx, req)
	require.NoError(t, err)
	res, err := l.Check(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// reset_at == now counts as expired.
	req.Now = now.Add(time.Minute)
	res, err = l.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, now.Add(2*time.Minute), res.ResetAt)
}

func TestCheckConcurrentAtomicity(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()
	now := time.Now()

	const n, limit = 200, 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		maxSeen int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, Request{BucketKey: "shared", Limit: limit, Window: time.Hour, Now: now})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Allowed {
				allowed++
			}
			maxSeen = max(maxSeen, res.Count)
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed, "exactly min(N, limit) allowed")
	assert.Equal(t, n, maxSeen, "no increment lost")
}

func TestCheckIndependentKeys(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ctx := context.Background()

	a, err := l.Check(ctx, Request{BucketKey: "a", Limit: 1, Window: time.Minute})
	require.NoError(t, err)
	b, err := l.Check(ctx, Request{BucketKey: "b", Limit: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, a.Allowed)
	assert.True(t, b.Allowed)
}

func TestCheckClampsInputs(t *testing.T) {
	store := &recordingStore{bucket: model.RateLimitBucket{Count: 1}}
	l := New(store, testLogger())
	ctx := context.Background()

	res, err := l.Check(ctx, Request{BucketKey: "k", Limit: 0, Window: 0})
	require.NoError(t, err)
	assert.Equal(t, MinLimit, res.Limit)
	assert.Equal(t, MinWindow, store.window)

	res, err = l.Check(ctx, Request{BucketKey: "k", Limit: 1_000_000, Window: 72 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, res.Limit)
	assert.Equal(t, MaxWindow, store.window)
}

func TestCheckRetryAfterAtLeastOne(t *testing.T) {
	now := time.Now()
	store := &recordingStore{bucket: model.RateLimitBucket{Count: 5, ResetAt: now.Add(100 * time.Millisecond)}}
	res, err := New(store, testLogger()).Check(context.Background(), Request{BucketKey: "k", Limit: 1, Window: time.Second, Now: now})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.RetryAfterSeconds)
}

func TestCheckStoreFailures(t *testing.T) {
	ctx := context.Background()

	_, err := New(&recordingStore{err: errors.New("connection refused")}, testLogger()).
		Check(ctx, Request{BucketKey: "k", Limit: 1, Window: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = New(&recordingStore{bucket: model.RateLimitBucket{Count: 0}}, testLogger()).
		Check(ctx, Request{BucketKey: "k", Limit: 1, Window: time.Second})
	assert.ErrorIs(t, err, model.ErrInternal)
}

func TestCheckDisabled(t *testing.T) {
	l := New(nil, testLogger())
	assert.False(t, l.Enabled())
	for range 100 {
		res, err := l.Check(context.Background(), Request{BucketKey: "k", Limit: 1, Window: time.Minute})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
}

func TestAllowUsesRulePrefix(t *testing.T) {
	store := &recordingStore{bucket: model.RateLimitBucket{Count: 1}}
	res, err := New(store, testLogger()).Allow(context.Background(), Rule{Prefix: "workflow-run", Limit: 10, Window: time.Minute}, "d1")
	require.NoError(t, err)
	assert.Equal(t, "workflow-run:d1", store.key)
	assert.Equal(t, "workflow-run:d1", res.BucketKey)
}

func TestNormalizeKey(t *testing.T) {
	key, err := NormalizeKey("  workflow-run:abc \n")
	require.NoError(t, err)
	assert.Equal(t, "workflow-run:abc", key)

	_, err = NormalizeKey("   ")
	assert.ErrorIs(t, err, model.ErrValidation)

	long := strings.Repeat("a", 199) + "é" + "tail"
	key, err = NormalizeKey(long)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 199), key, "multi-byte rune straddling the limit is dropped")
	assert.True(t, utf8.ValidString(key))

	key, err = NormalizeKey(strings.Repeat("b", 500))
	require.NoError(t, err)
	assert.Len(t, key, MaxKeyLen)
}

func TestFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	h := FormatHeaders(model.RateLimitResult{Allowed: true, Limit: 100, Remaining: 42, ResetAt: resetAt})
	assert.Equal(t, "100", h["X-RateLimit-Limit"])
	assert.Equal(t, "42", h["X-RateLimit-Remaining"])
	assert.Equal(t, "1770292800", h["X-RateLimit-Reset"])
	assert.NotContains(t, h, "Retry-After")

	h = FormatHeaders(model.RateLimitResult{Allowed: false, Limit: 1, RetryAfterSeconds: 7, ResetAt: resetAt})
	assert.Equal(t, "7", h["Retry-After"])
}

func TestMemoryBucketsEvictStale(t *testing.T) {
	m := NewMemoryBuckets()
	defer func() { _ = m.Close() }()
	ctx := context.Background()
	now := time.Now()

	_, _ = m.IncrementBucket(ctx, "stale", time.Minute, now.Add(-time.Hour))
	_, _ = m.IncrementBucket(ctx, "recent", time.Minute, now)
	m.evictStale(now)

	m.mu.Lock()
	_, staleExists := m.buckets["stale"]
	_, recentExists := m.buckets["recent"]
	m.mu.Unlock()
	assert.False(t, staleExists)
	assert.True(t, recentExists)
}

func TestMemoryBucketsCloseIdempotent(t *testing.T) {
	m := NewMemoryBuckets()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
