package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/boardroom/internal/model"
)

// MemoryBuckets is a process-local BucketStore. It suits single-instance
// deployments and tests; counts are lost on restart and not shared between
// replicas.
//
// A background goroutine evicts buckets whose window ended more than
// staleThreshold ago. Call Close to stop it.
type MemoryBuckets struct {
	mu      sync.Mutex
	buckets map[string]model.RateLimitBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryBuckets creates an empty in-memory store.
func NewMemoryBuckets() *MemoryBuckets {
	m := &MemoryBuckets{
		buckets: make(map[string]model.RateLimitBucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// IncrementBucket implements BucketStore.
func (m *MemoryBuckets) IncrementBucket(_ context.Context, key string, window time.Duration, now time.Time) (model.RateLimitBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || !b.ResetAt.After(now) {
		b = model.RateLimitBucket{Key: key, Count: 1, ResetAt: now.Add(window)}
	} else {
		b.Count++
	}
	b.UpdatedAt = now
	m.buckets[key] = b
	return b, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryBuckets) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryBuckets) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale(time.Now())
		}
	}
}

func (m *MemoryBuckets) evictStale(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.ResetAt.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
