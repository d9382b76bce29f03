package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/boardroom/internal/model"
)

// incrementScript is the Redis side of IncrementBucket. Each bucket is a hash
// holding count and reset_at (unix ms). The whole read-modify-write runs as
// one script, so concurrent callers serialize on the server.
//
// KEYS[1] bucket key; ARGV[1] now ms; ARGV[2] window ms; ARGV[3] now+window ms.
var incrementScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], 'reset_at')
local now = tonumber(ARGV[1])
if raw and tonumber(raw) > now then
  local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {count, raw}
end
redis.call('HSET', KEYS[1], 'count', 1, 'reset_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, ARGV[3]}
`)

// RedisBuckets is a BucketStore shared by every replica pointed at the same
// Redis. Buckets expire on their own one window after they start.
type RedisBuckets struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBuckets stores buckets under "<prefix><bucket key>".
func NewRedisBuckets(client redis.UniversalClient, prefix string) *RedisBuckets {
	return &RedisBuckets{client: client, prefix: prefix}
}

// IncrementBucket implements BucketStore.
func (b *RedisBuckets) IncrementBucket(ctx context.Context, key string, window time.Duration, now time.Time) (model.RateLimitBucket, error) {
	nowMS := now.UnixMilli()
	windowMS := max(window.Milliseconds(), 1)
	reply, err := incrementScript.Run(ctx, b.client, []string{b.prefix + key},
		nowMS, windowMS, strconv.FormatInt(nowMS+windowMS, 10),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.RateLimitBucket{}, fmt.Errorf("%w: ratelimit: redis returned no bucket for %q", model.ErrInternal, key)
		}
		return model.RateLimitBucket{}, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	if len(reply) != 2 {
		return model.RateLimitBucket{}, fmt.Errorf("%w: ratelimit: unexpected redis reply %v", model.ErrInternal, reply)
	}

	count, ok := reply[0].(int64)
	if !ok {
		return model.RateLimitBucket{}, fmt.Errorf("%w: ratelimit: redis count has type %T", model.ErrInternal, reply[0])
	}
	rawReset, ok := reply[1].(string)
	if !ok {
		return model.RateLimitBucket{}, fmt.Errorf("%w: ratelimit: redis reset_at has type %T", model.ErrInternal, reply[1])
	}
	resetMS, err := strconv.ParseInt(rawReset, 10, 64)
	if err != nil {
		return model.RateLimitBucket{}, fmt.Errorf("%w: ratelimit: parse redis reset_at %q: %v", model.ErrInternal, rawReset, err)
	}

	return model.RateLimitBucket{
		Key:       key,
		Count:     int(count),
		ResetAt:   time.UnixMilli(resetMS).UTC(),
		UpdatedAt: now,
	}, nil
}
