package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/boardroom/internal/model"
)

// IncrementBucket atomically counts one hit against a fixed window.
// A missing bucket, or one whose reset_at is at or before now, starts a new
// window with count 1; otherwise the count is incremented and reset_at kept.
func (db *DB) IncrementBucket(ctx context.Context, key string, window time.Duration, now time.Time) (model.RateLimitBucket, error) {
	now = now.UTC()
	b := model.RateLimitBucket{Key: key}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, count, reset_at, updated_at)
		 VALUES ($1, 1, $3, $2)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		     count = CASE WHEN rate_limit_buckets.reset_at <= $2 THEN 1
		                  ELSE rate_limit_buckets.count + 1 END,
		     reset_at = CASE WHEN rate_limit_buckets.reset_at <= $2 THEN EXCLUDED.reset_at
		                     ELSE rate_limit_buckets.reset_at END,
		     updated_at = $2
		 RETURNING count, reset_at, updated_at`,
		key, now, now.Add(window),
	).Scan(&b.Count, &b.ResetAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, fmt.Errorf("%w: storage: bucket %q upsert returned no row", model.ErrInternal, key)
		}
		return b, fmt.Errorf("storage: increment bucket: %w", err)
	}
	return b, nil
}

// PurgeExpiredBuckets deletes buckets whose window ended before cutoff.
func (db *DB) PurgeExpiredBuckets(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM rate_limit_buckets WHERE reset_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge expired buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}
