package model

import "time"

// RateLimitResult reports the outcome of one fixed-window check.
type RateLimitResult struct {
	BucketKey         string    `json:"bucket_key"`
	Allowed           bool      `json:"allowed"`
	Count             int       `json:"count"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
}

// RateLimitCheckRequest is the request body for POST /v1/rate-limit/check.
type RateLimitCheckRequest struct {
	BucketKey string `json:"bucket_key"`
	Limit     int    `json:"limit"`
	WindowMS  int64  `json:"window_ms"`
}

// RateLimitBucket is the persisted counter for one bucket key.
type RateLimitBucket struct {
	Key       string    `json:"bucket_key"`
	Count     int       `json:"count"`
	ResetAt   time.Time `json:"reset_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
