package ratelimit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/boardroom/internal/model"
)

func serveRuns(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/decisions/{decision_id}/runs", h)
	return mux
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	l, _ := newMemoryLimiter(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) })
	rule := Rule{Prefix: "workflow-run", Limit: 2, Window: time.Minute}
	mux := serveRuns(Middleware(l, rule, PathValueKeyFunc("decision_id"), func(*http.Request) string { return "req-1" })(ok))

	for i := range 2 {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions/d1/runs", nil))
		assert.Equal(t, http.StatusCreated, rec.Code, "request %d", i+1)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions/d1/runs", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	// A different decision has its own bucket.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions/d2/runs", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMiddlewareStoreError(t *testing.T) {
	l := New(&recordingStore{err: errors.New("down")}, testLogger())
	called := false
	h := Middleware(l, Rule{Prefix: "p", Limit: 1, Window: time.Second}, func(*http.Request) string { return "k" }, nil)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, called)
}

func TestMiddlewarePassThrough(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ })
	rule := Rule{Prefix: "p", Limit: 1, Window: time.Minute}

	// Disabled limiter.
	h := Middleware(New(nil, testLogger()), rule, func(*http.Request) string { return "k" }, nil)(next)
	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	// Empty key skips limiting.
	l, _ := newMemoryLimiter(t)
	h = Middleware(l, rule, func(*http.Request) string { return "" }, nil)(next)
	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, 6, calls)
}
