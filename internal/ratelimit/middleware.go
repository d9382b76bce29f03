package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashita-ai/boardroom/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// PathValueKeyFunc keys requests by a path wildcard, e.g. "decision_id".
func PathValueKeyFunc(name string) KeyFunc {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// Middleware returns HTTP middleware that enforces rule. A nil or disabled
// limiter passes every request through.
func Middleware(limiter *Limiter, rule Rule, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}

			result, err := limiter.Allow(r.Context(), rule, key)
			if err != nil {
				limiter.logger.Error("ratelimit: check failed", "error", err, "prefix", rule.Prefix, "request_id", requestID)
				writeError(w, http.StatusInternalServerError, model.ErrCodeInternalError, "rate limit check failed", requestID)
				return
			}

			for k, v := range FormatHeaders(result) {
				w.Header().Set(k, v)
			}
			if !result.Allowed {
				writeError(w, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests", requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes an error using the standard API error envelope.
func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}
