package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/service/insights"
)

// HandlePortfolioInsights handles GET /v1/insights/portfolio.
func (h *Handlers) HandlePortfolioInsights(w http.ResponseWriter, r *http.Request) {
	out, err := h.insights.Compute(r.Context(), insights.Options{
		WindowDays: queryInt(r, "window_days", insights.DefaultWindowDays),
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to compute portfolio insights", err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleRateLimitCheck handles POST /v1/rate-limit/check. The verdict is in
// the body; a denied check is still a 200 because the caller asked.
func (h *Handlers) HandleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req model.RateLimitCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.limiter.Check(r.Context(), ratelimit.Request{
		BucketKey: req.BucketKey,
		Limit:     req.Limit,
		Window:    time.Duration(req.WindowMS) * time.Millisecond,
	})
	if err != nil {
		h.writeServiceError(w, r, "rate limit check failed", err)
		return
	}
	for k, v := range ratelimit.FormatHeaders(res) {
		w.Header().Set(k, v)
	}
	writeJSON(w, r, http.StatusOK, res)
}
