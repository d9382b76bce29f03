package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/insights"
	"github.com/ashita-ai/boardroom/internal/storage"
)

// HealthChecker is an optional dependency reported by /health.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	ancestry            *ancestry.Retriever
	insights            *insights.Aggregator
	limiter             *ratelimit.Limiter
	vectorIndex         HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	ancestryDefaults    ancestry.Options
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): VectorIndex, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Ancestry            *ancestry.Retriever
	Insights            *insights.Aggregator
	Limiter             *ratelimit.Limiter
	VectorIndex         HealthChecker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	AncestryDefaults    ancestry.Options
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		ancestry:            d.Ancestry,
		insights:            d.Insights,
		limiter:             d.Limiter,
		vectorIndex:         d.VectorIndex,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		ancestryDefaults:    d.AncestryDefaults,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// The vector index is optional: losing it degrades ancestry to
	// in-process scoring, it does not make the service unhealthy.
	if h.vectorIndex != nil {
		if err := h.vectorIndex.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
