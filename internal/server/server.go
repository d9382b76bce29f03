package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/insights"
	"github.com/ashita-ai/boardroom/internal/storage"
)

// Server is the boardroom HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, VectorIndex, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	Ancestry *ancestry.Retriever
	Insights *insights.Aggregator
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter     *ratelimit.Limiter
	VectorIndex HealthChecker
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes are registered on the mux after the built-in routes.
	ExtraRoutes []func(*http.ServeMux)

	// Middlewares wrap the full chain. The first entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	// RunRule throttles workflow run appends per decision.
	RunRule ratelimit.Rule

	// AncestryDefaults apply when a lookup omits limit or candidates.
	AncestryDefaults ancestry.Options

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(nil, cfg.Logger)
	}
	if cfg.RunRule.Prefix == "" {
		cfg.RunRule.Prefix = "workflow-run"
	}

	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Ancestry:            cfg.Ancestry,
		Insights:            cfg.Insights,
		Limiter:             cfg.Limiter,
		VectorIndex:         cfg.VectorIndex,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AncestryDefaults:    cfg.AncestryDefaults,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	runRL := ratelimit.Middleware(cfg.Limiter, cfg.RunRule, ratelimit.PathValueKeyFunc("decision_id"), reqIDFunc)

	mux := http.NewServeMux()

	// Decision intake and lookup.
	mux.HandleFunc("POST /v1/decisions", h.HandleUpsertDecision)
	mux.HandleFunc("GET /v1/decisions/{decision_id}", h.HandleGetDecision)

	// Workflow runs (appends are rate limited per decision).
	mux.Handle("POST /v1/decisions/{decision_id}/runs", runRL(http.HandlerFunc(h.HandleAppendRun)))
	mux.HandleFunc("GET /v1/decisions/{decision_id}/runs", h.HandleListRuns)

	// Embedding store.
	mux.HandleFunc("GET /v1/decisions/{decision_id}/embedding", h.HandleGetEmbedding)
	mux.HandleFunc("PUT /v1/decisions/{decision_id}/embedding", h.HandlePutEmbedding)
	mux.HandleFunc("POST /v1/decisions/{decision_id}/embedding/refresh", h.HandleRefreshEmbedding)

	// Ancestry retrieval.
	mux.HandleFunc("GET /v1/decisions/{decision_id}/ancestry", h.HandleAncestry)

	// Explicit rate-limit check for the orchestrator.
	mux.HandleFunc("POST /v1/rate-limit/check", h.HandleRateLimitCheck)

	// Portfolio insights.
	mux.HandleFunc("GET /v1/insights/portfolio", h.HandlePortfolioInsights)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and API description (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
