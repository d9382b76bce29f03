package boardroom

import (
	"context"
	"net/http"
)

// EmbeddingProvider generates vector embeddings from decision text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 so callers need not import
// pgvector; New wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int

	// Name and Model are recorded alongside stored vectors. A provider named
	// "noop" disables vector scoring.
	Name() string
	Model() string
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes run behind the same request ID, tracing, logging and
// recovery middleware as the built-in API.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler. Applied outermost, so it sees all
// requests including /health.
type Middleware func(http.Handler) http.Handler
