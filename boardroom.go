// Package boardroom is the public API for embedding the boardroom decision
// review backend.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := boardroom.New(ctx,
//	    boardroom.WithVersion(version),
//	    boardroom.WithLogger(logger),
//	    boardroom.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// boardroom (root) imports internal/*, but internal/* never imports the root.
package boardroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/boardroom/api"
	"github.com/ashita-ai/boardroom/internal/config"
	"github.com/ashita-ai/boardroom/internal/mcp"
	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/search"
	"github.com/ashita-ai/boardroom/internal/server"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/embedding"
	"github.com/ashita-ai/boardroom/internal/service/insights"
	"github.com/ashita-ai/boardroom/internal/storage"
	"github.com/ashita-ai/boardroom/internal/telemetry"
	"github.com/ashita-ai/boardroom/migrations"
)

const (
	backfillBatchSize = 500
	shutdownTimeout   = 10 * time.Second
	redisBucketPrefix = "boardroom:rl:"
)

// App is the boardroom server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	closeStore   func()
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects to PostgreSQL, runs migrations and wires
// every subsystem. It does not start goroutines or accept connections; call
// Run for that. On error every resource acquired so far is released.
func New(ctx context.Context, opts ...Option) (app *App, err error) {
	o := resolveOptions(opts)
	logger := o.logger

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}

	logger.Info("boardroom starting", "version", o.version, "port", cfg.Port)

	// Resources are released in reverse acquisition order if wiring fails.
	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, o.version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	cleanups = append(cleanups, func() { _ = otelShutdown(context.Background()) })

	db, err := storage.New(ctx, cfg.DatabaseURL, storage.PoolOptions{
		MaxConns:        int32(cfg.DBMaxConns), //nolint:gosec // validated small in config
		MaxConnLifetime: cfg.DBMaxConnLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	cleanups = append(cleanups, db.Close)
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// External override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
		logger.Info("embedding provider: external", "name", o.embeddingProvider.Name(), "model", o.embeddingProvider.Model())
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Qdrant mirror is optional; without it vectors are scored in process.
	var (
		qdrantIndex *search.QdrantIndex
		vectorIndex ancestry.VectorIndex
		healthIndex server.HealthChecker
	)
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		idx := qdrantIndex
		cleanups = append(cleanups, func() { _ = idx.Close() })

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		vectorIndex = qdrantIndex
		healthIndex = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	retriever := ancestry.New(db, embedder, vectorIndex, logger)
	agg := insights.New(db, logger)

	// Embed decisions stored without a vector. Non-fatal.
	if cfg.EmbeddingBackfill {
		if n, err := retriever.Backfill(ctx, backfillBatchSize); err != nil {
			logger.Warn("embedding backfill failed", "error", err)
		} else if n > 0 {
			logger.Info("embedding backfill complete", "count", n)
		}
	}

	store, closeStore, err := newBucketStore(ctx, cfg, db, logger)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(store, logger)

	mcpSrv := mcp.New(retriever, agg, limiter, logger, o.version)

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:          db,
		Ancestry:    retriever,
		Insights:    agg,
		Logger:      logger,
		Limiter:     limiter,
		VectorIndex: healthIndex,
		MCPServer:   mcpSrv.MCPServer(),
		OpenAPISpec: api.OpenAPISpec,
		ExtraRoutes: extraRoutes,
		Middlewares: middlewares,
		RunRule: ratelimit.Rule{
			Prefix: "workflow-run",
			Limit:  cfg.WorkflowRunLimit,
			Window: cfg.WorkflowRunWindow,
		},
		AncestryDefaults: ancestry.Options{
			CandidateLimit: cfg.AncestryCandidateLimit,
			Limit:          cfg.AncestryResultLimit,
		},
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             o.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		qdrantIndex:  qdrantIndex,
		closeStore:   closeStore,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting the API in another
// server or exercising it with httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts background loops and the HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown is called on return; callers
// should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.RateLimitBackend == config.RateLimitPostgres {
		go bucketPurgeLoop(ctx, a.db, a.logger, a.cfg.BucketPurgeInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains in-flight HTTP requests, then releases the bucket store,
// the Qdrant client, the OTEL provider and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("boardroom shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	httpErr := a.srv.Shutdown(httpCtx)
	if httpErr != nil {
		a.logger.Error("http shutdown error", "error", httpErr)
	}

	a.closeStore()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("boardroom stopped")
	return httpErr
}

// providerAdapter exposes a public EmbeddingProvider as an internal one.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("embedding: provider %s returned %d vectors for %d texts", a.p.Name(), len(vs), len(texts))
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int { return a.p.Dimensions() }
func (a *providerAdapter) Name() string    { return a.p.Name() }
func (a *providerAdapter) Model() string   { return a.p.Model() }

// newBucketStore builds the rate-limit backend. A nil store disables
// limiting. The returned func releases backend resources.
func newBucketStore(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (ratelimit.BucketStore, func(), error) {
	switch cfg.RateLimitBackend {
	case config.RateLimitRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: parse url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: ping: %w", err)
		}
		logger.Info("rate limiting: redis", "addr", opts.Addr)
		return ratelimit.NewRedisBuckets(client, redisBucketPrefix), func() { _ = client.Close() }, nil

	case config.RateLimitMemory:
		buckets := ratelimit.NewMemoryBuckets()
		logger.Info("rate limiting: memory (single instance only)")
		return buckets, func() { _ = buckets.Close() }, nil

	case config.RateLimitOff:
		logger.Info("rate limiting: disabled")
		return nil, func() {}, nil

	default:
		logger.Info("rate limiting: postgres")
		return db, func() {}, nil
	}
}

// bucketPurgeLoop deletes expired rate-limit buckets so the table does not
// grow with one row per key ever seen.
func bucketPurgeLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpiredBuckets(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("bucket purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired buckets purged", "count", n)
			}
		}
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when BOARDROOM_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (ancestry uses lexical scoring)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (ancestry uses lexical scoring)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
