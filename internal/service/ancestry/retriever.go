// Package ancestry finds prior decisions that resemble a target decision and
// reports how those precedents turned out.
//
// Similarity is cosine over stored embeddings when both sides have a vector
// of the same size, and Jaccard over normalized tokens otherwise. The method
// used is always reported so callers can tell a semantic match from a
// keyword one.
package ancestry

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/search"
	"github.com/ashita-ai/boardroom/internal/service/embedding"
	"github.com/ashita-ai/boardroom/internal/storage"
	"github.com/ashita-ai/boardroom/internal/telemetry"
)

// Pool and result size bounds.
const (
	DefaultCandidateLimit = 50
	MaxCandidateLimit     = 250
	DefaultResultLimit    = 5
	MaxResultLimit        = 25

	maxLessons    = 3
	maxSummaryLen = 200
)

// ErrNoEmbeddingProvider is returned by EnsureEmbedding when only the no-op
// provider is configured.
var ErrNoEmbeddingProvider = errors.New("ancestry: no embedding provider configured")

// Store is the persistence the retriever needs. *storage.DB satisfies it.
type Store interface {
	GetDecision(ctx context.Context, id string) (model.Decision, error)
	ListAncestryCandidates(ctx context.Context, excludeID string, limit int) ([]model.AncestryCandidate, error)
	ListDecisionsWithoutEmbedding(ctx context.Context, limit int) ([]model.Decision, error)
	GetAncestryEmbedding(ctx context.Context, decisionID string) (model.AncestryEmbedding, error)
	GetAncestryEmbeddings(ctx context.Context, ids []string) (map[string]model.AncestryEmbedding, error)
	UpsertAncestryEmbedding(ctx context.Context, p model.UpsertEmbeddingParams) (model.AncestryEmbedding, error)
}

// VectorIndex is an optional external index mirroring stored embeddings.
// *search.QdrantIndex satisfies it.
type VectorIndex interface {
	Dims() int
	ScoreCandidates(ctx context.Context, embedding []float32, candidateIDs []string) ([]search.Result, error)
	Upsert(ctx context.Context, points []search.Point) error
	DeleteByDecisionIDs(ctx context.Context, ids []string) error
}

// Options tunes a lookup. Zero values select the defaults.
type Options struct {
	CandidateLimit int
	Limit          int
}

func (o Options) normalized() Options {
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = DefaultCandidateLimit
	}
	o.CandidateLimit = min(o.CandidateLimit, MaxCandidateLimit)
	if o.Limit <= 0 {
		o.Limit = DefaultResultLimit
	}
	o.Limit = min(o.Limit, MaxResultLimit)
	return o
}

// Retriever ranks prior decisions against a target.
type Retriever struct {
	store    Store
	embedder embedding.Provider
	index    VectorIndex
	logger   *slog.Logger

	lookupDuration    metric.Float64Histogram
	embeddingDuration metric.Float64Histogram
}

// New creates a Retriever. embedder and index may be nil: without an
// embedder EnsureEmbedding fails with ErrNoEmbeddingProvider, and without an
// index vector scoring happens in process.
func New(store Store, embedder embedding.Provider, index VectorIndex, logger *slog.Logger) *Retriever {
	meter := telemetry.Meter("boardroom/ancestry")
	lookupDur, _ := meter.Float64Histogram("boardroom.ancestry.duration",
		metric.WithDescription("Time to rank ancestry candidates (ms)"),
		metric.WithUnit("ms"),
	)
	embDur, _ := meter.Float64Histogram("boardroom.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	return &Retriever{
		store:             store,
		embedder:          embedder,
		index:             index,
		logger:            logger,
		lookupDuration:    lookupDur,
		embeddingDuration: embDur,
	}
}

// FindAncestors returns the most similar prior decisions to decisionID.
// An empty candidate pool is not an error: the result has no matches and
// reports lexical-fallback.
func (r *Retriever) FindAncestors(ctx context.Context, decisionID string, opts Options) (model.AncestryResult, error) {
	start := time.Now()
	decisionID = strings.TrimSpace(decisionID)
	if decisionID == "" {
		return model.AncestryResult{}, fmt.Errorf("%w: decision id is required", model.ErrValidation)
	}
	opts = opts.normalized()

	target, err := r.store.GetDecision(ctx, decisionID)
	if err != nil {
		return model.AncestryResult{}, err
	}

	candidates, err := r.store.ListAncestryCandidates(ctx, decisionID, opts.CandidateLimit)
	if err != nil {
		return model.AncestryResult{}, fmt.Errorf("ancestry: load candidates: %w", err)
	}
	candidates = slices.DeleteFunc(candidates, func(c model.AncestryCandidate) bool {
		return c.ID == decisionID
	})

	result := model.AncestryResult{
		DecisionID: decisionID,
		Method:     model.AncestryMethodLexical,
		Matches:    []model.AncestryMatch{},
	}
	if len(candidates) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(candidates)+1)
	ids = append(ids, decisionID)
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}
	embeddings, err := r.store.GetAncestryEmbeddings(ctx, ids)
	if err != nil {
		return model.AncestryResult{}, fmt.Errorf("ancestry: load embeddings: %w", err)
	}

	targetVec := embeddings[decisionID].Vector
	indexScores := r.indexScores(ctx, targetVec, candidates, embeddings)
	targetTokens := Tokens(target.Name + " " + target.Summary)

	matches := make([]model.AncestryMatch, 0, len(candidates))
	for _, c := range candidates {
		m := model.AncestryMatch{
			DecisionID: c.ID,
			Name:       c.Name,
			Outcome: model.AncestryOutcome{
				GateDecision:   c.GateDecision,
				Recommendation: c.Recommendation,
				DQS:            c.DQS,
			},
			Lessons:   lessonsFor(c),
			Summary:   oneLineSummary(c),
			LastRunAt: c.LastRunAt,
		}
		candVec := embeddings[c.ID].Vector
		if len(targetVec) > 0 && len(candVec) == len(targetVec) {
			m.Method = model.AncestryMethodVector
			if s, ok := indexScores[c.ID]; ok {
				m.Score = clamp01(s)
			} else {
				m.Score = clamp01(CosineSimilarity(targetVec, candVec))
			}
			result.Method = model.AncestryMethodVector
		} else {
			m.Method = model.AncestryMethodLexical
			m.Score = clamp01(Jaccard(targetTokens, Tokens(c.Name+" "+c.Summary)))
		}
		matches = append(matches, m)
	}

	rankMatches(matches)
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	result.Matches = matches
	result.CandidatesScored = len(candidates)

	r.lookupDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("method", result.Method)))
	return result, nil
}

// indexScores asks the vector index for cosine scores of the candidates that
// have a compatible stored embedding. Any index failure is logged and
// in-process scoring takes over.
func (r *Retriever) indexScores(ctx context.Context, targetVec []float32, candidates []model.AncestryCandidate, embeddings map[string]model.AncestryEmbedding) map[string]float64 {
	if r.index == nil || len(targetVec) == 0 || r.index.Dims() != len(targetVec) {
		return nil
	}
	var ids []string
	for _, c := range candidates {
		if len(embeddings[c.ID].Vector) == len(targetVec) {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	results, err := r.index.ScoreCandidates(ctx, targetVec, ids)
	if err != nil {
		r.logger.Warn("ancestry: vector index scoring failed, using in-process cosine", "error", err)
		return nil
	}
	scores := make(map[string]float64, len(results))
	for _, res := range results {
		scores[res.DecisionID] = float64(res.Score)
	}
	return scores
}

// rankMatches orders by score, then most recent run, then id.
func rankMatches(matches []model.AncestryMatch) {
	slices.SortStableFunc(matches, func(a, b model.AncestryMatch) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		switch {
		case a.LastRunAt != nil && b.LastRunAt == nil:
			return -1
		case a.LastRunAt == nil && b.LastRunAt != nil:
			return 1
		case a.LastRunAt != nil && b.LastRunAt != nil:
			if c := b.LastRunAt.Compare(*a.LastRunAt); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.DecisionID, b.DecisionID)
	})
}

// lessonsFor passes through recorded lessons, falling back to the blockers
// and required revisions of the latest run.
func lessonsFor(c model.AncestryCandidate) []string {
	source := c.Lessons
	if len(source) == 0 {
		source = append(slices.Clone(c.Blockers), c.RequiredRevisions...)
	}
	out := make([]string, 0, maxLessons)
	seen := make(map[string]struct{}, len(source))
	for _, l := range source {
		l = strings.TrimSpace(l)
		key := strings.ToLower(l)
		if l == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, l)
		if len(out) == maxLessons {
			break
		}
	}
	return out
}

func oneLineSummary(c model.AncestryCandidate) string {
	for _, s := range []string{c.ExecutiveSummary, c.Summary, c.Name} {
		if line := firstLine(s); line != "" {
			return truncateRunes(line, maxSummaryLen)
		}
	}
	return ""
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}

// SourceText is the text embedded for a decision.
func SourceText(d model.Decision) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{d.Name, d.Summary, d.Body} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// SourceHash is the hex SHA-256 of the source text.
func SourceHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EnsureEmbedding embeds a decision's current source text unless the stored
// embedding was already computed from the same text by the same model.
// The returned bool reports whether a new vector was written.
func (r *Retriever) EnsureEmbedding(ctx context.Context, decisionID string) (model.AncestryEmbedding, bool, error) {
	if r.embedder == nil || r.embedder.Name() == "noop" {
		return model.AncestryEmbedding{}, false, ErrNoEmbeddingProvider
	}

	d, err := r.store.GetDecision(ctx, strings.TrimSpace(decisionID))
	if err != nil {
		return model.AncestryEmbedding{}, false, err
	}
	text := SourceText(d)
	if text == "" {
		return model.AncestryEmbedding{}, false, fmt.Errorf("%w: decision %s has no text to embed", model.ErrValidation, d.ID)
	}
	hash := SourceHash(text)

	existing, err := r.store.GetAncestryEmbedding(ctx, d.ID)
	switch {
	case err == nil:
		if existing.SourceHash == hash && existing.Model == r.embedder.Model() && existing.Provider == r.embedder.Name() {
			return existing, false, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return model.AncestryEmbedding{}, false, fmt.Errorf("ancestry: load embedding: %w", err)
	}

	embStart := time.Now()
	vec, err := r.embedder.Embed(ctx, text)
	r.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err != nil {
		return model.AncestryEmbedding{}, false, fmt.Errorf("ancestry: embed decision %s: %w", d.ID, err)
	}
	if embedding.IsZero(vec) {
		return model.AncestryEmbedding{}, false, fmt.Errorf("ancestry: provider %s returned a zero vector for %s", r.embedder.Name(), d.ID)
	}

	slice := vec.Slice()
	values := make([]float64, len(slice))
	for i, f := range slice {
		values[i] = float64(f)
	}
	stored, err := r.store.UpsertAncestryEmbedding(ctx, model.UpsertEmbeddingParams{
		DecisionID: d.ID,
		SourceHash: hash,
		SourceText: text,
		Provider:   r.embedder.Name(),
		Model:      r.embedder.Model(),
		Dimensions: float64(len(slice)),
		Vector:     values,
	})
	if err != nil {
		return model.AncestryEmbedding{}, false, err
	}
	r.Mirror(ctx, stored)
	return stored, true, nil
}

// Mirror pushes a stored embedding to the vector index, if one is configured.
// A vector whose dimensionality does not match the index removes any earlier
// point for the decision so stale scores are not served. Failures are
// logged; Postgres stays authoritative.
func (r *Retriever) Mirror(ctx context.Context, e model.AncestryEmbedding) {
	if r.index == nil {
		return
	}
	if len(e.Vector) != r.index.Dims() {
		if err := r.index.DeleteByDecisionIDs(ctx, []string{e.DecisionID}); err != nil {
			r.logger.Warn("ancestry: drop stale vector index point failed", "decision_id", e.DecisionID, "error", err)
		}
		return
	}
	if err := r.index.Upsert(ctx, []search.Point{{
		DecisionID: e.DecisionID,
		SourceHash: e.SourceHash,
		Provider:   e.Provider,
		Model:      e.Model,
		UpdatedAt:  e.UpdatedAt,
		Embedding:  e.Vector,
	}}); err != nil {
		r.logger.Warn("ancestry: mirror embedding to vector index failed", "decision_id", e.DecisionID, "error", err)
	}
}

// Backfill embeds up to batchSize decisions that have no embedding yet and
// returns how many were written. Individual failures are logged and skipped.
func (r *Retriever) Backfill(ctx context.Context, batchSize int) (int, error) {
	if r.embedder == nil || r.embedder.Name() == "noop" {
		return 0, nil
	}
	pending, err := r.store.ListDecisionsWithoutEmbedding(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("ancestry: list decisions for backfill: %w", err)
	}
	written := 0
	for _, d := range pending {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		if _, ok, err := r.EnsureEmbedding(ctx, d.ID); err != nil {
			r.logger.Warn("ancestry: backfill embedding failed", "decision_id", d.ID, "error", err)
		} else if ok {
			written++
		}
	}
	return written, nil
}
