package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/tidwall/gjson"

	"github.com/ashita-ai/boardroom/internal/model"
)

const embeddingColumns = `decision_id, source_hash, source_text, provider, model, dimensions, embedding, created_at, updated_at`

func scanEmbedding(row pgx.Row) (model.AncestryEmbedding, error) {
	var (
		e   model.AncestryEmbedding
		raw []byte
	)
	if err := row.Scan(&e.DecisionID, &e.SourceHash, &e.SourceText, &e.Provider, &e.Model,
		&e.Dimensions, &raw, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.Vector = decodeVector(raw)
	return e, nil
}

// GetAncestryEmbedding returns the stored embedding for a decision.
func (db *DB) GetAncestryEmbedding(ctx context.Context, decisionID string) (model.AncestryEmbedding, error) {
	e, err := scanEmbedding(db.pool.QueryRow(ctx,
		`SELECT `+embeddingColumns+` FROM decision_ancestry_embeddings WHERE decision_id = $1`,
		strings.TrimSpace(decisionID),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AncestryEmbedding{}, fmt.Errorf("storage: embedding for %s: %w", decisionID, ErrNotFound)
		}
		return model.AncestryEmbedding{}, fmt.Errorf("storage: get embedding: %w", err)
	}
	return e, nil
}

// GetAncestryEmbeddings returns stored embeddings keyed by decision id.
// Blank and duplicate ids are ignored; ids without an embedding are absent
// from the map.
func (db *DB) GetAncestryEmbeddings(ctx context.Context, ids []string) (map[string]model.AncestryEmbedding, error) {
	unique := dedupeIDs(ids)
	out := make(map[string]model.AncestryEmbedding, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+embeddingColumns+` FROM decision_ancestry_embeddings WHERE decision_id = ANY($1)`,
		unique,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEmbedding(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan embedding: %w", err)
		}
		out[e.DecisionID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get embeddings: %w", err)
	}
	return out, nil
}

// UpsertAncestryEmbedding inserts or replaces a decision's embedding in a
// single statement. All descriptive fields are replaced together.
func (db *DB) UpsertAncestryEmbedding(ctx context.Context, p model.UpsertEmbeddingParams) (model.AncestryEmbedding, error) {
	p, vec, dims, err := prepareEmbedding(p)
	if err != nil {
		return model.AncestryEmbedding{}, err
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return model.AncestryEmbedding{}, fmt.Errorf("storage: encode embedding: %w", err)
	}

	e, err := scanEmbedding(db.pool.QueryRow(ctx,
		`INSERT INTO decision_ancestry_embeddings
		     (decision_id, source_hash, source_text, provider, model, dimensions, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (decision_id) DO UPDATE SET
		     source_hash = EXCLUDED.source_hash,
		     source_text = EXCLUDED.source_text,
		     provider = EXCLUDED.provider,
		     model = EXCLUDED.model,
		     dimensions = EXCLUDED.dimensions,
		     embedding = EXCLUDED.embedding,
		     updated_at = now()
		 RETURNING `+embeddingColumns,
		p.DecisionID, p.SourceHash, p.SourceText, p.Provider, p.Model, dims, raw,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AncestryEmbedding{}, fmt.Errorf("%w: storage: embedding upsert for %s returned no row", model.ErrInternal, p.DecisionID)
		}
		if isForeignKeyViolation(err) {
			return model.AncestryEmbedding{}, fmt.Errorf("storage: decision %s: %w", p.DecisionID, ErrNotFound)
		}
		return model.AncestryEmbedding{}, fmt.Errorf("storage: upsert embedding: %w", err)
	}
	return e, nil
}

// prepareEmbedding validates upsert input and returns the trimmed params,
// the finite vector components, and the dimensionality to store.
func prepareEmbedding(p model.UpsertEmbeddingParams) (model.UpsertEmbeddingParams, []float32, int, error) {
	p.DecisionID = strings.TrimSpace(p.DecisionID)
	p.SourceHash = strings.TrimSpace(p.SourceHash)
	p.Provider = strings.TrimSpace(p.Provider)
	p.Model = strings.TrimSpace(p.Model)
	if p.DecisionID == "" {
		return p, nil, 0, fmt.Errorf("%w: decision id is required", model.ErrValidation)
	}
	if p.SourceHash == "" {
		return p, nil, 0, fmt.Errorf("%w: source hash is required", model.ErrValidation)
	}

	vec := make([]float32, 0, len(p.Vector))
	for _, v := range p.Vector {
		f := float32(v)
		if math.IsNaN(v) || math.IsInf(float64(f), 0) {
			continue
		}
		vec = append(vec, f)
	}
	if len(vec) == 0 {
		return p, nil, 0, fmt.Errorf("%w: vector has no finite components", model.ErrValidation)
	}

	dims := len(vec)
	if d := p.Dimensions; d > 0 && !math.IsInf(d, 0) && !math.IsNaN(d) {
		dims = max(1, int(math.Round(math.Min(d, math.MaxInt32))))
	}
	return p, vec, dims, nil
}

// decodeVector reads a JSON array of numbers, skipping non-numeric and
// non-finite entries. Malformed input yields an empty vector.
func decodeVector(raw []byte) []float32 {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	arr := gjson.ParseBytes(raw)
	if !arr.IsArray() {
		return nil
	}
	items := arr.Array()
	out := make([]float32, 0, len(items))
	for _, item := range items {
		if item.Type != gjson.Number {
			continue
		}
		f := float32(item.Num)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
