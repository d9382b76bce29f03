package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/boardroom/internal/model"
)

const decisionColumns = `id, name, summary, body, properties,
	latest_gate_decision, latest_dqs, latest_recommendation, latest_executive_summary,
	latest_blockers, latest_required_revisions, latest_lessons, last_run_at,
	created_at, updated_at`

func scanDecision(row pgx.Row) (model.Decision, error) {
	var d model.Decision
	err := row.Scan(
		&d.ID, &d.Name, &d.Summary, &d.Body, &d.Properties,
		&d.LatestGateDecision, &d.LatestDQS, &d.LatestRecommendation, &d.LatestExecutiveSummary,
		&d.LatestBlockers, &d.LatestRequiredRevisions, &d.LatestLessons, &d.LastRunAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// UpsertDecision inserts a decision or replaces its descriptive fields.
// The latest-outcome columns are owned by AppendWorkflowRun and left as is.
func (db *DB) UpsertDecision(ctx context.Context, req model.UpsertDecisionRequest) (model.Decision, error) {
	if err := req.Validate(); err != nil {
		return model.Decision{}, err
	}
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`INSERT INTO decisions (id, name, summary, body, properties)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     summary = EXCLUDED.summary,
		     body = EXCLUDED.body,
		     properties = EXCLUDED.properties,
		     updated_at = now()
		 RETURNING `+decisionColumns,
		req.ID, req.Name, req.Summary, req.Body, req.Properties,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("%w: storage: upsert decision %s returned no row", model.ErrInternal, req.ID)
		}
		return model.Decision{}, fmt.Errorf("storage: upsert decision: %w", err)
	}
	return d, nil
}

// GetDecision retrieves a decision by id.
func (db *DB) GetDecision(ctx context.Context, id string) (model.Decision, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// CountDecisions returns the number of decisions on record.
func (db *DB) CountDecisions(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count decisions: %w", err)
	}
	return n, nil
}

// ListAncestryCandidates returns up to limit decisions other than excludeID,
// most recently active first, with their latest workflow outcome.
func (db *DB) ListAncestryCandidates(ctx context.Context, excludeID string, limit int) ([]model.AncestryCandidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, summary, latest_gate_decision, latest_dqs, latest_recommendation,
		        latest_executive_summary, latest_blockers, latest_required_revisions, latest_lessons,
		        last_run_at, updated_at
		 FROM decisions
		 WHERE id <> $1
		 ORDER BY last_run_at DESC NULLS LAST, updated_at DESC, id
		 LIMIT $2`, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ancestry candidates: %w", err)
	}
	defer rows.Close()

	var out []model.AncestryCandidate
	for rows.Next() {
		var c model.AncestryCandidate
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Summary, &c.GateDecision, &c.DQS, &c.Recommendation,
			&c.ExecutiveSummary, &c.Blockers, &c.RequiredRevisions, &c.Lessons,
			&c.LastRunAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan ancestry candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list ancestry candidates: %w", err)
	}
	return out, nil
}

// ListDecisionsWithoutEmbedding returns decisions that have no ancestry
// embedding yet, oldest first. Used by the startup backfill.
func (db *DB) ListDecisionsWithoutEmbedding(ctx context.Context, limit int) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixColumns("d.", decisionColumns)+`
		 FROM decisions d
		 LEFT JOIN decision_ancestry_embeddings e ON e.decision_id = d.id
		 WHERE e.decision_id IS NULL
		 ORDER BY d.created_at, d.id
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions without embedding: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
