package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/runstate"
)

// AppendWorkflowRun records a run and, when it is the newest run for the
// decision, refreshes the decision's latest-outcome columns in the same
// transaction. Unknown decisions yield ErrNotFound.
func (db *DB) AppendWorkflowRun(ctx context.Context, decisionID string, req model.AppendRunRequest) (model.WorkflowRun, error) {
	decisionID = strings.TrimSpace(decisionID)
	if decisionID == "" {
		return model.WorkflowRun{}, fmt.Errorf("%w: decision id is required", model.ErrValidation)
	}
	if req.DQS != nil && (math.IsNaN(*req.DQS) || math.IsInf(*req.DQS, 0)) {
		return model.WorkflowRun{}, fmt.Errorf("%w: dqs must be a finite number", model.ErrValidation)
	}
	if req.State == nil {
		req.State = map[string]any{}
	}
	status := strings.ToLower(strings.TrimSpace(req.WorkflowStatus))
	if status == "" {
		status = model.WorkflowStatusCompleted
	}
	gate := strings.ToLower(strings.TrimSpace(req.GateDecision))
	createdAt := time.Now().UTC()
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() {
		createdAt = req.CreatedAt.UTC()
	}

	raw, err := json.Marshal(req.State)
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("%w: state is not serializable: %v", model.ErrValidation, err)
	}
	snap := runstate.Parse(raw)

	run := model.WorkflowRun{
		DecisionID:     decisionID,
		DQS:            req.DQS,
		GateDecision:   gate,
		WorkflowStatus: status,
		State:          req.State,
		CreatedAt:      createdAt,
	}

	err = appendRunPolicy.run(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append run tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := tx.QueryRow(ctx,
			`INSERT INTO workflow_runs (decision_id, dqs, gate_decision, workflow_status, state, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			decisionID, req.DQS, gate, status, raw, createdAt,
		).Scan(&run.ID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE decisions SET
			     latest_gate_decision = $2,
			     latest_dqs = $3,
			     latest_recommendation = $4,
			     latest_executive_summary = $5,
			     latest_blockers = $6,
			     latest_required_revisions = $7,
			     latest_lessons = $8,
			     last_run_at = $9,
			     updated_at = now()
			 WHERE id = $1 AND (last_run_at IS NULL OR last_run_at <= $9)`,
			decisionID, gate, req.DQS, snap.Recommendation, snap.ExecutiveSummary,
			nonNil(snap.Blockers), nonNil(snap.RequiredRevisions), nonNil(snap.Lessons), createdAt,
		); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.WorkflowRun{}, fmt.Errorf("storage: decision %s: %w", decisionID, ErrNotFound)
		}
		return model.WorkflowRun{}, fmt.Errorf("storage: append workflow run: %w", err)
	}
	return run, nil
}

// ListWorkflowRuns returns the newest runs for a decision.
func (db *DB) ListWorkflowRuns(ctx context.Context, decisionID string, limit int) ([]model.WorkflowRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, decision_id, dqs, gate_decision, workflow_status, state, created_at
		 FROM workflow_runs
		 WHERE decision_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, decisionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowRun
	for rows.Next() {
		var r model.WorkflowRun
		if err := rows.Scan(&r.ID, &r.DecisionID, &r.DQS, &r.GateDecision, &r.WorkflowStatus, &r.State, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan workflow run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list workflow runs: %w", err)
	}
	return out, nil
}

// LatestRuns returns the most recent run of every decision that has one.
func (db *DB) LatestRuns(ctx context.Context) ([]model.RunSnapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (decision_id) id, decision_id, dqs, gate_decision, state, created_at
		 FROM workflow_runs
		 ORDER BY decision_id, created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: latest runs: %w", err)
	}
	defer rows.Close()

	var out []model.RunSnapshot
	for rows.Next() {
		r, err := scanRunSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: latest runs: %w", err)
	}
	return out, nil
}

// StreamRunTimeline calls fn for every run ordered by decision, then time.
// Rows are not buffered; fn returning an error stops the scan.
func (db *DB) StreamRunTimeline(ctx context.Context, fn func(model.RunSnapshot) error) error {
	rows, err := db.pool.Query(ctx,
		`SELECT id, decision_id, dqs, gate_decision, state, created_at
		 FROM workflow_runs
		 ORDER BY decision_id, created_at, id`,
	)
	if err != nil {
		return fmt.Errorf("storage: run timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRunSnapshot(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: run timeline: %w", err)
	}
	return nil
}

func scanRunSnapshot(rows pgx.Rows) (model.RunSnapshot, error) {
	var r model.RunSnapshot
	if err := rows.Scan(&r.ID, &r.DecisionID, &r.DQS, &r.Gate, &r.State, &r.CreatedAt); err != nil {
		return r, fmt.Errorf("storage: scan run: %w", err)
	}
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
