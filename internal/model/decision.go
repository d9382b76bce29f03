package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for decision intake. These keep a single oversized
// field from flooding the embedding source text and TEXT columns.
const (
	MaxDecisionIDLen   = 200
	MaxDecisionNameLen = 500
	MaxSummaryLen      = 16 * 1024 // 16 KB
	MaxBodyLen         = 256 * 1024
)

// Decision is a business decision under review. Its latest-outcome fields are
// refreshed whenever a workflow run is appended.
type Decision struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Summary    string         `json:"summary"`
	Body       string         `json:"body,omitempty"`
	Properties map[string]any `json:"properties"`

	LatestGateDecision      string     `json:"latest_gate_decision"`
	LatestDQS               *float64   `json:"latest_dqs"`
	LatestRecommendation    string     `json:"latest_recommendation"`
	LatestExecutiveSummary  string     `json:"latest_executive_summary"`
	LatestBlockers          []string   `json:"latest_blockers"`
	LatestRequiredRevisions []string   `json:"latest_required_revisions"`
	LatestLessons           []string   `json:"latest_lessons"`
	LastRunAt               *time.Time `json:"last_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertDecisionRequest is the request body for POST /v1/decisions.
type UpsertDecisionRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Summary    string         `json:"summary"`
	Body       string         `json:"body,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Validate trims identifiers and enforces field length limits.
func (r *UpsertDecisionRequest) Validate() error {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if len(r.ID) > MaxDecisionIDLen {
		return fmt.Errorf("%w: id exceeds maximum length of %d characters", ErrValidation, MaxDecisionIDLen)
	}
	if len(r.Name) > MaxDecisionNameLen {
		return fmt.Errorf("%w: name exceeds maximum length of %d characters", ErrValidation, MaxDecisionNameLen)
	}
	if len(r.Summary) > MaxSummaryLen {
		return fmt.Errorf("%w: summary exceeds maximum length of %d bytes", ErrValidation, MaxSummaryLen)
	}
	if len(r.Body) > MaxBodyLen {
		return fmt.Errorf("%w: body exceeds maximum length of %d bytes", ErrValidation, MaxBodyLen)
	}
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	return nil
}

// AncestryEmbedding is the stored vector for one decision, keyed by the hash
// of the text it was computed from.
type AncestryEmbedding struct {
	DecisionID string    `json:"decision_id"`
	SourceHash string    `json:"source_hash"`
	SourceText string    `json:"source_text,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Vector     []float32 `json:"vector"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UpsertEmbeddingParams describes a write to the embedding store.
// Dimensions is optional; zero, negative or non-finite values fall back to
// the length of the filtered vector.
type UpsertEmbeddingParams struct {
	DecisionID string    `json:"decision_id"`
	SourceHash string    `json:"source_hash"`
	SourceText string    `json:"source_text,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Dimensions float64   `json:"dimensions,omitempty"`
	Vector     []float64 `json:"vector"`
}
