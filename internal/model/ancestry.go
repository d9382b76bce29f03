package model

import "time"

// Ancestry scoring methods.
const (
	AncestryMethodVector  = "vector-db"
	AncestryMethodLexical = "lexical-fallback"
)

// AncestryCandidate is a prior decision eligible for precedent matching,
// carrying its most recent workflow outcome.
type AncestryCandidate struct {
	ID                string
	Name              string
	Summary           string
	GateDecision      string
	DQS               *float64
	Recommendation    string
	ExecutiveSummary  string
	Blockers          []string
	RequiredRevisions []string
	Lessons           []string
	LastRunAt         *time.Time
	UpdatedAt         time.Time
}

// AncestryOutcome is the outcome snapshot attached to a match.
type AncestryOutcome struct {
	GateDecision   string   `json:"gate_decision"`
	Recommendation string   `json:"recommendation"`
	DQS            *float64 `json:"dqs"`
}

// AncestryMatch is one ranked precedent.
type AncestryMatch struct {
	DecisionID string          `json:"decision_id"`
	Name       string          `json:"name"`
	Score      float64         `json:"score"`
	Method     string          `json:"method"`
	Outcome    AncestryOutcome `json:"outcome"`
	Lessons    []string        `json:"lessons"`
	Summary    string          `json:"summary"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
}

// AncestryResult is the response for an ancestry lookup.
type AncestryResult struct {
	DecisionID       string          `json:"decision_id"`
	Method           string          `json:"method"`
	CandidatesScored int             `json:"candidates_scored"`
	Matches          []AncestryMatch `json:"matches"`
}
