package boardroom

import "time"

// Decision is a business decision under review.
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

// UpsertDecisionRequest creates or replaces a decision's intake fields.
type UpsertDecisionRequest struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Summary    string         `json:"summary"`
	Body       string         `json:"body,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// WorkflowRun is one recorded execution of the review pipeline.
type WorkflowRun struct {
	ID             int64          `json:"id"`
	DecisionID     string         `json:"decision_id"`
	DQS            *float64       `json:"dqs"`
	GateDecision   string         `json:"gate_decision"`
	WorkflowStatus string         `json:"workflow_status"`
	State          map[string]any `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AppendRunRequest records a workflow run.
type AppendRunRequest struct {
	DQS            *float64       `json:"dqs,omitempty"`
	GateDecision   string         `json:"gate_decision"`
	WorkflowStatus string         `json:"workflow_status,omitempty"`
	State          map[string]any `json:"state"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
}

// RunList is one page of a decision's run history, newest first.
type RunList struct {
	Runs    []WorkflowRun
	HasMore bool
	Limit   int
}

// Embedding is the stored vector for a decision.
type Embedding struct {
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

// PutEmbeddingRequest stores a vector computed outside the server.
type PutEmbeddingRequest struct {
	SourceHash string    `json:"source_hash"`
	SourceText string    `json:"source_text,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions,omitempty"`
	Vector     []float64 `json:"vector"`
}

// EmbeddingRefresh reports whether a refresh wrote a new vector.
type EmbeddingRefresh struct {
	Embedding Embedding `json:"embedding"`
	Refreshed bool      `json:"refreshed"`
}

// AncestryOptions tunes an ancestry lookup. Zero values use server defaults.
type AncestryOptions struct {
	Limit      int
	Candidates int
}

// AncestryOutcome is the recorded result of a prior decision.
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

// AncestryResult lists the precedents for a decision.
type AncestryResult struct {
	DecisionID       string          `json:"decision_id"`
	Method           string          `json:"method"`
	CandidatesScored int             `json:"candidates_scored"`
	Matches          []AncestryMatch `json:"matches"`
}

// RateLimitCheck counts one hit against an explicit bucket.
type RateLimitCheck struct {
	BucketKey string `json:"bucket_key"`
	Limit     int    `json:"limit"`
	WindowMS  int64  `json:"window_ms"`
}

// RateLimitResult is the verdict for one check.
type RateLimitResult struct {
	BucketKey         string    `json:"bucket_key"`
	Allowed           bool      `json:"allowed"`
	Count             int       `json:"count"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds"`
}

// PortfolioInsights is the portfolio-level report.
type PortfolioInsights struct {
	GeneratedAt        time.Time          `json:"generated_at"`
	Summary            PortfolioSummary   `json:"summary"`
	AgentRadar         []AgentRadarEntry  `json:"agent_radar"`
	BlindSpots         []BlindSpot        `json:"blind_spots"`
	MitigationVelocity MitigationVelocity `json:"mitigation_velocity"`
}

// PortfolioSummary aggregates the latest run of every decision.
type PortfolioSummary struct {
	DecisionCount      int            `json:"decision_count"`
	RunsConsidered     int            `json:"runs_considered"`
	AverageDQS         *float64       `json:"average_dqs"`
	RiskFindingsTotal  int            `json:"risk_findings_total"`
	PendingRisksTotal  int            `json:"pending_risks_total"`
	RiskMitigationRate float64        `json:"risk_mitigation_rate"`
	GateDistribution   map[string]int `json:"gate_distribution"`
}

// AgentRadarEntry summarizes one reviewing agent.
type AgentRadarEntry struct {
	Agent         string  `json:"agent"`
	AverageScore  float64 `json:"average_score"`
	ReviewCount   int     `json:"review_count"`
	Vetoes        int     `json:"vetoes"`
	InfluenceRate float64 `json:"influence_rate"`
}

// BlindSpot is a recurring missing-section label.
type BlindSpot struct {
	Label     string `json:"label"`
	Frequency int    `json:"frequency"`
}

// MitigationVelocity measures how fast pending risks get resolved.
type MitigationVelocity struct {
	WindowDays      int            `json:"window_days"`
	ResolvedCount   int            `json:"resolved_count"`
	UnresolvedCount int            `json:"unresolved_count"`
	AverageMinutes  *float64       `json:"average_minutes"`
	MedianMinutes   *float64       `json:"median_minutes"`
	TrendPercent30d *float64       `json:"trend_percent_30d"`
	Distribution    map[string]int `json:"distribution"`
}

// Health is the server health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
