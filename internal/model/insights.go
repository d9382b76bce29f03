package model

import "time"

// PortfolioInsights is the derived, never-persisted rollup of run history.
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

// AgentRadarEntry summarizes how one reviewing agent behaves across history.
type AgentRadarEntry struct {
	Agent         string  `json:"agent"`
	AverageScore  float64 `json:"average_score"`
	ReviewCount   int     `json:"review_count"`
	Vetoes        int     `json:"vetoes"`
	InfluenceRate float64 `json:"influence_rate"`
}

// BlindSpot is a normalized missing-section label and how many decisions'
// latest runs flagged it.
type BlindSpot struct {
	Label     string `json:"label"`
	Frequency int    `json:"frequency"`
}

// MitigationVelocity measures time from a risk being identified on a decision
// to the first later run where nothing is pending.
type MitigationVelocity struct {
	WindowDays      int            `json:"window_days"`
	ResolvedCount   int            `json:"resolved_count"`
	UnresolvedCount int            `json:"unresolved_count"`
	AverageMinutes  *float64       `json:"average_minutes"`
	MedianMinutes   *float64       `json:"median_minutes"`
	TrendPercent30d *float64       `json:"trend_percent_30d"`
	Distribution    map[string]int `json:"distribution"`
}
