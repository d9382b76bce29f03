package model

import (
	"strings"
	"time"
)

// Gate decisions produced by the review workflow.
const (
	GateApproved   = "approved"
	GateChallenged = "challenged"
	GateBlocked    = "blocked"
)

// Workflow statuses recorded on a run.
const (
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusPartial   = "partial"
)

// WorkflowRun is one append-only execution of the review pipeline for a
// decision. State holds the full snapshot (reviews, synthesis, risk register).
type WorkflowRun struct {
	ID             int64          `json:"id"`
	DecisionID     string         `json:"decision_id"`
	DQS            *float64       `json:"dqs"`
	GateDecision   string         `json:"gate_decision"`
	WorkflowStatus string         `json:"workflow_status"`
	State          map[string]any `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AppendRunRequest is the request body for POST /v1/decisions/{decision_id}/runs.
type AppendRunRequest struct {
	DQS            *float64       `json:"dqs,omitempty"`
	GateDecision   string         `json:"gate_decision"`
	WorkflowStatus string         `json:"workflow_status"`
	State          map[string]any `json:"state"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
}

// NormalizeGateDecision lowercases and trims a gate decision. Blank values
// become "unknown".
func NormalizeGateDecision(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}

// RunSnapshot is the minimal projection of a run used by portfolio insights.
type RunSnapshot struct {
	ID         int64
	DecisionID string
	DQS        *float64
	Gate       string
	State      []byte
	CreatedAt  time.Time
}
