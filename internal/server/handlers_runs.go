package server

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/boardroom/internal/model"
)

const defaultRunListLimit = 20

// HandleAppendRun handles POST /v1/decisions/{decision_id}/runs.
func (h *Handlers) HandleAppendRun(w http.ResponseWriter, r *http.Request) {
	var req model.AppendRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.db.AppendWorkflowRun(r.Context(), r.PathValue("decision_id"), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to append workflow run", err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("boardroom.decision_id", run.DecisionID),
		attribute.Int64("boardroom.run_id", run.ID),
		attribute.String("boardroom.gate_decision", run.GateDecision),
	)
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleListRuns handles GET /v1/decisions/{decision_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("decision_id")
	// Distinguish an unknown decision from one with no runs.
	if _, err := h.db.GetDecision(r.Context(), id); err != nil {
		h.writeServiceError(w, r, "failed to get decision", err)
		return
	}

	limit := queryLimit(r, defaultRunListLimit)
	runs, err := h.db.ListWorkflowRuns(r.Context(), id, limit+1)
	if err != nil {
		h.writeServiceError(w, r, "failed to list workflow runs", err)
		return
	}
	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []model.WorkflowRun{}
	}
	writeList(w, r, runs, hasMore, limit)
}
