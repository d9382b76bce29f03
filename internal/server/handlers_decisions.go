package server

import (
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
)

// EmbeddingRefreshResponse reports the outcome of a refresh.
type EmbeddingRefreshResponse struct {
	Embedding model.AncestryEmbedding `json:"embedding"`
	Refreshed bool                    `json:"refreshed"`
}

// HandleUpsertDecision handles POST /v1/decisions.
func (h *Handlers) HandleUpsertDecision(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	d, err := h.db.UpsertDecision(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to upsert decision", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleGetDecision handles GET /v1/decisions/{decision_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.db.GetDecision(r.Context(), r.PathValue("decision_id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to get decision", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleGetEmbedding handles GET /v1/decisions/{decision_id}/embedding.
func (h *Handlers) HandleGetEmbedding(w http.ResponseWriter, r *http.Request) {
	e, err := h.db.GetAncestryEmbedding(r.Context(), r.PathValue("decision_id"))
	if err != nil {
		h.writeServiceError(w, r, "failed to get embedding", err)
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

// HandlePutEmbedding handles PUT /v1/decisions/{decision_id}/embedding.
// The path id wins; a conflicting body id is rejected.
func (h *Handlers) HandlePutEmbedding(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertEmbeddingParams
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	pathID := strings.TrimSpace(r.PathValue("decision_id"))
	if req.DecisionID != "" && strings.TrimSpace(req.DecisionID) != pathID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decision_id in body does not match path")
		return
	}
	req.DecisionID = pathID

	e, err := h.db.UpsertAncestryEmbedding(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "failed to upsert embedding", err)
		return
	}
	h.ancestry.Mirror(r.Context(), e)
	writeJSON(w, r, http.StatusOK, e)
}

// HandleRefreshEmbedding handles POST /v1/decisions/{decision_id}/embedding/refresh.
func (h *Handlers) HandleRefreshEmbedding(w http.ResponseWriter, r *http.Request) {
	e, refreshed, err := h.ancestry.EnsureEmbedding(r.Context(), r.PathValue("decision_id"))
	if err != nil {
		if errors.Is(err, ancestry.ErrNoEmbeddingProvider) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "no embedding provider configured")
			return
		}
		h.writeServiceError(w, r, "failed to refresh embedding", err)
		return
	}
	writeJSON(w, r, http.StatusOK, EmbeddingRefreshResponse{Embedding: e, Refreshed: refreshed})
}

// HandleAncestry handles GET /v1/decisions/{decision_id}/ancestry.
func (h *Handlers) HandleAncestry(w http.ResponseWriter, r *http.Request) {
	opts := ancestry.Options{
		Limit:          queryInt(r, "limit", h.ancestryDefaults.Limit),
		CandidateLimit: queryInt(r, "candidates", h.ancestryDefaults.CandidateLimit),
	}
	res, err := h.ancestry.FindAncestors(r.Context(), r.PathValue("decision_id"), opts)
	if err != nil {
		h.writeServiceError(w, r, "failed to find ancestors", err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("boardroom.ancestry.method", res.Method),
		attribute.Int("boardroom.ancestry.matches", len(res.Matches)),
	)
	writeJSON(w, r, http.StatusOK, res)
}
