package mcp

import (
	"context"
	"errors"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/insights"
	"github.com/ashita-ai/boardroom/internal/storage"
)

func (s *Server) registerTools() {
	// boardroom_ancestry: rank prior decisions against a target decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("boardroom_ancestry",
			mcplib.WithDescription(`Find prior decisions most similar to a target decision.

WHEN TO USE: Before running a new review, to see how comparable
proposals fared. Each match carries the prior gate decision, DQS,
recommendation and up to three lessons.

Matches are scored by embedding cosine similarity when both decisions
have a stored embedding of the same dimension, and by token overlap
otherwise. The "method" field on each match says which.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("decision_id",
				mcplib.Description("Identifier of the target decision"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of matches to return"),
				mcplib.Min(1),
				mcplib.Max(ancestry.MaxResultLimit),
				mcplib.DefaultNumber(ancestry.DefaultResultLimit),
			),
			mcplib.WithNumber("candidates",
				mcplib.Description("How many recently updated decisions to consider"),
				mcplib.Min(1),
				mcplib.Max(ancestry.MaxCandidateLimit),
				mcplib.DefaultNumber(ancestry.DefaultCandidateLimit),
			),
		),
		s.handleAncestry,
	)

	// boardroom_portfolio_insights: aggregate report over all decisions.
	s.mcpServer.AddTool(
		mcplib.NewTool("boardroom_portfolio_insights",
			mcplib.WithDescription(`Summarize the decision portfolio.

Returns gate distribution, average DQS, risk mitigation rate, an
influence radar per reviewing agent, recurring blind spots, and how
quickly pending mitigations get resolved within the window.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("window_days",
				mcplib.Description("Lookback window for mitigation velocity"),
				mcplib.Min(insights.MinWindowDays),
				mcplib.Max(insights.MaxWindowDays),
				mcplib.DefaultNumber(insights.DefaultWindowDays),
			),
		),
		s.handlePortfolioInsights,
	)

	// boardroom_check_rate_limit: count one hit against a named bucket.
	s.mcpServer.AddTool(
		mcplib.NewTool("boardroom_check_rate_limit",
			mcplib.WithDescription(`Count one hit against a fixed-window rate-limit bucket.

The hit is always counted. "allowed" is false once the count exceeds
the limit for the current window; "retry_after_seconds" says when the
window resets.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("bucket_key",
				mcplib.Description("Bucket identifier; keys longer than 200 bytes are truncated"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Allowed hits per window"),
				mcplib.Required(),
				mcplib.Min(ratelimit.MinLimit),
				mcplib.Max(ratelimit.MaxLimit),
			),
			mcplib.WithNumber("window_ms",
				mcplib.Description("Window length in milliseconds"),
				mcplib.Required(),
				mcplib.Min(float64(ratelimit.MinWindow.Milliseconds())),
				mcplib.Max(float64(ratelimit.MaxWindow.Milliseconds())),
			),
		),
		s.handleCheckRateLimit,
	)
}

func (s *Server) handleAncestry(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	decisionID := request.GetString("decision_id", "")
	if decisionID == "" {
		return errorResult("decision_id is required"), nil
	}

	res, err := s.ancestry.FindAncestors(ctx, decisionID, ancestry.Options{
		Limit:          request.GetInt("limit", ancestry.DefaultResultLimit),
		CandidateLimit: request.GetInt("candidates", ancestry.DefaultCandidateLimit),
	})
	if err != nil {
		return s.toolError("ancestry lookup", err), nil
	}
	return jsonResult(res)
}

func (s *Server) handlePortfolioInsights(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	report, err := s.insights.Compute(ctx, insights.Options{
		WindowDays: request.GetInt("window_days", insights.DefaultWindowDays),
	})
	if err != nil {
		return s.toolError("portfolio insights", err), nil
	}
	return jsonResult(report)
}

func (s *Server) handleCheckRateLimit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	key := request.GetString("bucket_key", "")
	if key == "" {
		return errorResult("bucket_key is required"), nil
	}
	// Out-of-range limits and windows are clamped by the limiter.
	window := time.Duration(int64(request.GetFloat("window_ms", 0))) * time.Millisecond
	limit := request.GetInt("limit", 0)

	res, err := s.limiter.Check(ctx, ratelimit.Request{BucketKey: key, Limit: limit, Window: window})
	if err != nil {
		return s.toolError("rate limit check", err), nil
	}
	return jsonResult(res)
}

// toolError turns a service error into a tool-level error result. Validation
// and not-found messages are passed through; anything else is logged and
// reported generically.
func (s *Server) toolError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrValidation):
		return errorResult(err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult(err.Error())
	default:
		s.logger.Error("mcp: "+op+" failed", "error", err)
		return errorResult(op + " failed")
	}
}
