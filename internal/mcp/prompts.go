package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-review: consult precedent before running a board review.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-review",
			mcplib.WithPromptDescription("Look up how similar decisions fared before reviewing a new one"),
			mcplib.WithArgument("decision_id",
				mcplib.ArgumentDescription("Identifier of the decision about to be reviewed"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeReviewPrompt,
	)

	// portfolio-retro: read the portfolio report and call out patterns.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("portfolio-retro",
			mcplib.WithPromptDescription("Review portfolio-level patterns across past decision reviews"),
		),
		s.handlePortfolioRetroPrompt,
	)
}

func (s *Server) handleBeforeReviewPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	decisionID := request.Params.Arguments["decision_id"]
	if decisionID == "" {
		return nil, fmt.Errorf("decision_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Check precedent before reviewing decision %s", decisionID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before reviewing decision %s, follow these steps:

1. CALL boardroom_ancestry with decision_id="%s".

2. READ each match:
   - outcome.gate_decision and outcome.dqs tell you how the prior decision fared.
   - lessons are the blockers or required revisions that came up last time.
   - method is "vector-db" for embedding matches and "lexical-fallback"
     for token overlap. Treat lexical matches with more caution.

3. CARRY the relevant lessons into your review. If a prior decision was
   blocked for a reason that also applies here, say so explicitly.

4. If there are no matches, note that this decision has no precedent.`, decisionID, decisionID),
				},
			},
		},
	}, nil
}

func (s *Server) handlePortfolioRetroPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Portfolio retrospective",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `CALL boardroom_portfolio_insights, then write a short retrospective:

- Gate distribution and average DQS: is the portfolio getting approved,
  revised or blocked, and how strong are the decisions?
- Risk mitigation rate: how much of what reviewers flagged was addressed?
- Agent radar: which reviewers move outcomes most, and which rarely do?
- Blind spots: which missing-evidence labels keep recurring?
- Mitigation velocity: how long do pending mitigations take to clear,
  and is the trend improving?

End with the two or three changes most likely to raise DQS.`,
				},
			},
		},
	}, nil
}
