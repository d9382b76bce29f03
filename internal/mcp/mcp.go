// Package mcp implements the Model Context Protocol server for boardroom.
//
// The MCP server exposes the read side of the HTTP API (ancestry lookups,
// portfolio insights and explicit rate-limit checks) as MCP tools and
// resources so agents running a decision workflow can consult precedent
// without speaking the REST surface.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/boardroom/internal/model"
	"github.com/ashita-ai/boardroom/internal/ratelimit"
	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/insights"
)

// AncestryFinder ranks precedents for a decision.
type AncestryFinder interface {
	FindAncestors(ctx context.Context, decisionID string, opts ancestry.Options) (model.AncestryResult, error)
}

// InsightsComputer builds the portfolio report.
type InsightsComputer interface {
	Compute(ctx context.Context, opts insights.Options) (model.PortfolioInsights, error)
}

// RateChecker counts one hit against an explicit bucket.
type RateChecker interface {
	Check(ctx context.Context, req ratelimit.Request) (model.RateLimitResult, error)
}

// Server wraps the MCP server with boardroom's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ancestry  AncestryFinder
	insights  InsightsComputer
	limiter   RateChecker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts
// and tools registered.
func New(finder AncestryFinder, agg InsightsComputer, limiter RateChecker, logger *slog.Logger, version string) *Server {
	s := &Server{
		ancestry: finder,
		insights: agg,
		limiter:  limiter,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"boardroom",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result"), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
