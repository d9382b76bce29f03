package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/boardroom/internal/service/ancestry"
	"github.com/ashita-ai/boardroom/internal/service/insights"
)

const (
	portfolioURI        = "boardroom://insights/portfolio"
	ancestryURIPrefix   = "boardroom://decisions/"
	ancestryURISuffix   = "/ancestry"
	ancestryURITemplate = ancestryURIPrefix + "{id}" + ancestryURISuffix
	resourceMIMEType    = "application/json"
)

func (s *Server) registerResources() {
	// boardroom://insights/portfolio: portfolio report with the default window.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			portfolioURI,
			"Portfolio Insights",
			mcplib.WithResourceDescription("Gate distribution, agent radar, blind spots and mitigation velocity over the default window"),
			mcplib.WithMIMEType(resourceMIMEType),
		),
		s.handlePortfolioResource,
	)

	// boardroom://decisions/{id}/ancestry: default-sized precedent list.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			ancestryURITemplate,
			"Decision Ancestry",
			mcplib.WithTemplateDescription("Most similar prior decisions for a decision"),
			mcplib.WithTemplateMIMEType(resourceMIMEType),
		),
		s.handleAncestryResource,
	)
}

func (s *Server) handlePortfolioResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	report, err := s.insights.Compute(ctx, insights.Options{})
	if err != nil {
		return nil, fmt.Errorf("mcp: portfolio insights: %w", err)
	}
	return jsonContents(portfolioURI, report)
}

func (s *Server) handleAncestryResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	decisionID, err := parseAncestryURI(uri)
	if err != nil {
		return nil, err
	}
	res, err := s.ancestry.FindAncestors(ctx, decisionID, ancestry.Options{})
	if err != nil {
		return nil, fmt.Errorf("mcp: ancestry: %w", err)
	}
	return jsonContents(uri, res)
}

// parseAncestryURI extracts the decision id from
// boardroom://decisions/{id}/ancestry.
func parseAncestryURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, ancestryURIPrefix) || !strings.HasSuffix(uri, ancestryURISuffix) ||
		len(uri) < len(ancestryURIPrefix)+len(ancestryURISuffix) {
		return "", fmt.Errorf("mcp: invalid ancestry URI: %s", uri)
	}
	id := uri[len(ancestryURIPrefix) : len(uri)-len(ancestryURISuffix)]
	if id == "" {
		return "", fmt.Errorf("mcp: invalid ancestry URI: empty decision id")
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid ancestry URI: %s", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEType,
			Text:     string(data),
		},
	}, nil
}
