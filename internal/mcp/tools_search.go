package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Regex pattern or search query matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Filter results to a category (pipeline, gate, review, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolSearchHit struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Score       int          `json:"score"`
	MatchReason string       `json:"match_reason"`
}

type toolSearchOutput struct {
	Query      string          `json:"query" jsonschema:"Search query used"`
	Results    []toolSearchHit `json:"results" jsonschema:"Matching tools ordered by score"`
	Count      int             `json:"count" jsonschema:"Number of tools found"`
	TotalTools int             `json:"total_tools" jsonschema:"Total number of tools in registry"`
}

func (s *Server) registerSearchTools() error {
	tool, err := s.describe(&mcp.Tool{
		Name:        "tool_search",
		Description: "Search the available tools by name, description or keyword",
	}, CategorySearch, "discover", "find", "help")
	if err != nil {
		return err
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (res *mcp.CallToolResult, out toolSearchOutput, toolErr error) {
		done := s.metrics.track(ctx, "tool_search")
		defer func() { done(toolErr) }()

		if args.Query == "" {
			return nil, out, invalidArgument("query is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}

		var results []*SearchResult
		if args.Category != "" {
			results = s.toolRegistry.SearchByCategory(args.Query, ToolCategory(args.Category))
		} else {
			results = s.toolRegistry.Search(args.Query)
		}
		if len(results) > limit {
			results = results[:limit]
		}

		out = toolSearchOutput{
			Query:      args.Query,
			Results:    make([]toolSearchHit, 0, len(results)),
			TotalTools: s.toolRegistry.Count(),
		}
		for _, r := range results {
			out.Results = append(out.Results, toolSearchHit{
				Name:        r.Tool.Name,
				Description: r.Tool.Description,
				Category:    r.Tool.Category,
				Score:       r.Score,
				MatchReason: r.MatchReason,
			})
		}
		out.Count = len(out.Results)
		return textResult("Found %d tools matching %q", out.Count, args.Query), out, nil
	})
	return nil
}
