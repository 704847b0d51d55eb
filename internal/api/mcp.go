package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/feedweave/internal/clustering"
	"github.com/kalambet/feedweave/internal/scheduler"
	"github.com/kalambet/feedweave/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	Version string
}

// NewMCPServer creates an MCP server with the feedweave tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"feedweave",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("feedweave: subscribed news feeds grouped into multi-source stories."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("find_similar_articles",
			mcp.WithDescription("Find articles similar to a given article within the user's subscribed feeds."),
			mcp.WithString("article_id", mcp.Description("ID of the source article"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Restrict results to this user's feeds")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("list_clusters",
			mcp.WithDescription("List current story clusters by descending relevance."),
			mcp.WithString("scope", mcp.Description("User scope; empty lists global clusters")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of clusters (default 10)")),
		),
		mcpListClusters(deps),
	)

	s.AddTool(
		mcp.NewTool("feed_health",
			mcp.WithDescription("Report sync health for one feed, or for every feed of a user."),
			mcp.WithString("feed_id", mcp.Description("Feed to report on")),
			mcp.WithString("user_id", mcp.Description("Report on all of this user's feeds")),
			mcp.WithNumber("days", mcp.Description("History window in days (default 7)")),
		),
		mcpFeedHealth(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"feedweave://status",
			"Pipeline Status",
			mcp.WithResourceDescription("Feed counts by status, queue depth and live cluster count"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		articleID, err := req.RequireString("article_id")
		if err != nil || articleID == "" {
			return mcpError("article_id is required"), nil
		}

		res, err := deps.Service.FindSimilarArticles(ctx, articleID, req.GetString("user_id", ""))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("article %s not found", articleID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("similar search failed: %v", err)), nil
		}
		if res.Message != "" && len(res.Articles) == 0 {
			return mcpText(res.Message), nil
		}
		return mcpJSON(res.Articles)
	}
}

func mcpListClusters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		clusters, err := deps.Service.GetClusters(ctx, clustering.ListOptions{
			Scope: req.GetString("scope", ""),
			Limit: limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing clusters failed: %v", err)), nil
		}
		if len(clusters) == 0 {
			return mcpText("[]"), nil
		}

		type clusterResult struct {
			ID           string   `json:"id"`
			Title        string   `json:"title"`
			Summary      string   `json:"summary"`
			ArticleCount int      `json:"article_count"`
			Sources      int      `json:"sources"`
			Relevance    float64  `json:"relevance"`
			Method       string   `json:"method"`
			SourceFeeds  []string `json:"source_feeds"`
		}
		results := make([]clusterResult, len(clusters))
		for i, c := range clusters {
			results[i] = clusterResult{
				ID:           c.ID,
				Title:        c.Title,
				Summary:      c.Summary,
				ArticleCount: c.ArticleCount,
				Sources:      len(c.SourceFeeds),
				Relevance:    c.RelevanceScore,
				Method:       c.GenerationMethod,
				SourceFeeds:  c.SourceFeeds,
			}
		}
		return mcpJSON(results)
	}
}

func mcpFeedHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		feedID := req.GetString("feed_id", "")
		if feedID != "" {
			h, err := deps.Service.GetFeedHealthStats(ctx, feedID, req.GetInt("days", scheduler.DefaultHealthDays))
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("feed %s not found", feedID)), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("feed health failed: %v", err)), nil
			}
			return mcpJSON(h)
		}

		stats, err := deps.Service.GetAllFeedsHealthStats(ctx, req.GetString("user_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("feed health failed: %v", err)), nil
		}
		if stats == nil {
			stats = []scheduler.FeedHealth{}
		}
		return mcpJSON(stats)
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Service.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get status: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
