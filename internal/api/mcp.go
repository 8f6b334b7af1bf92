package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/veobatch/internal/artifact"
	"github.com/kalambet/veobatch/internal/batch"
	"github.com/kalambet/veobatch/internal/script"
)

const batchURIPrefix = "batch://"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Batches   BatchService
	Collector ArchiveCollector
	// DefaultCredential is used when a tool call carries no api_key.
	DefaultCredential string
	Version           string
}

// NewMCPServer creates an MCP server exposing the batch workflow as tools
// and each stored batch as a batch://{id} resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"veobatch",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("veobatch turns labeled scripts into batches of generated videos. Segment a script, create a batch, refresh it until no job is outstanding, then collect the finished videos."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("segment_script",
			mcp.WithDescription("Split a labeled script into segments without submitting anything."),
			mcp.WithString("script", mcp.Description("Script text with label lines such as HOOK or Backend 1"), mcp.Required()),
		),
		mcpSegmentScript(),
	)

	s.AddTool(
		mcp.NewTool("create_batch",
			mcp.WithDescription("Submit one generation job per script segment and return the new batch."),
			mcp.WithString("script", mcp.Description("Script text with label lines"), mcp.Required()),
			mcp.WithString("avatar_normal_url", mcp.Description("Avatar image URL for regular segments"), mcp.Required()),
			mcp.WithString("avatar_product_url", mcp.Description("Avatar image URL for HOLDING PRODUCT segments")),
			mcp.WithString("api_key", mcp.Description("Provider API key; defaults to the configured key")),
		),
		mcpCreateBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_batch",
			mcp.WithDescription("Poll outstanding jobs of a batch, retry failures within budget, and return the updated batch. Keep polling while open is true; a failed job with pending_retry is not finished."),
			mcp.WithString("batch_id", mcp.Description("Batch identifier"), mcp.Required()),
			mcp.WithString("api_key", mcp.Description("Provider API key overriding the stored one")),
		),
		mcpRefreshBatch(deps),
	)

	s.AddTool(
		mcp.NewTool("collect_artifacts",
			mcp.WithDescription("Download the completed videos of a batch into a zip archive on the server."),
			mcp.WithString("batch_id", mcp.Description("Batch identifier"), mcp.Required()),
			mcp.WithString("batch_name", mcp.Description("Archive name without extension")),
		),
		mcpCollectArtifacts(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			batchURIPrefix+"{id}",
			"Batch",
			mcp.WithTemplateDescription("Stored batch with per-job status, without refreshing"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceBatch(deps),
	)

	return s
}

func mcpSegmentScript() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("script")
		if err != nil {
			return mcpError("script is required"), nil
		}
		segs := script.Parse(text)
		if segs == nil {
			segs = []script.Segment{}
		}
		b, err := json.Marshal(segs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal segments: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("script")
		if err != nil {
			return mcpError("script is required"), nil
		}
		normal, err := req.RequireString("avatar_normal_url")
		if err != nil {
			return mcpError("avatar_normal_url is required"), nil
		}
		credential := req.GetString("api_key", deps.DefaultCredential)

		b, err := deps.Batches.Create(ctx, batch.CreateRequest{
			Credential:       credential,
			Segments:         script.Parse(text),
			NormalAvatarURL:  normal,
			ProductAvatarURL: req.GetString("avatar_product_url", ""),
		})
		if err != nil {
			return mcpError(mcpErrorMessage(err)), nil
		}
		return mcpView(b)
	}
}

func mcpRefreshBatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("batch_id")
		if err != nil {
			return mcpError("batch_id is required"), nil
		}
		b, err := deps.Batches.Refresh(ctx, id, req.GetString("api_key", ""))
		if err != nil {
			return mcpError(mcpErrorMessage(err)), nil
		}
		return mcpView(b)
	}
}

func mcpCollectArtifacts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("batch_id")
		if err != nil {
			return mcpError("batch_id is required"), nil
		}
		b, err := deps.Batches.Get(ctx, id)
		if err != nil {
			return mcpError(mcpErrorMessage(err)), nil
		}
		res, err := deps.Collector.Collect(ctx, b, req.GetString("batch_name", ""))
		if err != nil {
			return mcpError(mcpErrorMessage(err)), nil
		}
		res.Close()

		out, err := json.Marshal(map[string]any{
			"path":     res.Path,
			"name":     res.Name,
			"included": res.Included,
			"skipped":  res.Skipped,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpResourceBatch(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id := strings.TrimPrefix(req.Params.URI, batchURIPrefix)
		b, err := deps.Batches.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
		}

		out, err := json.Marshal(b.View())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal batch: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(out),
			},
		}, nil
	}
}

func mcpView(b *batch.Batch) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(b.View())
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal batch: %v", err)), nil
	}
	return mcpText(string(out)), nil
}

func mcpErrorMessage(err error) string {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		return "batch not found"
	case errors.Is(err, batch.ErrMissingCredential):
		return "missing API key"
	case errors.Is(err, artifact.ErrNoCompletedJobs):
		return "no completed videos to download"
	case errors.Is(err, batch.ErrValidation):
		return err.Error()
	default:
		return fmt.Sprintf("internal error: %v", err)
	}
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
