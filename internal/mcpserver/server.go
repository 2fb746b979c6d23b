// Package mcpserver exposes the resolvers as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/stratum/internal/service"
)

// Server binds MCP tool handlers to a service.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	mcp    *server.MCPServer
}

func New(svc *service.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		logger: logger,
		mcp:    server.NewMCPServer("stratum", version, server.WithToolCapabilities(false)),
	}
	s.mcp.AddTool(mcp.NewTool("resolve_spacetime",
		mcp.WithDescription("Effective geometry and chronology of items, inherited through their context chain, with provenance."),
		mcp.WithArray("ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Item ids")),
	), s.resolveSpacetime)
	s.mcp.AddTool(mcp.NewTool("synthesize_equivalents",
		mcp.WithDescription("Canonical statements derived from project vocabulary mapped onto shared ontologies."),
		mcp.WithArray("ids", mcp.Required(), mcp.WithStringItems(), mcp.Description("Item ids")),
	), s.synthesizeEquivalents)
	s.mcp.AddTool(mcp.NewTool("propagate_sensitivity",
		mcp.WithDescription("Flag records and media associated with human remains across one project."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project id")),
	), s.propagateSensitivity)
	s.mcp.AddTool(mcp.NewTool("merge_duplicate_subtrees",
		mcp.WithDescription("Fold a duplicated containment subtree into its twin, deepest first."),
		mcp.WithString("keep_root_id", mcp.Required(), mcp.Description("Root that survives")),
		mcp.WithString("delete_root_id", mcp.Required(), mcp.Description("Root that is folded in and removed")),
		mcp.WithBoolean("dry_run", mcp.Description("Plan only, write nothing")),
	), s.mergeDuplicateSubtrees)
	return s
}

// MCP returns the underlying server for transports.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func ids(req mcp.CallToolRequest) ([]string, *mcp.CallToolResult) {
	out := req.GetStringSlice("ids", nil)
	if len(out) == 0 {
		return nil, mcp.NewToolResultError("ids must be a non-empty list of strings")
	}
	return out, nil
}

func (s *Server) resolveSpacetime(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, bad := ids(req)
	if bad != nil {
		return bad, nil
	}
	return jsonResult(s.svc.ResolveSpacetime(ctx, list...))
}

func (s *Server) synthesizeEquivalents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, bad := ids(req)
	if bad != nil {
		return bad, nil
	}
	return jsonResult(s.svc.SynthesizeEquivalents(ctx, list...))
}

func (s *Server) propagateSensitivity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.svc.PropagateSensitivity(ctx, project)
	if err != nil {
		s.logger.Warn("propagate_sensitivity failed", slog.String("project", project), slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}

func (s *Server) mergeDuplicateSubtrees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keep, err := req.RequireString("keep_root_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	del, err := req.RequireString("delete_root_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rep, err := s.svc.MergeDuplicateSubtrees(ctx, keep, del, req.GetBool("dry_run", false))
	if err != nil {
		s.logger.Warn("merge_duplicate_subtrees failed",
			slog.String("keep", keep), slog.String("delete", del), slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rep)
}
