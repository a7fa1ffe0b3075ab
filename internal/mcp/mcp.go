// Package mcp implements the Model Context Protocol server for kotae.
//
// The MCP server exposes the reviewer surface of the HTTP API as tools,
// resources and prompts, so an MCP-capable assistant can work the review
// queue: list suspended runs, inspect one, and approve, edit, reject,
// cancel or rerun it. Every call runs with the claims of the authenticated
// reviewer that opened the session.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kotae/internal/model"
)

// Store is the read side of the run store the MCP tools need.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.PipelineRun, int, error)
	ListEvents(ctx context.Context, runID uuid.UUID) ([]model.RunEvent, error)
}

// Pipeline is the run-control side of the orchestrator.
type Pipeline interface {
	Resume(ctx context.Context, id uuid.UUID, d model.ReviewDecision) (model.PipelineRun, error)
	Cancel(ctx context.Context, id uuid.UUID) (model.PipelineRun, error)
	Rerun(ctx context.Context, ticketID string, parent *uuid.UUID) (model.PipelineRun, error)
}

// Server wraps the MCP server with kotae's run store and orchestrator.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	pipeline  Pipeline
	enqueue   func(uuid.UUID) bool
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts. enqueue schedules reruns; nil leaves them to the recovery
// sweep.
func New(store Store, pipeline Pipeline, enqueue func(uuid.UUID) bool, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:    store,
		pipeline: pipeline,
		enqueue:  enqueue,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kotae",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `kotae triages Zendesk tickets. Runs that the escalation gate could not
send on its own wait for a human decision. Use kotae_pending_reviews to see
the queue, kotae_get_run to read a run in full, then kotae_review to
approve, edit or reject it. Never approve a draft you have not read.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
