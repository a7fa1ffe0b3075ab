package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

const (
	pendingURI      = "kotae://runs/pending"
	runURIPrefix    = "kotae://runs/"
	runURITemplate  = "kotae://runs/{id}"
	resourceMIME    = "application/json"
	pendingPageSize = 25
)

func (s *Server) registerResources() {
	// kotae://runs/pending: the review queue.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			pendingURI,
			"Pending Reviews",
			mcplib.WithResourceDescription("Runs waiting for a human review decision, oldest first"),
			mcplib.WithMIMEType(resourceMIME),
		),
		s.handlePendingResource,
	)

	// kotae://runs/{id}: one run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runURITemplate,
			"Pipeline Run",
			mcplib.WithTemplateDescription("A single pipeline run with its ticket, draft and decision"),
			mcplib.WithTemplateMIMEType(resourceMIME),
		),
		s.handleRunResource,
	)
}

func (s *Server) handlePendingResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if err := authz.Check(ctxutil.ClaimsFromContext(ctx), authz.ActionViewRuns); err != nil {
		return nil, fmt.Errorf("mcp: pending reviews: %w", err)
	}
	state := model.StateAwaitingReview
	runs, total, err := s.store.ListRuns(ctx, model.RunFilter{State: &state, Limit: pendingPageSize})
	if err != nil {
		return nil, fmt.Errorf("mcp: pending reviews: %w", err)
	}

	// The store lists newest first; reviewers work oldest first.
	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[len(runs)-1-i] = compactRun(r)
	}
	return textResource(pendingURI, map[string]any{
		"runs":  compact,
		"total": total,
	})
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if err := authz.Check(ctxutil.ClaimsFromContext(ctx), authz.ActionViewRuns); err != nil {
		return nil, fmt.Errorf("mcp: run: %w", err)
	}
	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", id, err)
	}
	return textResource(uri, model.ViewOf(run))
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIME,
			Text:     string(data),
		},
	}, nil
}
