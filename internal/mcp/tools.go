package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

func (s *Server) registerTools() {
	// kotae_pending_reviews: the review queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_pending_reviews",
			mcplib.WithDescription(`List runs waiting for a human review decision.

WHEN TO USE: At the start of a review session, and again after finishing a
run, to see what is left in the queue.

WHAT YOU GET BACK:
- summary: how many runs wait and how long the oldest has waited
- runs: each suspended run with its ticket, classification, draft and the
  reason the gate held it back
- total: the size of the whole queue (runs may be cut to limit)`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("ticket_id",
				mcplib.Description("Optional: only runs for this Zendesk ticket"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handlePendingReviews,
	)

	// kotae_get_run: a single run in full.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_get_run",
			mcplib.WithDescription(`Read one pipeline run, optionally with its transition history.

WHEN TO USE: Before deciding on a run. Read the draft and the ticket body in
full; the queue listing truncates both.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run ID (also the resume token of a suspended run)"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("include_events",
				mcplib.Description("Include the run's state transitions"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleGetRun,
	)

	// kotae_review: resume a suspended run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_review",
			mcplib.WithDescription(`Record a review decision on a run waiting for review.

ACTIONS:
- approve: send the stored draft as written
- edit: send body instead of the draft (body is required)
- reject: send nothing; the ticket is left for manual handling

Approve and edit write a public reply to the customer's ticket. The decision
is recorded under your reviewer identity. If another reviewer decided first
the call fails with a conflict and nothing is sent.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("The run to resume"),
				mcplib.Required(),
			),
			mcplib.WithString("action",
				mcplib.Description("approve, edit or reject"),
				mcplib.Enum(string(model.ReviewApprove), string(model.ReviewEdit), string(model.ReviewReject)),
				mcplib.Required(),
			),
			mcplib.WithString("body",
				mcplib.Description("Replacement reply text; required for edit"),
			),
			mcplib.WithString("note",
				mcplib.Description("Optional internal note explaining the decision"),
			),
		),
		s.handleReview,
	)

	// kotae_cancel: stop a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_cancel",
			mcplib.WithDescription(`Cancel a run. A suspended run is cancelled at once; an active run stops
at its next stage boundary. A cancelled run never touches the ticket again.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("The run to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancel,
	)

	// kotae_rerun: start a fresh run for a ticket.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_rerun",
			mcplib.WithDescription(`Start a new run for a ticket from its current state in Zendesk.

WHEN TO USE: When the customer has added information since the last run,
or a run failed for a reason that has since been fixed. Earlier runs are
left as they are.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("ticket_id",
				mcplib.Description("The Zendesk ticket ID"),
				mcplib.Required(),
			),
			mcplib.WithString("parent_run_id",
				mcplib.Description("Optional: the run this one replaces, for lineage"),
			),
		),
		s.handleRerun,
	)
}

func (s *Server) handlePendingReviews(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if res := s.authorize(ctx, authz.ActionViewRuns); res != nil {
		return res, nil
	}

	state := model.StateAwaitingReview
	limit := min(max(request.GetInt("limit", 10), 1), 100)
	runs, total, err := s.store.ListRuns(ctx, model.RunFilter{
		State:    &state,
		TicketID: strings.TrimSpace(request.GetString("ticket_id", "")),
		Limit:    limit,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	compact := make([]map[string]any, len(runs))
	for i, r := range runs {
		compact[i] = compactRun(r)
	}
	return jsonResult(map[string]any{
		"summary": queueSummary(runs, total, time.Now()),
		"runs":    compact,
		"total":   total,
	}), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if res := s.authorize(ctx, authz.ActionViewRuns); res != nil {
		return res, nil
	}
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return s.runError(ctx, "get run", err), nil
	}
	out := map[string]any{"run": model.ViewOf(run)}
	if request.GetBool("include_events", false) {
		evs, err := s.store.ListEvents(ctx, id)
		if err != nil {
			return errorResult(fmt.Sprintf("failed to load events: %v", err)), nil
		}
		out["events"] = evs
	}
	return jsonResult(out), nil
}

func (s *Server) handleReview(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if res := s.authorize(ctx, authz.ActionReview); res != nil {
		return res, nil
	}
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}

	action := model.ReviewAction(request.GetString("action", ""))
	switch action {
	case model.ReviewApprove, model.ReviewEdit, model.ReviewReject:
	default:
		return errorResult("action must be one of approve, edit, reject"), nil
	}

	run, err := s.pipeline.Resume(ctx, id, model.ReviewDecision{
		Action:     action,
		Body:       request.GetString("body", ""),
		Note:       request.GetString("note", ""),
		ReviewerID: ctxutil.ReviewerIDFromContext(ctx),
	})
	if err != nil {
		return s.runError(ctx, "review", err), nil
	}
	return jsonResult(map[string]any{
		"run":    compactRun(run),
		"status": "recorded",
	}), nil
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if res := s.authorize(ctx, authz.ActionCancel); res != nil {
		return res, nil
	}
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}

	run, err := s.pipeline.Cancel(ctx, id)
	if err != nil {
		return s.runError(ctx, "cancel", err), nil
	}
	status := "cancelled"
	if !run.State.Name().Terminal() {
		status = "cancel_requested"
	}
	return jsonResult(map[string]any{
		"run":    compactRun(run),
		"status": status,
	}), nil
}

func (s *Server) handleRerun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if res := s.authorize(ctx, authz.ActionRerun); res != nil {
		return res, nil
	}
	ticketID := strings.TrimSpace(request.GetString("ticket_id", ""))
	if ticketID == "" {
		return errorResult("ticket_id is required"), nil
	}
	var parent *uuid.UUID
	if raw := strings.TrimSpace(request.GetString("parent_run_id", "")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("invalid parent_run_id: " + raw), nil
		}
		parent = &id
	}

	run, err := s.pipeline.Rerun(ctx, ticketID, parent)
	if err != nil {
		return s.runError(ctx, "rerun", err), nil
	}
	queued := s.enqueue != nil && s.enqueue(run.ID)
	return jsonResult(map[string]any{
		"run":    compactRun(run),
		"queued": queued,
	}), nil
}

// authorize returns an error result when the caller may not perform a.
func (s *Server) authorize(ctx context.Context, a authz.Action) *mcplib.CallToolResult {
	err := authz.Check(ctxutil.ClaimsFromContext(ctx), a)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authz.ErrUnauthenticated):
		return errorResult("authentication required")
	default:
		return errorResult(fmt.Sprintf("insufficient permissions for %s", a))
	}
}

func runIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := strings.TrimSpace(request.GetString("run_id", ""))
	if raw == "" {
		return uuid.Nil, errorResult("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("invalid run_id: " + raw)
	}
	return id, nil
}

// runError turns a pipeline or store error into a tool error the assistant
// can act on. Unexpected errors are logged and reported without detail.
func (s *Server) runError(ctx context.Context, op string, err error) *mcplib.CallToolResult {
	var invalid *model.InvalidInputError
	var notFound *model.NotFoundError
	switch {
	case errors.As(err, &invalid):
		return errorResult(invalid.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("run not found")
	case errors.As(err, &notFound):
		return errorResult(notFound.Error())
	case errors.Is(err, storage.ErrStaleTransition):
		return errorResult("conflict: " + err.Error())
	}
	s.logger.Error("mcp: "+op+" failed",
		"error", err,
		"reviewer_id", ctxutil.ReviewerIDFromContext(ctx),
	)
	return errorResult(op + " failed; retry later")
}
