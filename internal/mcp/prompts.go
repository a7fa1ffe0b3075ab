package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/authz"
	"github.com/ashita-ai/kotae/internal/ctxutil"
	"github.com/ashita-ai/kotae/internal/model"
)

func (s *Server) registerPrompts() {
	// review-run: walks the assistant through one suspended run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-run",
			mcplib.WithPromptDescription("Review a suspended run: read the ticket and draft, then approve, edit or reject"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to review (its resume token)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewRunPrompt,
	)

	// reviewer-setup: system prompt snippet describing the review workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("reviewer-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the kotae review workflow"),
		),
		s.handleReviewerSetupPrompt,
	)
}

func (s *Server) handleReviewRunPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := strings.TrimSpace(request.Params.Arguments["run_id"])
	if raw == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid run_id: %s", raw)
	}
	if err := authz.Check(ctxutil.ClaimsFromContext(ctx), authz.ActionViewRuns); err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: load run %s: %w", id, err)
	}
	held, ok := run.State.(model.AwaitingReview)
	if !ok {
		return nil, fmt.Errorf("run %s is %s, not awaiting review", id, run.State.Name())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %s from %s\nSubject: %s\n\n%s\n\n", held.Ticket.ID, held.Ticket.RequesterEmail, held.Ticket.Subject, held.Ticket.Body)
	if c := held.Classification; c != nil {
		fmt.Fprintf(&b, "Classified as %s, urgency %s", c.Intent, c.Urgency)
		if c.Topic != "" {
			fmt.Fprintf(&b, ", topic %q", c.Topic)
		}
		b.WriteString(".\n")
	}
	fmt.Fprintf(&b, "Held for review because: %s.\n", held.Reason)
	if note := reviewNote(model.SnapshotOf(held)); note != "" {
		b.WriteString(note + "\n")
	}
	if d := held.Draft; d != nil {
		fmt.Fprintf(&b, "\nDraft reply (confidence %.2f):\n---\n%s\n---\n", d.Confidence, d.Body)
	} else {
		b.WriteString("\nNo draft was produced. Approve is not possible; write a reply with edit or reject.\n")
	}
	fmt.Fprintf(&b, `
Decide on this run:
1. Check the draft answers what the customer asked, in their language, without
   promising anything the product does not do.
2. CALL kotae_review with run_id="%s" and one of:
   - action="approve" when the draft can go out as written
   - action="edit" with body set to your corrected reply
   - action="reject" when no automated reply should be sent
3. Add a short note explaining any edit or rejection.`, id)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review run %s for ticket %s", id, held.Ticket.ID),
		Messages: []mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(b.String())),
		},
	}, nil
}

func (s *Server) handleReviewerSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "kotae review workflow for assistants",
		Messages: []mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(`You are helping a support team review automated replies before they reach
customers. kotae classifies each new Zendesk ticket, finds similar resolved
tickets, drafts a reply and either sends it or holds it for a human.

## The Loop

1. Call kotae_pending_reviews to see the queue.
2. For each run, call kotae_get_run and read the ticket body and the draft.
3. Call kotae_review:
   - approve: the draft is correct and complete
   - edit: the draft is close; send your corrected text as body
   - reject: the ticket needs a person (refunds, legal, angry customers,
     anything the draft gets wrong in substance)

## Other Tools

- kotae_cancel: stop a run that should not continue
- kotae_rerun: start over from the ticket's current state in Zendesk

## Rules

- Never approve a draft you have not read in full.
- A conflict error means another reviewer already decided; move on.
- Approve and edit post a public reply. Reject sends nothing.`)),
		},
	}, nil
}
