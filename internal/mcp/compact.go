package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/model"
)

const (
	maxCompactBody  = 400
	maxCompactDraft = 1200
)

// compactRun returns the representation of a run an assistant needs to
// review it. Drops bookkeeping (timestamps other than created_at, ticket
// version, customer history, raw excerpts) that reviewers don't act on.
func compactRun(r model.PipelineRun) map[string]any {
	snap := model.SnapshotOf(r.State)
	m := map[string]any{
		"id":         r.ID,
		"ticket_id":  r.TicketID,
		"state":      snap.State,
		"subject":    snap.Ticket.Subject,
		"requester":  snap.Ticket.RequesterEmail,
		"created_at": r.CreatedAt,
	}
	if body := strings.TrimSpace(snap.Ticket.Body); body != "" {
		m["body"] = truncate(body, maxCompactBody)
	}
	if r.ParentRunID != nil {
		m["parent_run_id"] = r.ParentRunID
	}
	if r.CancelRequested {
		m["cancel_requested"] = true
	}
	if c := snap.Classification; c != nil {
		m["intent"] = c.Intent
		m["urgency"] = c.Urgency
		if c.Topic != "" {
			m["topic"] = c.Topic
		}
		if c.Summary != "" {
			m["summary"] = c.Summary
		}
	}
	if d := snap.Draft; d != nil {
		m["draft"] = truncate(d.Body, maxCompactDraft)
		m["confidence"] = d.Confidence
	}
	if snap.Decision != nil {
		m["decision"] = *snap.Decision
	}
	if snap.Reason != nil {
		m["reason"] = *snap.Reason
	}
	if snap.Context != nil {
		m["similar_tickets"] = len(snap.Context.Excerpts)
		if len(snap.Context.Degraded) > 0 {
			m["degraded"] = snap.Context.Degraded
		}
	}
	if rv := snap.Review; rv != nil {
		m["review"] = map[string]any{
			"action":      rv.Action,
			"reviewer_id": rv.ReviewerID,
		}
	}
	if snap.Message != nil {
		m["message"] = *snap.Message
	}
	if note := reviewNote(snap); note != "" {
		m["review_note"] = note
	}
	return m
}

// reviewNote produces a short signal for the reviewer about why a draft may
// need extra care. Rules are evaluated in priority order; first match wins.
func reviewNote(s model.RunSnapshot) string {
	switch {
	case s.Context != nil && len(s.Context.Degraded) > 0:
		return fmt.Sprintf("Retrieval degraded (%s); the draft was written with partial context.",
			strings.Join(s.Context.Degraded, ", "))
	case s.Classification != nil && len(s.Classification.Coerced) > 0:
		return fmt.Sprintf("Classifier output for %s was out of range and replaced with a fallback.",
			strings.Join(s.Classification.Coerced, ", "))
	case s.Draft != nil && s.Draft.NeedsHumanReview:
		return "The drafter itself asked for a human to check this reply."
	case s.Context != nil && s.Context.IsEmpty():
		return "No similar tickets or customer history were found."
	}
	return ""
}

// queueSummary creates a one or two sentence synthesis of the review queue.
func queueSummary(runs []model.PipelineRun, total int, now time.Time) string {
	if total == 0 {
		return "No runs are waiting for review."
	}
	line := fmt.Sprintf("%d run(s) waiting for review.", total)
	if len(runs) == 0 {
		return line
	}

	oldest := runs[0]
	for _, r := range runs[1:] {
		if r.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = r
		}
	}
	wait := now.Sub(oldest.UpdatedAt).Round(time.Minute)
	line += fmt.Sprintf(" Oldest: ticket %s, waiting %s", oldest.TicketID, wait)
	if snap := model.SnapshotOf(oldest.State); snap.Reason != nil {
		line += fmt.Sprintf(" (%s)", *snap.Reason)
	}
	return line + "."
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
