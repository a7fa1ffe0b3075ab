package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// cancelClaimant is the review claimant recorded while Cancel moves a
// suspended run, so a reviewer racing the cancel loses cleanly.
const cancelClaimant = "kotae:cancel"

// Submit validates a ticket and persists a new run for it in Received.
// version is the helpdesk concurrency stamp, empty when the event carried
// none. The caller schedules Execute.
func (o *Orchestrator) Submit(ctx context.Context, t model.TicketRecord, version string, parent *uuid.UUID) (model.PipelineRun, error) {
	if err := t.Validate(); err != nil {
		return model.PipelineRun{}, err
	}
	t.Tags = model.NormalizeTags(t.Tags)
	run := model.NewRun(t, version, parent)
	if err := o.store.CreateRun(ctx, run); err != nil {
		return model.PipelineRun{}, fmt.Errorf("pipeline: create run: %w", err)
	}
	o.runLogger(run).Info("pipeline: run created", "parent_run_id", parent)
	if o.events != nil {
		if err := o.events.Append(model.NewRunEvent(run, "", nil)); err != nil {
			o.runLogger(run).Warn("pipeline: event dropped", "error", err)
		}
	}
	return run, nil
}

// Rerun fetches the ticket's current state and submits a fresh run for it.
// The earlier run, whatever its state, is left untouched.
func (o *Orchestrator) Rerun(ctx context.Context, ticketID string, parent *uuid.UUID) (model.PipelineRun, error) {
	if parent != nil {
		prev, err := o.store.GetRun(ctx, *parent)
		if err != nil {
			return model.PipelineRun{}, fmt.Errorf("pipeline: load parent run: %w", err)
		}
		if prev.TicketID != ticketID {
			return model.PipelineRun{}, &model.InvalidInputError{Field: "parent_run_id", Reason: "belongs to a different ticket"}
		}
	}
	t, version, err := o.source.Fetch(ctx, ticketID)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("pipeline: fetch ticket %s: %w", ticketID, err)
	}
	return o.Submit(ctx, t, version, parent)
}

// Resume applies a reviewer's decision to a suspended run. Approve and edit
// update the ticket and end in AutoSent; reject ends in Rejected without
// touching the ticket. Of two concurrent reviewers exactly one proceeds; the
// other gets storage.ErrStaleTransition. When the ticket update fails for a
// transient reason the claim is released, the run stays suspended and the
// error is returned so the reviewer can retry.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID, d model.ReviewDecision) (model.PipelineRun, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("pipeline: load run %s: %w", id, err)
	}
	s, ok := run.State.(model.AwaitingReview)
	if !ok {
		return run, fmt.Errorf("%w: run %s is %s, not awaiting review", storage.ErrStaleTransition, id, run.State.Name())
	}
	if err := d.Validate(s); err != nil {
		return run, err
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}

	if err := o.store.ClaimReview(ctx, id, d.ReviewerID); err != nil {
		return run, fmt.Errorf("pipeline: claim review: %w", err)
	}
	log := o.runLogger(run).With("reviewer_id", d.ReviewerID, "action", d.Action)
	detail := map[string]any{"action": d.Action, "reviewer_id": d.ReviewerID}
	if d.Note != "" {
		detail["note"] = d.Note
	}

	if d.Action == model.ReviewReject {
		next := run.WithState(s.RejectedBy(d))
		if err := o.commit(ctx, run, next, detail); err != nil {
			o.release(ctx, run)
			return run, fmt.Errorf("pipeline: save review: %w", err)
		}
		return next, nil
	}

	body := d.ReplyBody(s)
	update := o.gate.Policy().BuildUpdate(s.Ticket, s.Classification, body, true)
	version, err := o.source.Apply(ctx, run.TicketID, update, run.TicketVersion)
	if err != nil {
		var (
			conflict *model.ConflictError
			notFound *model.NotFoundError
		)
		if errors.As(err, &conflict) || errors.As(err, &notFound) {
			detail["error"] = err.Error()
			next := run.WithState(model.Fail(s, model.ReasonFor(err), err.Error()))
			if cerr := o.commit(ctx, run, next, detail); cerr != nil {
				o.release(ctx, run)
				return run, fmt.Errorf("pipeline: save review failure: %w", cerr)
			}
			log.Warn("pipeline: reviewed reply rejected by helpdesk", "error", err)
			return next, nil
		}
		o.release(ctx, run)
		log.Warn("pipeline: reviewed reply not delivered, run stays suspended", "error", err)
		return run, fmt.Errorf("pipeline: apply reviewed reply: %w", err)
	}

	detail["ticket_version"] = version
	next := run.WithState(s.Approved(d, body))
	if err := o.commit(ctx, run, next, detail); err != nil {
		// The reply is on the ticket. Leave the claim in place so nobody
		// sends it twice; ReleaseStaleClaims frees it if the save never
		// lands.
		return run, fmt.Errorf("pipeline: save approved review: %w", err)
	}
	o.index(ctx, next, next.State.(model.AutoSent))
	return next, nil
}

// Cancel stops a run. A suspended run moves straight to Cancelled. An
// active run is flagged and stops at its next stage boundary, never in the
// middle of a model or helpdesk call; the returned run then still shows its
// current state with CancelRequested set. Terminal runs cannot be
// cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (model.PipelineRun, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("pipeline: load run %s: %w", id, err)
	}

	switch name := run.State.Name(); {
	case name.Terminal():
		return run, fmt.Errorf("%w: run %s is already %s", storage.ErrStaleTransition, id, name)
	case name == model.StateAwaitingReview:
		if err := o.store.ClaimReview(ctx, id, cancelClaimant); err != nil {
			return run, fmt.Errorf("pipeline: claim for cancel: %w", err)
		}
		next := run.WithState(model.Cancel(run.State))
		if err := o.commit(ctx, run, next, nil); err != nil {
			o.release(ctx, run)
			return run, fmt.Errorf("pipeline: save cancel: %w", err)
		}
		return next, nil
	default:
		if err := o.store.RequestCancel(ctx, id); err != nil {
			return run, fmt.Errorf("pipeline: request cancel: %w", err)
		}
		o.runLogger(run).Info("pipeline: cancel requested")
		run.CancelRequested = true
		return run, nil
	}
}

func (o *Orchestrator) release(ctx context.Context, run model.PipelineRun) {
	if err := o.store.ReleaseReview(ctx, run.ID); err != nil {
		o.runLogger(run).Error("pipeline: release review claim", "error", err)
	}
}

// RecoverStalled hands runs left active for longer than stallAfter to
// enqueue, and frees review claims abandoned for as long. It returns the
// number of runs enqueued. enqueue reports false when it has no room; the
// run is then left for the next sweep.
func (o *Orchestrator) RecoverStalled(ctx context.Context, stallAfter time.Duration, limit int, enqueue func(uuid.UUID) bool) (int, error) {
	cutoff := time.Now().Add(-stallAfter)

	released, err := o.store.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pipeline: release stale claims: %w", err)
	}
	if released > 0 {
		o.logger.Warn("pipeline: released abandoned review claims", "count", released)
	}

	ids, err := o.store.ListStalled(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list stalled runs: %w", err)
	}
	n := 0
	for _, id := range ids {
		if !enqueue(id) {
			break
		}
		n++
	}
	if n > 0 {
		o.logger.Info("pipeline: re-enqueued stalled runs", "count", n, "found", len(ids))
	}
	return n, nil
}
