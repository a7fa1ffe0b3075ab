package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Execute advances a run from its persisted state until it is suspended,
// terminal, or ctx ends. A run interrupted by ctx keeps its last committed
// state and is picked up again by RecoverStalled, since every state carries
// the inputs of the stage that follows it.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID) (model.PipelineRun, error) {
	run, err := o.store.GetRun(ctx, id)
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("pipeline: load run %s: %w", id, err)
	}

	for run.State.Name().Active() {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if run.CancelRequested {
			next := run.WithState(model.Cancel(run.State))
			if err := o.commit(ctx, run, next, nil); err != nil {
				return o.reconcile(ctx, run, err)
			}
			return next, nil
		}

		next, detail, err := o.step(ctx, run)
		if err != nil {
			return run, err
		}
		if err := o.commit(ctx, run, next, detail); err != nil {
			fresh, rerr := o.reconcile(ctx, run, err)
			if rerr != nil || !fresh.CancelRequested || fresh.State.Name() != run.State.Name() {
				return fresh, rerr
			}
			// Cancel arrived while the stage ran; the loop turns it into
			// a Cancelled transition from the same state.
			run = fresh
			continue
		}
		run = next
		if sent, ok := run.State.(model.AutoSent); ok {
			o.index(ctx, run, sent)
		}
	}
	return run, nil
}

// reconcile reloads a run after a failed commit. A stale transition is not
// an error for the caller: someone else owns the run now.
func (o *Orchestrator) reconcile(ctx context.Context, run model.PipelineRun, commitErr error) (model.PipelineRun, error) {
	if !errors.Is(commitErr, storage.ErrStaleTransition) {
		return run, fmt.Errorf("pipeline: save run %s: %w", run.ID, commitErr)
	}
	fresh, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		return run, fmt.Errorf("pipeline: reload run %s: %w", run.ID, err)
	}
	if !fresh.CancelRequested || fresh.State.Name() != run.State.Name() {
		o.runLogger(fresh).Info("pipeline: run advanced elsewhere", "expected", run.State.Name())
	}
	return fresh, nil
}

// step runs the stage for the run's current state and returns the run in
// its next state. An error means ctx ended mid-stage and nothing should be
// committed.
func (o *Orchestrator) step(ctx context.Context, run model.PipelineRun) (model.PipelineRun, map[string]any, error) {
	switch s := run.State.(type) {
	case model.Received:
		return o.receive(ctx, run, s)
	case model.Classifying:
		return o.classify(ctx, run, s)
	case model.Retrieving:
		return o.retrieve(ctx, run, s)
	case model.Drafting:
		return o.draft(ctx, run, s)
	case model.Deciding:
		return o.decide(ctx, run, s)
	default:
		return run, nil, fmt.Errorf("pipeline: no stage for state %s", run.State.Name())
	}
}

func (o *Orchestrator) startStage(ctx context.Context, run model.PipelineRun, stage string) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, "pipeline."+stage, telemetry.RunAttrs(run.ID.String(), run.TicketID))
	start := time.Now()
	return ctx, func(err error) {
		o.observeStage(ctx, stage, start)
		telemetry.EndSpan(span, err)
	}
}

func (o *Orchestrator) receive(ctx context.Context, run model.PipelineRun, s model.Received) (model.PipelineRun, map[string]any, error) {
	if err := s.Ticket.Validate(); err != nil {
		return run.WithState(model.Fail(s, model.ReasonFor(err), err.Error())), nil, nil
	}
	if run.TicketVersion != "" || o.source == nil {
		return run.WithState(s.Begin()), nil, nil
	}

	ctx, end := o.startStage(ctx, run, "fetch")
	_, version, err := o.source.Fetch(ctx, run.TicketID)
	end(err)

	var notFound *model.NotFoundError
	switch {
	case err == nil:
		run.TicketVersion = version
	case errors.As(err, &notFound):
		return run.WithState(model.Fail(s, model.ReasonNotFound, err.Error())), nil, nil
	case ctx.Err() != nil:
		return run, nil, ctx.Err()
	default:
		o.runLogger(run).Warn("pipeline: concurrency stamp unavailable, ticket update will be unguarded", "error", err)
	}
	return run.WithState(s.Begin()), nil, nil
}

func (o *Orchestrator) classify(ctx context.Context, run model.PipelineRun, s model.Classifying) (model.PipelineRun, map[string]any, error) {
	ctx, end := o.startStage(ctx, run, "classify")
	var c model.Classification
	err := o.retryStage(ctx, run, "classify", func() error {
		var err error
		c, err = o.classifier.Classify(ctx, s.Ticket)
		return err
	})
	end(err)

	var (
		invalid     *model.InvalidInputError
		unavailable *model.ClassificationUnavailableError
	)
	switch {
	case err == nil:
		detail := map[string]any{"intent": c.Intent, "urgency": c.Urgency}
		if len(c.Coerced) > 0 {
			detail["coerced"] = c.Coerced
		}
		return run.WithState(s.Classified(c)), detail, nil
	case ctx.Err() != nil:
		return run, nil, ctx.Err()
	case errors.As(err, &invalid):
		return run.WithState(model.Fail(s, model.ReasonInvalidInput, err.Error())), nil, nil
	case errors.As(err, &unavailable):
		return run.WithState(s.Escalate(model.ReasonClassificationUnavailable)), map[string]any{"error": err.Error()}, nil
	default:
		return run.WithState(model.Fail(s, model.ReasonInternal, err.Error())), nil, nil
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, run model.PipelineRun, s model.Retrieving) (model.PipelineRun, map[string]any, error) {
	ctx, end := o.startStage(ctx, run, "retrieve")
	rc := o.retriever.Retrieve(ctx, s.Ticket, s.Classification)
	end(nil)
	if ctx.Err() != nil {
		// A cut-short retrieval would look degraded; redo it on recovery.
		return run, nil, ctx.Err()
	}

	detail := map[string]any{"excerpts": len(rc.Excerpts), "history": rc.History != nil}
	if len(rc.Degraded) > 0 {
		detail["degraded"] = rc.Degraded
	}
	return run.WithState(s.Retrieved(rc)), detail, nil
}

func (o *Orchestrator) draft(ctx context.Context, run model.PipelineRun, s model.Drafting) (model.PipelineRun, map[string]any, error) {
	ctx, end := o.startStage(ctx, run, "draft")
	var d model.Draft
	err := o.retryStage(ctx, run, "draft", func() error {
		var err error
		d, err = o.drafter.Draft(ctx, s.Ticket, s.Classification, s.Context)
		return err
	})
	end(err)

	var unavailable *model.DraftGenerationError
	switch {
	case err == nil:
		return run.WithState(s.Drafted(d)), map[string]any{"confidence": d.Confidence, "needs_human_review": d.NeedsHumanReview}, nil
	case ctx.Err() != nil:
		return run, nil, ctx.Err()
	case errors.As(err, &unavailable):
		return run.WithState(s.Escalate(model.ReasonDraftUnavailable)), map[string]any{"error": err.Error()}, nil
	default:
		return run.WithState(model.Fail(s, model.ReasonFor(err), err.Error())), nil, nil
	}
}

func (o *Orchestrator) decide(ctx context.Context, run model.PipelineRun, s model.Deciding) (model.PipelineRun, map[string]any, error) {
	ctx, end := o.startStage(ctx, run, "decide")
	dec, policy := o.gate.Decide(ctx, s.Draft, s.Classification)
	detail := map[string]any{
		"decision":      dec,
		"confidence":    s.Draft.Confidence,
		"policy":        policy.Version,
		"auto_send_at":  policy.Thresholds.AutoSend,
		"review_at":     policy.Thresholds.Review,
		"human_flagged": s.Draft.NeedsHumanReview,
	}

	switch dec {
	case model.DecisionReject:
		end(nil)
		return run.WithState(s.Reject(model.ReasonLowConfidence)), detail, nil
	case model.DecisionQueueForReview:
		end(nil)
		return run.WithState(s.Queue(dec, model.ReasonNeedsReview)), detail, nil
	}

	// Last chance to honour a cancel before the ticket is touched.
	fresh, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		end(err)
		return run, nil, fmt.Errorf("pipeline: reload run %s before apply: %w", run.ID, err)
	}
	if fresh.CancelRequested {
		end(nil)
		return run.WithState(model.Cancel(s)), map[string]any{"decision": dec}, nil
	}

	c := s.Classification
	update := policy.BuildUpdate(s.Ticket, &c, s.Draft.Body, false)
	version, err := o.source.Apply(ctx, run.TicketID, update, run.TicketVersion)
	end(err)
	if err != nil {
		return o.applyFailed(ctx, run, s, dec, detail, err)
	}
	detail["ticket_version"] = version
	return run.WithState(s.Sent()), detail, nil
}

// applyFailed routes a failed AutoSend update. Conflict and not-found fail
// the run; anything else parks it for a human so the reply is not lost.
func (o *Orchestrator) applyFailed(ctx context.Context, run model.PipelineRun, s model.Deciding, dec model.Decision, detail map[string]any, err error) (model.PipelineRun, map[string]any, error) {
	detail["error"] = err.Error()
	var (
		conflict *model.ConflictError
		notFound *model.NotFoundError
		invalid  *model.InvalidInputError
	)
	switch {
	case errors.As(err, &conflict), errors.As(err, &notFound), errors.As(err, &invalid):
		return run.WithState(model.Fail(s, model.ReasonFor(err), err.Error())), detail, nil
	case ctx.Err() != nil:
		// The update may or may not have landed. Recovery re-applies under
		// the same stamp, so a landed update ends in conflict, not a
		// second reply.
		return run, nil, ctx.Err()
	default:
		o.runLogger(run).Warn("pipeline: ticket update failed, queueing for review", "error", err)
		return run.WithState(s.Queue(dec, model.ReasonDeliveryFailed)), detail, nil
	}
}

// retryStage runs fn, retrying StageRetries more times when it fails with
// a stage-unavailable error.
func (o *Orchestrator) retryStage(ctx context.Context, run model.PipelineRun, stage string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= o.stageRetries; attempt++ {
		if err = fn(); err == nil || ctx.Err() != nil || !stageUnavailable(err) {
			return err
		}
		if attempt < o.stageRetries {
			o.runLogger(run).Warn("pipeline: stage unavailable, retrying", "stage", stage, "attempt", attempt+1, "error", err)
		}
	}
	return err
}

func stageUnavailable(err error) bool {
	var (
		c *model.ClassificationUnavailableError
		d *model.DraftGenerationError
	)
	return errors.As(err, &c) || errors.As(err, &d)
}

func (o *Orchestrator) index(ctx context.Context, run model.PipelineRun, s model.AutoSent) {
	if o.indexer == nil {
		return
	}
	if err := o.indexer.IndexResolved(ctx, s.Ticket, s.Classification, s.SentBody); err != nil {
		o.runLogger(run).Warn("pipeline: index resolved ticket failed", "error", err)
	}
}
