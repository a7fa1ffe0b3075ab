// Package pipeline runs tickets through classify, retrieve, draft and the
// escalation gate, persisting every state so a run can be resumed by a
// reviewer or picked up again after a crash.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kotae/internal/escalation"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Store persists runs. Implementations must make SaveTransition atomic with
// respect to the stored state so two workers can never both advance a run.
type Store interface {
	CreateRun(ctx context.Context, run model.PipelineRun) error
	GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error)

	// SaveTransition writes run in its new state if the stored state is
	// still from. While a cancel is requested only terminal targets are
	// accepted. A failed guard returns storage.ErrStaleTransition.
	SaveTransition(ctx context.Context, run model.PipelineRun, from model.StateName) error

	// RequestCancel flags an active run for cancellation at its next stage
	// boundary. It returns storage.ErrStaleTransition when the run is not
	// active.
	RequestCancel(ctx context.Context, id uuid.UUID) error

	// ClaimReview marks an AwaitingReview run as being resumed by claimant.
	// Exactly one concurrent claim succeeds; the rest get
	// storage.ErrStaleTransition.
	ClaimReview(ctx context.Context, id uuid.UUID, claimant string) error
	ReleaseReview(ctx context.Context, id uuid.UUID) error

	// ListStalled returns active runs not updated since before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)

	// ReleaseStaleClaims frees review claims taken before the cutoff by a
	// process that never finished them.
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int64, error)
}

// TicketSource is the helpdesk adapter. Apply is the only call in the
// pipeline that mutates anything outside the run store.
type TicketSource interface {
	Fetch(ctx context.Context, ticketID string) (model.TicketRecord, string, error)
	Apply(ctx context.Context, ticketID string, u model.TicketUpdate, stamp string) (string, error)
}

// Classifier assigns intent and urgency.
type Classifier interface {
	Classify(ctx context.Context, t model.TicketRecord) (model.Classification, error)
}

// Retriever gathers drafting context. It never fails; collaborator outages
// are reported in the result's Degraded list.
type Retriever interface {
	Retrieve(ctx context.Context, t model.TicketRecord, c model.Classification) model.RetrievedContext
}

// Drafter writes a candidate reply.
type Drafter interface {
	Draft(ctx context.Context, t model.TicketRecord, c model.Classification, rc model.RetrievedContext) (model.Draft, error)
}

// Gate decides what happens to a draft and supplies the policy the ticket
// update is built from.
type Gate interface {
	Decide(ctx context.Context, d model.Draft, c model.Classification) (model.Decision, *escalation.Policy)
	Policy() *escalation.Policy
}

// EventSink receives one event per committed transition. Append must not
// block on I/O.
type EventSink interface {
	Append(ev model.RunEvent) error
}

// Indexer records a resolved ticket and its reply for future retrieval.
type Indexer interface {
	IndexResolved(ctx context.Context, t model.TicketRecord, c *model.Classification, reply string) error
}

// Deps are the collaborators of an Orchestrator. Events and Indexer are
// optional.
type Deps struct {
	Store      Store
	Source     TicketSource
	Classifier Classifier
	Retriever  Retriever
	Drafter    Drafter
	Gate       Gate
	Events     EventSink
	Indexer    Indexer
	Logger     *slog.Logger

	// StageRetries is how many extra times a stage that exhausted its
	// in-stage retries is attempted before the run is escalated.
	StageRetries int
}

// Orchestrator drives runs through the state machine.
type Orchestrator struct {
	store        Store
	source       TicketSource
	classifier   Classifier
	retriever    Retriever
	drafter      Drafter
	gate         Gate
	events       EventSink
	indexer      Indexer
	logger       *slog.Logger
	stageRetries int

	tracer        trace.Tracer
	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	meter := telemetry.Meter("kotae/pipeline")
	runs, _ := meter.Int64Counter("kotae.pipeline.runs",
		metric.WithDescription("Runs reaching a terminal or suspended state"))
	stageDuration, _ := meter.Float64Histogram("kotae.pipeline.stage.duration",
		metric.WithDescription("Wall time spent in each pipeline stage"),
		metric.WithUnit("ms"))

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:         d.Store,
		source:        d.Source,
		classifier:    d.Classifier,
		retriever:     d.Retriever,
		drafter:       d.Drafter,
		gate:          d.Gate,
		events:        d.Events,
		indexer:       d.Indexer,
		logger:        logger,
		stageRetries:  max(d.StageRetries, 0),
		tracer:        telemetry.Tracer("kotae/pipeline"),
		runs:          runs,
		stageDuration: stageDuration,
	}
}

// commit persists next as a transition from prev and emits its event.
func (o *Orchestrator) commit(ctx context.Context, prev, next model.PipelineRun, detail map[string]any) error {
	from := prev.State.Name()
	if err := o.store.SaveTransition(ctx, next, from); err != nil {
		return err
	}

	to := next.State.Name()
	log := o.runLogger(next)
	log.Info("pipeline: transition", "from", from, "to", to)

	if to.Terminal() || to == model.StateAwaitingReview {
		if o.runs != nil {
			o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(to))))
		}
	}
	if o.events != nil {
		if err := o.events.Append(model.NewRunEvent(next, from, detail)); err != nil {
			log.Warn("pipeline: event dropped", "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) runLogger(run model.PipelineRun) *slog.Logger {
	return o.logger.With("run_id", run.ID, "ticket_id", run.TicketID, "state", run.State.Name())
}

func (o *Orchestrator) observeStage(ctx context.Context, stage string, start time.Time) {
	if o.stageDuration == nil {
		return
	}
	o.stageDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("stage", stage)))
}
