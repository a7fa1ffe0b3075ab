// Package retrieve gathers the context a reply is drafted from: excerpts of
// similar resolved tickets and the customer's history. Retrieval is an
// enrichment; a failing collaborator degrades the result instead of failing
// the run.
package retrieve

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Collaborator names recorded in RetrievedContext.Degraded.
const (
	SourceSimilar = "similar_tickets"
	SourceHistory = "customer_history"
)

// SimilarTickets returns excerpts of prior tickets ranked by relevance.
type SimilarTickets interface {
	Similar(ctx context.Context, t model.TicketRecord, c model.Classification, limit int) ([]string, error)
}

// HistoryStore returns the customer-history record for a requester, or nil
// without error when there is none.
type HistoryStore interface {
	CustomerHistory(ctx context.Context, requesterEmail string) (map[string]string, error)
}

// Retriever queries both collaborators, each under its own deadline.
type Retriever struct {
	similar  SimilarTickets
	history  HistoryStore
	timeout  time.Duration
	limit    int
	logger   *slog.Logger
	degraded metric.Int64Counter
}

// New creates a Retriever. Either collaborator may be nil, in which case that
// part of the context is simply absent.
func New(similar SimilarTickets, history HistoryStore, timeout time.Duration, limit int, logger *slog.Logger) *Retriever {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if limit <= 0 {
		limit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	degraded, _ := telemetry.Meter("kotae/retrieve").Int64Counter("kotae.retrieval.degraded",
		metric.WithDescription("Retrieval collaborator failures that degraded the context"))
	return &Retriever{similar: similar, history: history, timeout: timeout, limit: limit, logger: logger, degraded: degraded}
}

// Retrieve never returns an error. Collaborators run one after the other;
// there is nothing to gain from parallelism at this volume, and sequential
// calls keep the per-call deadline simple.
func (r *Retriever) Retrieve(ctx context.Context, t model.TicketRecord, c model.Classification) model.RetrievedContext {
	out := model.RetrievedContext{}

	if r.similar != nil {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		excerpts, err := r.similar.Similar(callCtx, t, c, r.limit)
		cancel()
		if err != nil {
			r.degrade(ctx, &out, SourceSimilar, t.ID, err)
		} else {
			if len(excerpts) > r.limit {
				excerpts = excerpts[:r.limit]
			}
			out.Excerpts = excerpts
		}
	}

	if r.history != nil && t.RequesterEmail != "" {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		hist, err := r.history.CustomerHistory(callCtx, t.RequesterEmail)
		cancel()
		if err != nil {
			r.degrade(ctx, &out, SourceHistory, t.ID, err)
		} else if len(hist) > 0 {
			out.History = hist
		}
	}
	return out
}

func (r *Retriever) degrade(ctx context.Context, out *model.RetrievedContext, source, ticketID string, err error) {
	out.Degraded = append(out.Degraded, source)
	r.logger.Warn("retrieve: collaborator failed, continuing with degraded context",
		"ticket_id", ticketID, "source", source, "error", err)
	if r.degraded != nil {
		r.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}
