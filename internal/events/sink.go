package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/kotae/internal/model"
)

// Sink is a destination for flushed event batches. A Sink that returns an
// error gets the same batch again on the next flush.
type Sink interface {
	Write(ctx context.Context, events []model.RunEvent) error
}

// EventStore persists events; both storage backends implement it.
type EventStore interface {
	InsertEvents(ctx context.Context, events []model.RunEvent) (int64, error)
}

// StoreSink writes batches to the run-event table.
type StoreSink struct {
	store EventStore
}

// NewStoreSink wraps an EventStore.
func NewStoreSink(store EventStore) *StoreSink {
	return &StoreSink{store: store}
}

// Write inserts the batch.
func (s *StoreSink) Write(ctx context.Context, events []model.RunEvent) error {
	n, err := s.store.InsertEvents(ctx, events)
	if err != nil {
		return err
	}
	if int(n) != len(events) {
		return fmt.Errorf("events: inserted %d of %d events", n, len(events))
	}
	return nil
}

// MultiSink fans a batch out to a primary sink and any number of secondary
// sinks. Only the primary's failure is returned, so a retried batch is never
// written to the primary twice. Secondaries see a batch only after the
// primary accepted it; their failures are logged and the batch is not
// retried for them.
type MultiSink struct {
	primary   Sink
	secondary []Sink
	logger    *slog.Logger
}

// NewMultiSink creates a MultiSink. Nil secondaries are ignored.
func NewMultiSink(primary Sink, logger *slog.Logger, secondary ...Sink) *MultiSink {
	m := &MultiSink{primary: primary, logger: logger}
	for _, s := range secondary {
		if s != nil {
			m.secondary = append(m.secondary, s)
		}
	}
	return m
}

// Write writes to the primary, then to each secondary.
func (m *MultiSink) Write(ctx context.Context, events []model.RunEvent) error {
	if err := m.primary.Write(ctx, events); err != nil {
		return err
	}
	var errs []error
	for _, s := range m.secondary {
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("events: secondary sink failed", "error", err, "batch_size", len(events))
	}
	return nil
}
