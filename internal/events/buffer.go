// Package events carries run lifecycle events from the pipeline to their
// destinations: the run-event table and, when configured, a Kafka topic.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events. When it is
// reached, Append refuses new events.
const maxBufferCapacity = 100_000

// ErrBufferFull is returned by Append when the buffer is at capacity.
var ErrBufferFull = errors.New("events: buffer at capacity")

// Buffer accumulates events in memory and writes them to a Sink when either
// the buffer size or the flush timeout is reached. Append never blocks on
// I/O, so the pipeline can emit events from its transition path.
type Buffer struct {
	sink         Sink
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu       sync.Mutex
	events   []model.RunEvent
	drainCtx context.Context // set by Drain so the final flush respects the caller's deadline

	started       atomic.Bool
	droppedEvents atomic.Int64 // total events dropped due to capacity after flush failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// NewBuffer creates a new event buffer.
func NewBuffer(sink Sink, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 250 * time.Millisecond
	}
	return &Buffer{
		sink:         sink,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. A second
// call is a no-op. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("events: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append adds an event to the buffer.
func (b *Buffer) Append(ev model.RunEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) >= maxBufferCapacity {
		return fmt.Errorf("%w (%d events)", ErrBufferFull, len(b.events))
	}
	b.events = append(b.events, ev)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done, so the final flush needs its own context.
			b.mu.Lock()
			drainCtx := b.drainCtx
			b.mu.Unlock()
			if drainCtx != nil {
				b.flush(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.sink.Write(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("events: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("events: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("events: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds both the wait and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	if !b.started.Load() {
		return
	}
	b.mu.Lock()
	b.drainCtx = ctx
	b.mu.Unlock()
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("events: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable gauges for buffer health. Called from
// Start after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kotae/events")

	_, _ = meter.Int64ObservableGauge("kotae.events.buffer_depth",
		metric.WithDescription("Current number of run events waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kotae.events.dropped_total",
		metric.WithDescription("Total run events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity is the number of events the buffer holds before Append refuses.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// DroppedEvents returns the total number of events dropped after flush
// failures. A non-zero value means events were lost.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
