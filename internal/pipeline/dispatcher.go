package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// Runner executes one run to its next resting state.
type Runner interface {
	Execute(ctx context.Context, id uuid.UUID) (model.PipelineRun, error)
}

// Dispatcher executes runs on a fixed pool of workers fed by a bounded
// queue. Runs are independent; no ordering between them is kept. A run ID
// already queued or executing is not queued again.
type Dispatcher struct {
	runner  Runner
	logger  *slog.Logger
	workers int
	queue   chan uuid.UUID

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}

	orch          *Orchestrator
	sweepInterval time.Duration
	stallAfter    time.Duration

	started    atomic.Bool
	closed     atomic.Bool
	stopLoop   context.CancelFunc
	cancelRuns context.CancelFunc
	group      errgroup.Group
}

// NewDispatcher creates a dispatcher with the given pool and queue sizes.
func NewDispatcher(runner Runner, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		runner:  runner,
		logger:  logger,
		workers: max(workers, 1),
		queue:   make(chan uuid.UUID, max(queueSize, 1)),
		pending: make(map[uuid.UUID]struct{}),
	}
}

// WithRecovery makes the dispatcher sweep for stalled runs once at start and
// then every interval, queueing those idle for longer than stallAfter.
func (d *Dispatcher) WithRecovery(o *Orchestrator, interval, stallAfter time.Duration) *Dispatcher {
	d.orch, d.sweepInterval, d.stallAfter = o, interval, stallAfter
	return d
}

// Start launches the workers. Runs execute under a context detached from
// ctx so that stopping intake does not abort a stage midway; Drain decides
// when in-flight runs are cut short.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("dispatcher: Start called more than once, ignoring")
		return
	}
	d.registerMetrics()

	loopCtx, stop := context.WithCancel(ctx)
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	d.stopLoop, d.cancelRuns = stop, cancelRuns

	for range d.workers {
		d.group.Go(func() error {
			d.work(loopCtx, runCtx)
			return nil
		})
	}
	if d.orch != nil && d.sweepInterval > 0 {
		d.group.Go(func() error {
			d.sweep(loopCtx)
			return nil
		})
	}
}

// Enqueue schedules a run. It returns false when the queue is full or the
// dispatcher is draining; the run stays persisted and recovery picks it up.
func (d *Dispatcher) Enqueue(id uuid.UUID) bool {
	if d.closed.Load() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; ok {
		return true
	}
	select {
	case d.queue <- id:
		d.pending[id] = struct{}{}
		return true
	default:
		return false
	}
}

// Depth returns the number of runs queued or executing.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Drain stops intake and waits for in-flight runs. If ctx expires first the
// in-flight runs are cancelled; they keep their last committed state. Queued
// runs that never started are left for recovery on the next start.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.closed.Store(true)
	if d.stopLoop == nil {
		return
	}
	d.stopLoop()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher: drain timed out, cancelling in-flight runs")
		d.cancelRuns()
		<-done
	}
	d.cancelRuns()
}

func (d *Dispatcher) work(loopCtx, runCtx context.Context) {
	for {
		select {
		case <-loopCtx.Done():
			return
		case id := <-d.queue:
			if loopCtx.Err() != nil {
				d.forget(id)
				return
			}
			d.execute(runCtx, id)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, id uuid.UUID) {
	defer d.forget(id)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher: run panicked", "run_id", id, "panic", r)
		}
	}()

	run, err := d.runner.Execute(ctx, id)
	if err != nil {
		d.logger.Error("dispatcher: run interrupted", "run_id", id, "error", err)
		return
	}
	d.logger.Debug("dispatcher: run settled", "run_id", id, "state", run.State.Name())
}

func (d *Dispatcher) forget(id uuid.UUID) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := d.orch.RecoverStalled(sweepCtx, d.stallAfter, cap(d.queue), d.Enqueue); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher: recovery sweep failed", "error", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) registerMetrics() {
	meter := telemetry.Meter("kotae/pipeline")
	_, _ = meter.Int64ObservableGauge("kotae.dispatcher.queue_depth",
		metric.WithDescription("Runs queued or executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.Depth()))
			return nil
		}),
	)
}
