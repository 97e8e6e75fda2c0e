// Package dispatch runs the worker pool that drains the broker queue and
// hands each popped task id to the Task Processor. It is the concurrency
// shell around process.Processor.Process, generalized from the reference
// engine's runConcurrent worker fan-out: a fixed number of goroutines each
// loop blocking-pop -> process -> repeat, until the context is cancelled.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskflowhq/taskengine/broker"
	"github.com/taskflowhq/taskengine/emit"
	"github.com/taskflowhq/taskengine/metrics"
	"github.com/taskflowhq/taskengine/process"
)

// defaultPopTimeout bounds each BlockingPop call so a worker revisits its
// shutdown check instead of blocking on the queue forever.
const defaultPopTimeout = 2 * time.Second

// Processor is the subset of process.Processor the Dispatcher depends on,
// narrowed for testability.
type Processor interface {
	Process(ctx context.Context, taskID string) error
}

var _ Processor = (*process.Processor)(nil)

// Option configures optional Dispatcher collaborators.
type Option func(*Dispatcher)

func WithEmitter(e emit.Emitter) Option {
	return func(d *Dispatcher) { d.emitter = e }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithTaskDeadline bounds each individual Process call. The default, zero,
// means no per-task deadline is imposed beyond the run context's own.
func WithTaskDeadline(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.taskDeadline = d }
}

// WithPopTimeout overrides how long a worker blocks on an empty queue
// before re-checking for shutdown. Mostly useful in tests.
func WithPopTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.popTimeout = d }
}

// Dispatcher owns a fixed pool of worker goroutines, each repeating:
// pop a task id from the queue, process it, repeat. Workers are
// independent — one worker's Process error never stops the others.
type Dispatcher struct {
	queue     broker.Queue
	processor Processor
	workers   int

	taskDeadline time.Duration
	popTimeout   time.Duration

	emitter emit.Emitter
	metrics *metrics.Collector
	tracer  trace.Tracer

	inflight atomic.Int32
}

// New builds a Dispatcher with the given worker count. workers must be >=
// 1; New clamps anything smaller to 1 rather than returning an error, since
// a Dispatcher with zero workers is simply a deployment mistake worth
// surfacing as dead-slow processing, not a panic at construction.
func New(queue broker.Queue, processor Processor, workers int, opts ...Option) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		popTimeout: defaultPopTimeout,
		emitter:    emit.NullEmitter{},
		tracer:     noop.NewTracerProvider().Tracer("taskflow/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled, then waits
// for every in-flight Process call to finish before returning. Run never
// returns a non-nil error on graceful shutdown; it only returns errors for
// conditions that abort startup, which today is none, so it always returns
// nil. The signature returns error to match the Engine Orchestrator's
// lifecycle contract and to leave room for a future startup precondition.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.runWorker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := d.queue.BlockingPop(ctx, d.popTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.emitter.Emit(emit.Event{
				Phase: "dispatch_pop_error",
				Msg:   "queue pop failed",
				Meta:  map[string]any{"worker_id": workerID, "error": err.Error()},
			})
			continue
		}

		d.processOne(ctx, msg)
	}
}

func (d *Dispatcher) processOne(ctx context.Context, msg broker.Message) {
	n := d.inflight.Add(1)
	defer func() {
		m := d.inflight.Add(-1)
		if d.metrics != nil {
			d.metrics.SetInflightTasks(int(m))
		}
	}()
	if d.metrics != nil {
		d.metrics.SetInflightTasks(int(n))
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if d.taskDeadline > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, d.taskDeadline)
		defer cancel()
	}

	taskCtx, span := d.tracer.Start(taskCtx, "dispatch.process")
	span.SetAttributes(
		attribute.String("workflow_id", msg.WorkflowID),
		attribute.String("task_id", msg.TaskID),
	)
	defer span.End()

	err := d.processor.Process(taskCtx, msg.TaskID)

	if err == nil {
		return
	}

	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)

	outcome := classify(err)
	d.emitter.Emit(emit.Event{
		WorkflowID: msg.WorkflowID,
		TaskID:     msg.TaskID,
		Phase:      "dispatch_error",
		Msg:        fmt.Sprintf("process failed: %s", outcome),
		Meta:       map[string]any{"error": err.Error(), "classification": outcome},
	})
}

// classify labels a Process error for logging/alerting. It never changes
// control flow: every error here has already been treated as non-fatal by
// Process returning it rather than panicking, so classification is purely
// informational.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "processor_error"
	}
}

// Inflight reports how many Process calls are currently running across all
// workers. Safe for concurrent use.
func (d *Dispatcher) Inflight() int {
	return int(d.inflight.Load())
}
