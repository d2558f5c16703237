// Package runner executes long operations off the control path.
//
// A submitted Task runs on a fixed worker pool. The caller receives a Handle
// with a stream of progress tuples and a channel that delivers exactly one
// terminal Result. Pause and cancel are cooperative: tasks observe them only
// when they call Control.Checkpoint, so latency is bounded by one unit of work.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/telemetry"
)

const scopeName = "github.com/randalmurphal/klyve/runner"

// Default pool settings.
const (
	DefaultWorkers        = 2
	DefaultProgressBuffer = 64
	DefaultQueueSize      = 128
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("runner closed")

// ErrQueueFull is returned by Submit when the pending queue is at capacity.
var ErrQueueFull = errors.New("runner queue full")

// Task is a unit of background work.
type Task struct {
	Name string
	// ProjectID scopes published events. Optional.
	ProjectID string
	Run       func(ctx context.Context, c *Control) (any, error)
}

// Progress is one (tag, payload) tuple streamed from a running task. The tag
// set is open-ended; consumers must tolerate tags they do not recognize.
type Progress struct {
	TaskID  string
	Tag     string
	Payload any
	Time    time.Time
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID    string
	Name      string
	Value     any
	Err       error
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

// OK reports whether the task completed without error or cancellation.
func (r Result) OK() bool {
	return r.Err == nil && !r.Cancelled
}

// Runner is a fixed-size worker pool.
type Runner struct {
	workers        int
	progressBuffer int
	queueSize      int
	logger         *slog.Logger
	events         *events.PublishHelper

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram

	queue  chan *Handle
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending map[string]*Handle
}

// New starts a runner with its workers.
func New(opts ...Option) *Runner {
	r := &Runner{
		workers:        DefaultWorkers,
		progressBuffer: DefaultProgressBuffer,
		queueSize:      DefaultQueueSize,
		pending:        make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.workers < 1 {
		r.workers = 1
	}
	if r.progressBuffer < 1 {
		r.progressBuffer = 1
	}
	if r.queueSize < 1 {
		r.queueSize = 1
	}

	r.tracer = telemetry.Tracer(scopeName)
	m := telemetry.Meter(scopeName)
	r.outcomes, _ = m.Int64Counter("klyve.runner.tasks",
		metric.WithDescription("Background tasks finished, by outcome"),
	)
	r.duration, _ = m.Float64Histogram("klyve.runner.task.duration",
		metric.WithDescription("Background task run time in milliseconds"),
		metric.WithUnit("ms"),
	)

	r.queue = make(chan *Handle, r.queueSize)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.g = &errgroup.Group{}
	for i := 0; i < r.workers; i++ {
		r.g.Go(func() error {
			for h := range r.queue {
				r.execute(h)
			}
			return nil
		})
	}
	return r
}

// Submit queues a task and returns its handle. It never blocks.
func (r *Runner) Submit(t Task) (*Handle, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("task %q has no run function", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	h := newHandle(uuid.NewString(), t, r.progressBuffer, r.events)
	select {
	case r.queue <- h:
	default:
		return nil, ErrQueueFull
	}
	r.pending[h.id] = h
	r.logger.Debug("task queued", "task", t.Name, "id", h.id)
	return h, nil
}

// Close cancels queued and running tasks and waits for workers to exit or
// ctx to expire. Running tasks still finish their current unit of work.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, h := range r.pending {
		h.Cancel()
	}
	close(r.queue)
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.g.Wait() }()
	select {
	case err := <-done:
		r.cancel()
		return err
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *Runner) execute(h *Handle) {
	defer func() {
		r.mu.Lock()
		delete(r.pending, h.id)
		r.mu.Unlock()
	}()

	started := time.Now()
	res := Result{TaskID: h.id, Name: h.task.Name, Started: started}

	if h.cancelRequested() {
		res.Cancelled = true
		res.Err = kerrors.ErrCancelled(h.task.Name)
		res.Finished = time.Now()
		r.record(h, res)
		h.deliver(res)
		return
	}

	ctx, span := r.tracer.Start(r.ctx, "task."+h.task.Name,
		trace.WithAttributes(attribute.String("klyve.task.id", h.id)))
	res.Value, res.Err = r.invoke(ctx, h)
	res.Finished = time.Now()

	if res.Err != nil && h.cancelRequested() &&
		(kerrors.HasCode(res.Err, kerrors.CodeUserCancelled) || errors.Is(res.Err, context.Canceled)) {
		res.Cancelled = true
	}
	switch {
	case res.Cancelled:
		span.SetAttributes(attribute.Bool("klyve.task.cancelled", true))
	case res.Err != nil:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.End()

	// Events go out before the result so a waiter sees them buffered.
	r.record(h, res)
	h.deliver(res)
}

// invoke runs the task, converting a panic into a failure.
func (r *Runner) invoke(ctx context.Context, h *Handle) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "task", h.task.Name, "id", h.id, "panic", p)
			err = fmt.Errorf("task %s panicked: %v", h.task.Name, p)
		}
	}()
	return h.task.Run(ctx, &Control{h: h})
}

func (r *Runner) record(h *Handle, res Result) {
	outcome := "success"
	switch {
	case res.Cancelled:
		outcome = "cancelled"
	case res.Err != nil:
		outcome = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("task", res.Name), attribute.String("outcome", outcome))
	r.outcomes.Add(r.ctx, 1, attrs)
	r.duration.Record(r.ctx, float64(res.Finished.Sub(res.Started).Milliseconds()), attrs)

	r.logger.Info("task finished", "task", res.Name, "id", res.TaskID, "outcome", outcome,
		"duration", res.Finished.Sub(res.Started))
	if r.events != nil {
		tr := events.TaskResult{TaskID: res.TaskID, Name: res.Name, Cancelled: res.Cancelled}
		if res.Err != nil && !res.Cancelled {
			tr.Error = res.Err.Error()
		}
		r.events.TaskDone(h.task.ProjectID, tr)
	}
}
