package runner

import (
	"context"
	"sync"
	"time"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
)

// Handle is the caller's view of a submitted task.
type Handle struct {
	id     string
	task   Task
	events *events.PublishHelper

	progress chan Progress
	done     chan Result
	once     sync.Once

	mu        sync.Mutex
	paused    bool
	wake      chan struct{}
	cancelled bool
	cancelCh  chan struct{}
	finished  bool
	dropped   int
}

func newHandle(id string, t Task, buffer int, ev *events.PublishHelper) *Handle {
	return &Handle{
		id:       id,
		task:     t,
		events:   ev,
		progress: make(chan Progress, buffer),
		done:     make(chan Result, 1),
		cancelCh: make(chan struct{}),
	}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Name returns the task name.
func (h *Handle) Name() string { return h.task.Name }

// Progress returns the progress stream. It closes after the result is
// delivered. Sends never block the task: when the buffer is full the tuple
// is dropped.
func (h *Handle) Progress() <-chan Progress { return h.progress }

// Done delivers exactly one Result and then closes.
func (h *Handle) Done() <-chan Result { return h.done }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case res, ok := <-h.done:
		if !ok {
			return Result{}, kerrors.ErrPrecondition("wait for task "+h.task.Name, "result already consumed")
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Pause asks the task to block at its next checkpoint.
func (h *Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused || h.finished {
		return
	}
	h.paused = true
	h.wake = make(chan struct{})
}

// Resume releases a paused task.
func (h *Handle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return
	}
	h.paused = false
	close(h.wake)
}

// Paused reports whether a pause is in effect.
func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Cancel asks the task to stop at its next checkpoint. A paused task is
// released so it can observe the cancellation.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	close(h.cancelCh)
}

// Dropped returns how many progress tuples were discarded on a full buffer.
func (h *Handle) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Handle) cancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) report(tag string, payload any) {
	p := Progress{TaskID: h.id, Tag: tag, Payload: payload, Time: time.Now()}

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	select {
	case h.progress <- p:
	default:
		h.dropped++
	}
	h.mu.Unlock()

	h.events.Progress(h.task.ProjectID, h.id, tag, payload)
}

// deliver sends the single terminal result and closes both channels.
func (h *Handle) deliver(res Result) {
	h.once.Do(func() {
		h.mu.Lock()
		h.finished = true
		close(h.progress)
		h.mu.Unlock()

		h.done <- res
		close(h.done)
	})
}

// Control is the task's side of the handle.
type Control struct {
	h *Handle
}

// TaskID returns the id of the running task.
func (c *Control) TaskID() string { return c.h.id }

// Report streams a progress tuple to the caller.
func (c *Control) Report(tag string, payload any) {
	c.h.report(tag, payload)
}

// Checkpoint marks a safe point between units of work. It returns a
// cancellation error once Cancel was called, and blocks while the task is
// paused.
func (c *Control) Checkpoint(ctx context.Context) error {
	h := c.h
	reportedPause := false
	for {
		h.mu.Lock()
		cancelled, paused, wake := h.cancelled, h.paused, h.wake
		h.mu.Unlock()

		if cancelled {
			return kerrors.ErrCancelled(h.task.Name)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !paused {
			if reportedPause {
				c.Report("resumed", nil)
			}
			return nil
		}
		if !reportedPause {
			c.Report("paused", nil)
			reportedPause = true
		}

		select {
		case <-wake:
		case <-h.cancelCh:
		case <-ctx.Done():
		}
	}
}

// Cancelled reports whether cancellation was requested, without blocking.
func (c *Control) Cancelled() bool {
	return c.h.cancelRequested()
}
