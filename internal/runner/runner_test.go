package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
)

func newRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	r := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestSubmit_SuccessDeliversOnce(t *testing.T) {
	r := newRunner(t)

	h, err := r.Submit(Task{Name: "sum", Run: func(ctx context.Context, c *Control) (any, error) {
		for i := 1; i <= 3; i++ {
			c.Report("step", i)
		}
		return 6, nil
	}})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.True(t, res.OK())
	assert.Equal(t, 6, res.Value)
	assert.Equal(t, h.ID(), res.TaskID)
	assert.False(t, res.Finished.Before(res.Started))

	// Exactly one result: the channel is closed after delivery.
	_, ok := <-h.Done()
	assert.False(t, ok)

	var tags []string
	for p := range h.Progress() {
		tags = append(tags, p.Tag)
	}
	assert.Equal(t, []string{"step", "step", "step"}, tags)
}

func TestSubmit_FailureAndPanic(t *testing.T) {
	r := newRunner(t)
	boom := errors.New("boom")

	h1, err := r.Submit(Task{Name: "fail", Run: func(ctx context.Context, c *Control) (any, error) {
		return nil, boom
	}})
	require.NoError(t, err)
	res := waitResult(t, h1)
	assert.ErrorIs(t, res.Err, boom)
	assert.False(t, res.Cancelled)

	h2, err := r.Submit(Task{Name: "panic", Run: func(ctx context.Context, c *Control) (any, error) {
		panic("kaboom")
	}})
	require.NoError(t, err)
	res = waitResult(t, h2)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "kaboom")
}

func TestSubmit_RejectsNilRun(t *testing.T) {
	r := newRunner(t)
	_, err := r.Submit(Task{Name: "empty"})
	assert.Error(t, err)
}

func TestCancel_ObservedAtCheckpoint(t *testing.T) {
	r := newRunner(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var units atomic.Int32

	h, err := r.Submit(Task{Name: "loop", Run: func(ctx context.Context, c *Control) (any, error) {
		for i := 0; i < 100; i++ {
			if err := c.Checkpoint(ctx); err != nil {
				return int(units.Load()), err
			}
			if i == 0 {
				close(started)
				<-release
			}
			units.Add(1)
		}
		return 100, nil
	}})
	require.NoError(t, err)

	<-started
	h.Cancel()
	close(release)

	res := waitResult(t, h)
	assert.True(t, res.Cancelled)
	assert.True(t, kerrors.HasCode(res.Err, kerrors.CodeUserCancelled))
	// The in-flight unit finishes before cancellation is honored.
	assert.Equal(t, int32(1), units.Load())
}

func TestCancel_ReturnNilAfterCancelIsSuccess(t *testing.T) {
	r := newRunner(t)
	gate := make(chan struct{})
	h, err := r.Submit(Task{Name: "last-unit", Run: func(ctx context.Context, c *Control) (any, error) {
		<-gate
		return "done", nil
	}})
	require.NoError(t, err)
	h.Cancel()
	close(gate)

	res := waitResult(t, h)
	// Either it never started (cancelled) or it finished its only unit.
	if !res.Cancelled {
		assert.Equal(t, "done", res.Value)
	}
}

func TestPauseResume(t *testing.T) {
	r := newRunner(t)
	var processed atomic.Int32
	reached := make(chan struct{})
	proceed := make(chan struct{})

	h, err := r.Submit(Task{Name: "paused", Run: func(ctx context.Context, c *Control) (any, error) {
		for i := 0; i < 10; i++ {
			if i == 5 {
				close(reached)
				<-proceed
			}
			if err := c.Checkpoint(ctx); err != nil {
				return nil, err
			}
			processed.Add(1)
		}
		return int(processed.Load()), nil
	}})
	require.NoError(t, err)

	<-reached
	h.Pause()
	assert.True(t, h.Paused())
	close(proceed)

	waitTag(t, h, "paused")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(5), processed.Load(), "paused task must not progress")

	h.Resume()
	res := waitResult(t, h)
	require.True(t, res.OK())
	assert.Equal(t, 10, res.Value)
}

func TestCancelReleasesPausedTask(t *testing.T) {
	r := newRunner(t)
	started := make(chan struct{})
	proceed := make(chan struct{})

	h, err := r.Submit(Task{Name: "blocked", Run: func(ctx context.Context, c *Control) (any, error) {
		close(started)
		<-proceed
		return nil, c.Checkpoint(ctx)
	}})
	require.NoError(t, err)
	<-started
	h.Pause()
	close(proceed)
	waitTag(t, h, "paused")
	h.Cancel()

	res := waitResult(t, h)
	assert.True(t, res.Cancelled)
}

// waitTag reads progress until a tuple with tag arrives.
func waitTag(t *testing.T, h *Handle, tag string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-h.Progress():
			require.True(t, ok, "progress closed before %q", tag)
			if p.Tag == tag {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", tag)
		}
	}
}

func TestProgressDropsWhenFull(t *testing.T) {
	r := newRunner(t, WithProgressBuffer(2))
	h, err := r.Submit(Task{Name: "chatty", Run: func(ctx context.Context, c *Control) (any, error) {
		for i := 0; i < 50; i++ {
			c.Report("tick", i)
		}
		return nil, nil
	}})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.True(t, res.OK())
	assert.Equal(t, 48, h.Dropped())
	n := 0
	for range h.Progress() {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestCloseCancelsQueued(t *testing.T) {
	r := New(WithWorkers(1))
	block := make(chan struct{})

	running, err := r.Submit(Task{Name: "running", Run: func(ctx context.Context, c *Control) (any, error) {
		<-block
		return nil, c.Checkpoint(ctx)
	}})
	require.NoError(t, err)
	queued, err := r.Submit(Task{Name: "queued", Run: func(ctx context.Context, c *Control) (any, error) {
		return "ran", nil
	}})
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- r.Close(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(block)
	require.NoError(t, <-closed)

	assert.True(t, waitResult(t, running).Cancelled)
	assert.True(t, waitResult(t, queued).Cancelled)

	_, err = r.Submit(Task{Name: "late", Run: func(ctx context.Context, c *Control) (any, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueFull(t *testing.T) {
	r := newRunner(t, WithWorkers(1), WithQueueSize(1))
	block := make(chan struct{})
	defer close(block)
	blocker := func(ctx context.Context, c *Control) (any, error) {
		<-block
		return nil, nil
	}

	_, err := r.Submit(Task{Name: "a", Run: blocker})
	require.NoError(t, err)
	// Give the worker time to take the first task off the queue.
	time.Sleep(20 * time.Millisecond)
	_, err = r.Submit(Task{Name: "b", Run: blocker})
	require.NoError(t, err)
	_, err = r.Submit(Task{Name: "c", Run: blocker})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPublishesTaskEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	sub := bus.Subscribe(events.EventProgress, events.EventTaskDone)

	r := newRunner(t, WithPublisher(bus))
	h, err := r.Submit(Task{Name: "evt", ProjectID: "proj", Run: func(ctx context.Context, c *Control) (any, error) {
		c.Report("scanning", map[string]int{"total_files": 1})
		return nil, nil
	}})
	require.NoError(t, err)
	waitResult(t, h)

	// the terminal event is published before the result is delivered
	got := sub.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, events.EventProgress, got[0].Type)
	assert.Equal(t, events.EventTaskDone, got[1].Type)
	assert.Equal(t, "proj", got[1].ProjectID)
}
