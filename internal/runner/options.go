package runner

import (
	"log/slog"

	"github.com/randalmurphal/klyve/internal/events"
)

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		r.workers = n
	}
}

// WithProgressBuffer sets the per-task progress channel capacity.
func WithProgressBuffer(n int) Option {
	return func(r *Runner) {
		r.progressBuffer = n
	}
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(r *Runner) {
		r.queueSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithPublisher mirrors progress and results onto an event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		r.events = events.NewPublishHelper(p)
	}
}
