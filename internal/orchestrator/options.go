package orchestrator

import (
	"log/slog"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/runner"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPublisher sets the event publisher shared with the managers.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithRunner sets the background runner plan tasks are submitted to.
func WithRunner(r *runner.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithExecutor sets the collaborator that implements plan tasks.
func WithExecutor(e Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithGenerator sets the agent collaborator.
func WithGenerator(g agent.Generator) Option {
	return func(o *Orchestrator) { o.gen = g }
}

// WithArchiveDir overrides where project archives are written.
func WithArchiveDir(dir string) Option {
	return func(o *Orchestrator) { o.archiveDir = dir }
}
