package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/agent"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/orchestrator"
	"github.com/randalmurphal/klyve/internal/runner"
)

const closeTimeout = 10 * time.Second

// sessionFunc is the body of a command that needs the store.
type sessionFunc func(ctx context.Context, s *orchestrator.Session) error

// withSession opens the store under its lock, optionally activates a
// project, runs fn and always releases the lock.
func (a *app) withSession(cmd *cobra.Command, needProject bool, fn sessionFunc) (err error) {
	ctx := cmd.Context()
	cfg := a.config()

	a.bus = events.NewBus(cfg.Runner.ProgressBuffer)
	defer a.bus.Close()
	pub := events.Fanout{events.NewCLIPublisher(a.stderr, events.WithVerbose(a.verbose)), a.bus}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithPublisher(pub),
	}
	if gen := a.generator(); gen != nil {
		opts = append(opts,
			orchestrator.WithGenerator(gen),
			orchestrator.WithExecutor(&orchestrator.AgentExecutor{Gen: gen}),
		)
	}

	s, err := orchestrator.Open(ctx, a.projectDir, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := s.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if needProject {
		if err := a.activate(ctx, s); err != nil {
			return err
		}
	}
	return fn(ctx, s)
}

// activate opens --project or, without it, the most recently active one.
func (a *app) activate(ctx context.Context, s *orchestrator.Session) error {
	if a.projectID != "" {
		_, err := s.OpenProject(ctx, a.projectID)
		return err
	}
	st, err := s.Resume(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return kerrors.ErrNoProject()
	}
	return nil
}

// generator returns the configured agent command, or nil when none is set.
func (a *app) generator() agent.Generator {
	cfg := a.config()
	if cfg.Agent.Command == "" {
		return nil
	}
	return agent.NewCLIGenerator(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.Timeout, a.logger)
}

// requireGenerator fails with a config error when no agent is configured.
func requireGenerator(s *orchestrator.Session) (agent.Generator, error) {
	gen := s.Generator()
	if gen == nil {
		return nil, kerrors.ErrConfigInvalid("agent.command", "this command needs an agent command")
	}
	return gen, nil
}

// follow waits for a background task. Interrupting the command cancels the
// task and waits for it to stop at its next checkpoint.
func follow(ctx context.Context, h *runner.Handle) (runner.Result, error) {
	res, err := h.Wait(ctx)
	if err == nil {
		return res, res.Err
	}
	h.Cancel()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	res, werr := h.Wait(stopCtx)
	if werr != nil {
		return res, fmt.Errorf("task %s did not stop: %w", h.ID(), werr)
	}
	if res.Cancelled {
		return res, kerrors.ErrCancelled(h.Name())
	}
	return res, res.Err
}

// submit runs t on the session's runner and follows it.
func submit(ctx context.Context, s *orchestrator.Session, t runner.Task) (runner.Result, error) {
	h, err := s.Runner().Submit(t)
	if err != nil {
		return runner.Result{}, err
	}
	return follow(ctx, h)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
