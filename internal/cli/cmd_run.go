package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/escalation"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

func newRunCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the next development-plan task",
		Long: `Runs the task under the plan cursor of the in-progress sprint. Success
commits the produced files and advances the cursor. A failure counts
toward the automatic retry bound; once it is reached the project enters
debug escalation and waits for 'klyve escalation decide'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				out := cmd.OutOrStdout()
				sub := a.bus.Subscribe(events.EventTaskDone, events.EventEscalation)
				defer sub.Close()

				var sum runSummary
				err := runPlan(ctx, s, out, all, func() { sum.add(sub.Drain()) })
				sum.add(sub.Drain())
				if sum.Tasks == 0 {
					return err
				}
				if a.jsonOut {
					if jerr := writeJSON(out, sum); jerr != nil && err == nil {
						err = jerr
					}
					return err
				}
				fmt.Fprintln(out, newPainter(out).Muted(sum.String()))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "keep going until the plan is done or a task fails")
	return cmd
}

// runPlan executes plan tasks until one fails, the plan is done or, without
// all, after the first task. tick runs after every task.
func runPlan(ctx context.Context, s *orchestrator.Session, out io.Writer, all bool, tick func()) error {
	p := newPainter(out)
	for {
		pos, err := s.NextTask(ctx)
		if err != nil {
			return err
		}
		if pos.Done() {
			fmt.Fprintln(out, p.Pass(fmt.Sprintf("%s all %d plan tasks are done", iconPass, pos.Total)))
			return nil
		}
		fmt.Fprintf(out, "[%d/%d] %s\n", pos.Index+1, pos.Total, pos.Task.TaskDescription)

		h, err := s.RunNextTask(ctx)
		if err != nil {
			return err
		}
		_, err = follow(ctx, h)
		tick()
		if err != nil {
			if kerrors.HasCode(err, kerrors.CodeUserCancelled) || errors.Is(err, context.Canceled) {
				return err
			}
			st := s.Status()
			fmt.Fprintf(out, "%s %v\n", p.Fail(iconFail), err)
			if st.Escalation == escalation.StatePmEscalation {
				fmt.Fprintln(out, p.Warn(fmt.Sprintf("%s retry bound reached (%d/%d); decide with 'klyve escalation decide'",
					iconWarn, st.Attempts, st.MaxAttempts)))
			}
			return err
		}
		fmt.Fprintln(out, p.Pass(iconPass+" committed"))
		if !all {
			return nil
		}
	}
}

// runSummary tallies the task and escalation events seen during a run.
type runSummary struct {
	Tasks      int    `json:"tasks"`
	Committed  int    `json:"committed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Escalation string `json:"escalation,omitempty"`
}

func (r *runSummary) add(evs []events.Event) {
	for _, ev := range evs {
		switch d := ev.Data.(type) {
		case events.TaskResult:
			r.Tasks++
			switch {
			case d.Cancelled:
				r.Cancelled++
			case d.Error != "":
				r.Failed++
			default:
				r.Committed++
			}
		case events.EscalationUpdate:
			r.Escalation = d.State
		}
	}
}

func (r runSummary) String() string {
	line := fmt.Sprintf("ran %d task(s): %d committed, %d failed", r.Tasks, r.Committed, r.Failed)
	if r.Cancelled > 0 {
		line += fmt.Sprintf(", %d cancelled", r.Cancelled)
	}
	if r.Escalation != "" {
		line += ", escalation " + r.Escalation
	}
	return line
}

func newEscalationCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalation",
		Aliases: []string{"esc"},
		Short:   "Report failures and resolve debug escalations",
	}
	cmd.AddCommand(newEscalationReportCmd(a), newEscalationDecideCmd(a), newEscalationUnpauseCmd(a))
	return cmd
}

func newEscalationReportCmd(a *app) *cobra.Command {
	var outputFile string
	cmd := &cobra.Command{
		Use:   "report <reason>",
		Short: "Record a failed build or test cycle for the current task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var output string
			if outputFile != "" {
				var err error
				if output, err = readInput(cmd, outputFile); err != nil {
					return err
				}
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				state, err := s.ReportFailure(ctx, args[0], output)
				if err != nil {
					return err
				}
				st := s.Status()
				fmt.Fprintf(cmd.OutOrStdout(), "escalation %s (%d/%d)\n", state, st.Attempts, st.MaxAttempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outputFile, "output", "", "file holding the failing output, or - for stdin")
	return cmd
}

func newEscalationDecideCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decide <retry|manual_pause|ignore>",
		Short: "Resolve a pending escalation",
		Long: `retry         reset the counter and resume the prior phase
manual_pause  park the project in idle with its state saved
ignore        mark the task's artifact as a known issue and move on`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := escalation.ParseDecision(args[0])
			if err != nil {
				return kerrors.ErrPrecondition("decide escalation", err.Error())
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.ResolveEscalation(ctx, d); err != nil {
					return err
				}
				return printStatus(cmd, a, s.Status())
			})
		},
	}
}

func newEscalationUnpauseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpause",
		Short: "Restart work parked by a manual pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.ResumeAfterPause(ctx); err != nil {
					return err
				}
				return printStatus(cmd, a, s.Status())
			})
		},
	}
}
