package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/agent"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/orchestrator"
	"github.com/randalmurphal/klyve/internal/phase"
	"github.com/randalmurphal/klyve/internal/sprint"
)

func newSprintCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sprint",
		Short: "Create, gate and close sprints",
		Long: `Sprint commands default to the project's in-progress sprint when the
sprint id is omitted.`,
	}
	cmd.AddCommand(
		newSprintCreateCmd(a),
		newSprintListCmd(a),
		newSprintGateCmd(a),
		newSprintProceedCmd(a),
		newSprintPlanCmd(a),
		newSprintCloseCmd(a, "complete", "Complete a sprint and its in-progress items"),
		newSprintCloseCmd(a, "abandon", "Abandon a sprint and return its items to impact_analyzed"),
	)
	return cmd
}

func newSprintCreateCmd(a *app) *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "create <goal> <item-id>...",
		Short: "Start a sprint with the given backlog items",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			plan := ""
			if planFile != "" {
				raw, err := readInput(cmd, planFile)
				if err != nil {
					return err
				}
				tasks, err := agent.ParsePlan(raw)
				if err != nil {
					return err
				}
				if plan, err = sprint.EncodePlan(tasks); err != nil {
					return err
				}
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				sp, err := s.Sprints().Create(ctx, s.Status().ProjectID, args[0], plan, ids)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), sp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created sprint %s with %d items\n", sp.ID, len(sp.ItemIDs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "development plan JSON file, or - for stdin")
	return cmd
}

func newSprintListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's sprints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				sprints, err := s.Sprints().List(ctx, s.Status().ProjectID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, sprints)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tITEMS\tSTARTED\tGOAL")
				for _, sp := range sprints {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", sp.ID, sp.Status, len(sp.ItemIDs), sp.StartTS.Format("2006-01-02"), sp.Goal)
				}
				return tw.Flush()
			})
		},
	}
}

func newSprintGateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gate [sprint-id]",
		Short: "Run the scope, staleness and risk checks without proceeding",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				id, err := sprintArg(ctx, s, args)
				if err != nil {
					return err
				}
				rep, err := s.Sprints().RunPreExecutionChecks(ctx, id)
				if err != nil {
					return err
				}
				return printGate(cmd.OutOrStdout(), a, rep)
			})
		},
	}
}

func newSprintProceedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "proceed [sprint-id]",
		Short: "Pass the gate and start implementation",
		Long: `Re-runs the sprint gate. When every check passes the sprint's items move
to implementation_in_progress and the project enters sprint execution.
Stale items are listed so they can be re-analyzed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				id, err := sprintArg(ctx, s, args)
				if err != nil {
					return err
				}
				rep, err := s.Sprints().Proceed(ctx, id)
				if rep != nil {
					if perr := printGate(cmd.OutOrStdout(), a, rep); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				plan, err := s.Sprints().Plan(ctx, id)
				if err != nil {
					return err
				}
				if len(plan) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Gate passed. Generate a plan with 'klyve sprint plan' to start execution.")
					return nil
				}
				return s.SetPhase(ctx, phase.SprintExecution)
			})
		},
	}
}

func newSprintPlanCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan [sprint-id]",
		Short: "Store a development plan for the sprint",
		Long: `Stores the development plan from --file (or stdin with "-"). Without
--file the agent writes it after the sprint gate passes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if file != "" {
				var err error
				if raw, err = readInput(cmd, file); err != nil {
					return err
				}
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				id, err := sprintArg(ctx, s, args)
				if err != nil {
					return err
				}
				var tasks []agent.PlanTask
				if raw != "" {
					if tasks, err = agent.ParsePlan(raw); err != nil {
						return err
					}
					if err := s.Sprints().SavePlan(ctx, id, tasks); err != nil {
						return err
					}
				} else {
					gen, err := requireGenerator(s)
					if err != nil {
						return err
					}
					res, err := submit(ctx, s, s.Sprints().PlanTask(id, gen))
					if err != nil {
						return err
					}
					tasks, _ = res.Value.([]agent.PlanTask)
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, tasks)
				}
				for i, t := range tasks {
					fmt.Fprintf(out, "%2d. %s  %s\n", i+1, t.ComponentFilePath, t.TaskDescription)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan JSON file, or - for stdin")
	return cmd
}

func newSprintCloseCmd(a *app, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " [sprint-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				id, err := sprintArg(ctx, s, args)
				if err != nil {
					return err
				}
				closeSprint := s.Sprints().Complete
				if verb == "abandon" {
					closeSprint = s.Sprints().Abandon
				}
				sp, err := closeSprint(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sprint %s %s\n", sp.ID, sp.Status)
				return nil
			})
		},
	}
}

// sprintArg returns the explicit sprint id or the in-progress sprint.
func sprintArg(ctx context.Context, s *orchestrator.Session, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	active, err := s.Sprints().Active(ctx, s.Status().ProjectID)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", kerrors.ErrPrecondition("select sprint", "no sprint is in progress; pass a sprint id")
	}
	return active.ID, nil
}

func printGate(out io.Writer, a *app, rep *sprint.Report) error {
	if a.jsonOut {
		return writeJSON(out, rep)
	}
	p := newPainter(out)
	fmt.Fprintln(out, p.Header("Sprint gate "+rep.SprintID))
	for _, c := range rep.Checks() {
		mark := p.Pass(iconPass)
		if !c.Pass {
			mark = p.Fail(iconFail)
		}
		fmt.Fprintf(out, "  %s %-16s %s\n", mark, c.Name, c.Message)
	}
	if len(rep.StaleItems) > 0 {
		fmt.Fprintln(out, p.Warn("  Needs analysis:"))
		for _, it := range rep.StaleItems {
			fmt.Fprintf(out, "    #%d %s (%s)\n", it.ID, it.Title, it.Reason)
		}
	}
	if rep.AggregateRisk != "" {
		fmt.Fprintf(out, "  aggregate risk: %s\n", rep.AggregateRisk)
	}
	verdict := p.Pass("ready to proceed")
	switch {
	case rep.Blocked():
		verdict = p.Fail("blocked")
	case !rep.CanProceed():
		verdict = p.Warn("re-analysis required")
	}
	fmt.Fprintf(out, "  %s\n", strings.TrimSpace(verdict))
	return nil
}
