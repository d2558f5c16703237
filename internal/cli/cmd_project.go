package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/orchestrator"
	"github.com/randalmurphal/klyve/internal/phase"
)

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, list and open projects",
	}
	cmd.AddCommand(newProjectNewCmd(a), newProjectListCmd(a), newProjectOpenCmd(a), newProjectEnvCmd(a))
	return cmd
}

func newProjectNewCmd(a *app) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a project and enter environment setup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				proj, err := s.CreateProject(ctx, args[0], root)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), s.Status())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s)\n", proj.Name, proj.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "project root folder (set later with 'project env' if omitted)")
	return cmd
}

func newProjectListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				projects, err := s.Context().Store.ListProjects(ctx, all)
				if err != nil {
					return kerrors.ErrPersistence("list projects", err)
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), projects)
				}
				if len(projects) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No projects. Create one with 'klyve project new'.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tROOT\tUPDATED")
				for _, p := range projects {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.RootPath, p.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived projects")
	return cmd
}

func newProjectOpenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <project-id>",
		Short: "Show a stored project's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				st, err := s.OpenProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(cmd, a, st)
			})
		},
	}
}

func newProjectEnvCmd(a *app) *cobra.Command {
	var root, targetOS, stack string
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Record the project root, target OS and technology stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				octx := s.Context()
				proj, err := octx.Store.GetProject(ctx, octx.ProjectID)
				if err != nil {
					return kerrors.ErrPersistence("load project", err)
				}
				if root == "" {
					root = proj.RootPath
				}
				if root == "" {
					return kerrors.ErrPrecondition("set environment", "a project root is required (--root)")
				}
				abs, err := filepath.Abs(root)
				if err != nil {
					return fmt.Errorf("resolve project root: %w", err)
				}
				root = abs
				if info, err := os.Stat(root); err != nil || !info.IsDir() {
					return kerrors.ErrPrecondition("set environment", fmt.Sprintf("%s is not a directory", root))
				}
				if targetOS == "" {
					targetOS = proj.TargetOS
				}
				if stack == "" {
					stack = proj.TechnologyStack
				}
				if err := octx.Store.UpdateProjectEnvironment(ctx, proj.ID, root, targetOS, stack); err != nil {
					return kerrors.ErrPersistence("update project environment", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Environment saved for %s\n", proj.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "project root folder")
	cmd.Flags().StringVar(&targetOS, "os", "", "target operating system")
	cmd.Flags().StringVar(&stack, "stack", "", "technology stack")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active project's phase, sprint and escalation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(_ context.Context, s *orchestrator.Session) error {
				return printStatus(cmd, a, s.Status())
			})
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reopen the most recently paused project",
		Long: `Reopens the most recently checkpointed project that is not archived,
restoring its phase, plan cursor, escalation state and any approval that
was pending when it stopped. A project parked by a manual pause is
restarted where it left off.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				st, err := s.Resume(ctx)
				if err != nil {
					return err
				}
				if st == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to resume.")
					return nil
				}
				if st.Step == orchestrator.StepManualPause {
					if err := s.ResumeAfterPause(ctx); err != nil {
						return err
					}
					*st = s.Status()
				}
				if err := printStatus(cmd, a, *st); err != nil {
					return err
				}
				if pending := s.PendingApproval(); len(pending) > 0 && !a.jsonOut {
					fmt.Fprintf(cmd.OutOrStdout(), "\nPending approval:\n%s\n", pending)
				}
				return nil
			})
		},
	}
}

func printStatus(cmd *cobra.Command, a *app, st orchestrator.Status) error {
	out := cmd.OutOrStdout()
	if a.jsonOut {
		return writeJSON(out, st)
	}
	p := newPainter(out)
	fmt.Fprintf(out, "%s %s\n", p.Header(st.ProjectName), p.Muted(st.ProjectID))
	fmt.Fprintf(out, "  phase:  %s\n", p.Accent(string(st.Phase)))
	if st.Step != "" {
		fmt.Fprintf(out, "  step:   %s\n", st.Step)
	}
	if st.SprintID != "" {
		fmt.Fprintf(out, "  sprint: %s (task %d)\n", st.SprintID, st.Cursor+1)
	}
	if st.Escalation != "" {
		line := fmt.Sprintf("%s (%d/%d)", st.Escalation, st.Attempts, st.MaxAttempts)
		if st.Phase == phase.DebugEscalation {
			line = p.Fail(iconFail + " " + line)
		}
		fmt.Fprintf(out, "  debug:  %s\n", line)
	}
	return nil
}

func newPhaseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Inspect and change the active project's phase",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List phases",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, ph := range phase.All() {
				fmt.Fprintln(cmd.OutOrStdout(), ph)
			}
		},
	}, &cobra.Command{
		Use:   "set <phase>",
		Short: "Enter a phase once its preconditions hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := phase.Parse(args[0])
			if err != nil {
				return kerrors.ErrPrecondition("set phase", err.Error())
			}
			return a.withSession(cmd, target.NeedsProject(), func(ctx context.Context, s *orchestrator.Session) error {
				if !target.NeedsProject() && s.Status().ProjectID == "" {
					_ = a.activate(ctx, s)
				}
				if err := s.SetPhase(ctx, target); err != nil {
					return err
				}
				return printStatus(cmd, a, s.Status())
			})
		},
	})
	return cmd
}

var documentNames = map[string]db.Document{
	"brief":    db.DocBrief,
	"spec":     db.DocFinalSpec,
	"tech":     db.DocTechSpec,
	"standard": db.DocCodingStandard,
	"plan":     db.DocDevelopmentPlan,
}

func newDocCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doc <brief|spec|tech|standard|plan> <file|->",
		Short: "Save a project document",
		Long: `Saves one of the project documents from a file, or from stdin with "-".
Changing the final or technical specification bumps the context version,
which makes every earlier impact analysis stale.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, ok := documentNames[strings.ToLower(args[0])]
			if !ok {
				return kerrors.ErrPrecondition("save document", fmt.Sprintf("unknown document %q", args[0]))
			}
			text, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				version, err := s.SaveDocument(ctx, doc, text)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (context version %d)\n", doc, version)
				return nil
			})
		},
	}
}

func readInput(cmd *cobra.Command, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}
