package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/backlog"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/impact"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

func newImpactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "impact",
		Short: "Record and check impact analysis",
	}
	cmd.AddCommand(
		newImpactCheckCmd(a),
		newImpactRecordCmd(a),
		newImpactAnalyzeCmd(a),
		newImpactPreviewCmd(a),
	)
	return cmd
}

func newImpactCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check [id...]",
		Short: "List nodes whose analysis is stale or missing",
		Long: `Compares each node's analysis against the project's context version.
Without ids every sprint-eligible node is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				projectID := s.Status().ProjectID
				if len(ids) == 0 {
					tree, err := s.Backlog().Tree(ctx, projectID)
					if err != nil {
						return err
					}
					backlog.Walk(tree, func(n *backlog.TreeNode, _ int) bool {
						if backlog.Kind(n.Kind).SprintEligible() {
							ids = append(ids, n.ID)
						}
						return true
					})
				}
				stale, err := s.Impact().Check(ctx, projectID, ids)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, stale)
				}
				p := newPainter(out)
				if len(stale) == 0 {
					fmt.Fprintln(out, p.Pass(iconPass+" all analyses are current"))
					return nil
				}
				for _, it := range stale {
					fmt.Fprintf(out, "%s #%d %s (%s)\n", p.Warn(iconWarn), it.ID, it.Title, it.Reason)
				}
				return nil
			})
		},
	}
}

func newImpactRecordCmd(a *app) *cobra.Command {
	var (
		rating    string
		details   string
		artifacts []string
	)
	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Record an impact analysis against the current context version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := impact.ParseRating(rating)
			if err != nil {
				return kerrors.ErrPrecondition("record impact", err.Error())
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				version, err := s.Context().Store.ContextVersion(ctx, s.Status().ProjectID)
				if err != nil {
					return kerrors.ErrPersistence("read context version", err)
				}
				cr, err := s.Impact().AnalyzeImpact(ctx, id, version, impact.Analysis{
					Rating:      r,
					Details:     details,
					ArtifactIDs: artifacts,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d analyzed: %s (context version %d)\n", cr.ID, cr.ImpactRating, version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rating, "rating", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&details, "details", "", "analysis summary")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "impacted artifact id (repeatable)")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func newImpactAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <id>...",
		Short: "Ask the agent to analyze nodes in the background",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				gen, err := requireGenerator(s)
				if err != nil {
					return err
				}
				res, err := submit(ctx, s, s.Impact().AnalyzeTask(s.Status().ProjectID, ids, gen))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Analyzed %v of %d nodes\n", res.Value, len(ids))
				return nil
			})
		},
	}
}

func newImpactPreviewCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "Record a technical preview for an analyzed node",
		Long: `Records the technical preview from --file (or stdin with "-"). Without
--file the agent writes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var text string
			if file != "" {
				if text, err = readInput(cmd, file); err != nil {
					return err
				}
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if text != "" {
					if _, err := s.Impact().RecordPreview(ctx, id, text); err != nil {
						return err
					}
				} else {
					gen, err := requireGenerator(s)
					if err != nil {
						return err
					}
					if _, err := submit(ctx, s, s.Impact().PreviewTask(s.Status().ProjectID, id, gen)); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d technical preview recorded\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "preview text file, or - for stdin")
	return cmd
}
