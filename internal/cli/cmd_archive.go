package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/git"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "archive",
		Aliases: []string{"history"},
		Short:   "Stop and archive projects, and load them back",
	}
	cmd.AddCommand(newArchiveStopCmd(a), newArchiveListCmd(a), newArchiveLoadCmd(a), newArchiveDeleteCmd(a))
	return cmd
}

func newArchiveStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Export the active project to an archive and remove it from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				rec, err := s.StopAndArchive(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived %s as history entry %d\n  %s\n", rec.ProjectName, rec.ID, rec.ArchivePath)
				return nil
			})
		},
	}
}

func newArchiveListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				recs, err := s.History(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "No archived projects.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROJECT\tLAST PHASE\tARCHIVED\tROOT")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.ProjectName, r.LastPhase, r.ArchivedAt.Format("2006-01-02 15:04"), r.RootPath)
				}
				return tw.Flush()
			})
		},
	}
}

func newArchiveLoadCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "load <history-id>",
		Short: "Restore an archived project",
		Long: `Checks the archived project's root folder first. A missing folder always
refuses; a folder that is no longer a git repository or has uncommitted
changes refuses unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				res, err := s.LoadArchived(ctx, id, orchestrator.LoadOptions{Force: force})
				out := cmd.OutOrStdout()
				if res != nil && res.Preflight != nil && !a.jsonOut {
					p := newPainter(out)
					mark := p.Pass(iconPass)
					if !res.Preflight.OK() {
						mark = p.Warn(iconWarn)
					}
					fmt.Fprintf(out, "%s %s\n", mark, res.Preflight.Message)
					for _, c := range res.Preflight.Changes {
						fmt.Fprintf(out, "    %s\n", p.Muted(c))
					}
				}
				if err != nil {
					if res != nil && res.Preflight != nil && !res.Preflight.OK() && !force &&
						res.Preflight.Status != git.PreflightPathNotFound && !a.jsonOut {
						fmt.Fprintln(out, "Re-run with --force to load anyway.")
					}
					return err
				}
				return printStatus(cmd, a, res.Status)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "load despite a missing repository or uncommitted changes")
	return cmd
}

func newArchiveDeleteCmd(a *app) *cobra.Command {
	var removeFile bool
	cmd := &cobra.Command{
		Use:   "delete <history-id>",
		Short: "Delete a history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd, false, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.DeleteHistory(ctx, id, removeFile); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted history entry %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&removeFile, "remove-file", false, "also delete the archive file")
	return cmd
}
