package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/orchestrator"
	"github.com/randalmurphal/klyve/internal/scan"
)

func newScanCmd(a *app) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Summarize the project's source files",
		Long: `Walks the project root with the scan include/exclude globs and asks the
agent for a summary of each file. Files that already have a summary are
skipped, so an interrupted scan picks up where it stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				octx := s.Context()
				proj, err := octx.Store.GetProject(ctx, octx.ProjectID)
				if err != nil {
					return kerrors.ErrPersistence("load project", err)
				}
				if proj.RootPath == "" {
					return kerrors.ErrPrecondition("scan project", "the project has no root folder; set one with 'klyve project env --root'")
				}
				cfg := a.config().ScanConfig()
				out := cmd.OutOrStdout()

				if list {
					files, err := scan.Files(proj.RootPath, cfg)
					if err != nil {
						return err
					}
					if a.jsonOut {
						return writeJSON(out, files)
					}
					for _, f := range files {
						fmt.Fprintln(out, f)
					}
					return nil
				}

				gen, err := requireGenerator(s)
				if err != nil {
					return err
				}
				res, err := submit(ctx, s, scan.Task(octx.Store, proj.ID, proj.RootPath, cfg, gen))
				sum, _ := res.Value.(*scan.Summary)
				if sum != nil {
					if a.jsonOut {
						if jerr := writeJSON(out, sum); jerr != nil {
							return jerr
						}
					} else {
						fmt.Fprintf(out, "%d files: %d summarized, %d skipped, %d failed\n",
							sum.Total, sum.Summarized, sum.Skipped, sum.Failed)
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "only list the files a scan would read")
	return cmd
}
