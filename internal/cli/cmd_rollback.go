package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

func newRollbackCmd(a *app) *cobra.Command {
	var confirmPath string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Discard every uncommitted change in the project root",
		Long: `Reverts tracked files to the last commit and deletes every untracked and
ignored file under the project root. The .klyve store is kept.

This cannot be undone. On a terminal you are asked to type the project
root path; otherwise pass it with --confirm-path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				octx := s.Context()
				proj, err := octx.Store.GetProject(ctx, octx.ProjectID)
				if err != nil {
					return kerrors.ErrPersistence("load project", err)
				}
				if proj.RootPath == "" {
					return kerrors.ErrPrecondition("roll back", "the project has no root folder")
				}

				confirmed := confirmPath
				if confirmed == "" {
					in, ok := cmd.InOrStdin().(*os.File)
					if !ok || !isTerminal(in) {
						return kerrors.ErrRollbackUnconfirmed(proj.RootPath)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "This deletes all uncommitted work in %s\n", proj.RootPath)
					if confirmed, err = promptLine(in, cmd.OutOrStdout(), "Type the project path to confirm: "); err != nil {
						return err
					}
				}

				res, err := s.DiscardLocalChanges(ctx, confirmed)
				if res != nil {
					p := newPainter(cmd.OutOrStdout())
					mark := p.Pass(iconPass)
					if !res.OK {
						mark = p.Fail(iconFail)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, res.Message)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&confirmPath, "confirm-path", "", "project root path, confirming the rollback")
	return cmd
}

// promptLine reads one line from a terminal in raw mode so the line
// editor handles backspace and Ctrl-C consistently.
func promptLine(in *os.File, out io.Writer, prompt string) (string, error) {
	fd := int(in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return "", fmt.Errorf("prepare terminal: %w", err)
	}
	defer func() { _ = term.Restore(fd, state) }()

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, prompt)
	line, err := t.ReadLine()
	if err != nil {
		if err == io.EOF {
			return "", kerrors.ErrCancelled("rollback")
		}
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(line), nil
}
