package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/jira"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import work items from external trackers",
	}
	cmd.AddCommand(newImportJiraCmd(a))
	return cmd
}

func newImportJiraCmd(a *app) *cobra.Command {
	var (
		baseURL string
		email   string
		token   string
		jql     string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "jira",
		Short: "Import Jira issues into the backlog",
		Long: `Fetches the issues matching a JQL query and adds one backlog node per
issue: epics become epics, stories become features, tasks and sub-tasks
become backlog items and bugs become bug reports. Re-running the import
updates the nodes it created before instead of duplicating them. Items
whose parent is missing land under an "Imported" feature.

Credentials come from flags, then KLYVE_JIRA_* environment variables,
then the jira section of the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jc := a.config().Jira
			if cmd.Flags().Changed("url") {
				jc.BaseURL = baseURL
			}
			if cmd.Flags().Changed("email") {
				jc.Email = email
			}
			if cmd.Flags().Changed("token") {
				jc.APIToken = token
			}
			if cmd.Flags().Changed("jql") {
				jc.JQL = jql
			}
			if jc.JQL == "" {
				return kerrors.ErrConfigInvalid("jira.jql", "a JQL query is required (--jql)")
			}

			client, err := jira.NewClient(jira.ClientConfig{BaseURL: jc.BaseURL, Email: jc.Email, APIToken: jc.APIToken})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := client.CheckAuth(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if dryRun {
				issues, err := client.Search(ctx, jc.JQL)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(out, issues)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tTYPE\tKIND\tPARENT\tSUMMARY")
				for _, is := range issues {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", is.Key, is.IssueType, jira.KindFor(is), is.ParentKey, is.Summary)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%d issues (dry run, nothing imported)\n", len(issues))
				return nil
			}

			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				im := jira.NewImporter(client, s.Context().Store, s.Backlog(), a.logger)
				res, err := im.Import(ctx, s.Status().ProjectID, jc.JQL)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(out, res)
				}
				p := newPainter(out)
				fmt.Fprintf(out, "%s created %d, updated %d, unchanged %d, orphaned %d\n",
					p.Pass(iconPass), res.Created, res.Updated, res.Unchanged, res.Orphaned)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "%s %s\n", p.Fail(iconFail), e.Error())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Jira base URL (https://acme.atlassian.net)")
	cmd.Flags().StringVar(&email, "email", "", "Jira account email")
	cmd.Flags().StringVar(&token, "token", "", "Jira API token")
	cmd.Flags().StringVar(&jql, "jql", "", "JQL query selecting the issues")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be imported")
	return cmd
}
