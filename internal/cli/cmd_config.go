package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
		Long: `Configuration is layered, later layers winning:
  built-in defaults
  ~/.klyve/config.yaml
  <project>/.klyve/config.yaml
  --config file
  KLYVE_* environment variables (KLYVE_SPRINT_RISK_THRESHOLD=high)`,
	}
	cmd.AddCommand(newConfigShowCmd(a), newConfigSourcesCmd(a))
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.jsonOut {
				cfg := *a.config()
				if cfg.Jira.APIToken != "" {
					cfg.Jira.APIToken = "********"
				}
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := a.config().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigSourcesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Show where each setting came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tc := a.tracked
			if tc == nil {
				tc = config.NewTrackedConfig()
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				sources := make(map[string]string, len(tc.Sources))
				for _, k := range config.Keys() {
					sources[k] = tc.GetTrackedSource(k).String()
				}
				return writeJSON(out, sources)
			}
			p := newPainter(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSOURCE\tENV")
			for _, k := range config.Keys() {
				src := tc.GetTrackedSource(k)
				label := src.String()
				if src.Source == config.SourceDefault {
					label = p.Muted(label)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", k, label, config.EnvVarName(k))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, f := range tc.Files {
				fmt.Fprintf(out, "read %s\n", f)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show klyve version",
		Args:  cobra.NoArgs,
		// version needs no config or store
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "klyve version %s\n", Version)
		},
	}
}
