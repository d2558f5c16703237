// Package cli implements the klyve command-line interface.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/config"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0-dev"

// app carries the global flags and the loaded configuration to every
// subcommand.
type app struct {
	cfgFile    string
	projectDir string
	projectID  string
	verbose    bool
	quiet      bool
	jsonOut    bool

	tracked *config.TrackedConfig
	logger  *slog.Logger
	stderr  io.Writer
	bus     *events.Bus // set for the duration of a session
}

func (a *app) config() *config.Config {
	if a.tracked == nil {
		return config.Default()
	}
	return a.tracked.Config
}

// newRootCmd builds the command tree. Each call returns an independent
// tree so tests can run commands side by side.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "klyve",
		Short: "Phase-driven project orchestrator",
		Long: `klyve drives a software project from brief to shipped sprints.

It keeps a hierarchical backlog, tracks how spec changes make impact
analysis stale, gates sprints on scope and risk, and walks the
development plan task by task with bounded automatic retries.

Quick start:
  klyve project new shop --root .      Create a project in this folder
  klyve backlog add feature "Checkout" Add a backlog node
  klyve sprint create "MVP" 3 4        Start a sprint with items 3 and 4
  klyve status                         Show where the project stands`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			telemetry.Shutdown(context.WithoutCancel(cmd.Context()))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file layered above .klyve/config.yaml")
	pf.StringVarP(&a.projectDir, "dir", "C", "", "directory holding the .klyve store (default is the working directory)")
	pf.StringVarP(&a.projectID, "project", "p", "", "project id (default is the most recently active project)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "suppress non-essential output")
	pf.BoolVar(&a.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		newProjectCmd(a),
		newStatusCmd(a),
		newResumeCmd(a),
		newPhaseCmd(a),
		newDocCmd(a),
		newBacklogCmd(a),
		newImpactCmd(a),
		newSprintCmd(a),
		newRunCmd(a),
		newEscalationCmd(a),
		newScanCmd(a),
		newArchiveCmd(a),
		newRollbackCmd(a),
		newImportCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root, a
}

// setup loads configuration, installs the logger and starts telemetry.
func (a *app) setup(cmd *cobra.Command) error {
	a.stderr = cmd.ErrOrStderr()
	if a.projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		a.projectDir = wd
	}
	abs, err := filepath.Abs(a.projectDir)
	if err != nil {
		return err
	}
	a.projectDir = abs

	// Warnings raised while loading go to a plain handler until the
	// configured one exists.
	bootstrap := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tc, err := config.NewLoader(a.projectDir,
		config.WithConfigFile(a.cfgFile),
		config.WithLogger(bootstrap),
	).Load()
	if err != nil {
		return err
	}
	a.tracked = tc

	a.logger, err = newLogger(a.stderr, tc.Config.Log, a.verbose, a.quiet)
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger)

	return telemetry.Init(cmd.Context(), tc.Config.TelemetryConfig(), "klyve", Version)
}

// newLogger builds the slog handler from log.level and log.format.
// -v forces debug and -q forces error.
func newLogger(w io.Writer, lc config.LogConfig, verbose, quiet bool) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Execute runs the CLI until completion or an interrupt.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		PrintError(a.stderr, err, a.verbose)
	}
	return err
}
