package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/klyve/internal/config"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

// runCLI executes one command against the store in dir with an isolated
// home directory.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root, _ := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"-C", dir}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, dir, args...)
	require.NoError(t, err, "klyve %s", strings.Join(args, " "))
	return out
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return t.TempDir()
}

func statusOf(t *testing.T, dir string) orchestrator.Status {
	t.Helper()
	var st orchestrator.Status
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, dir, "status", "--json")), &st))
	return st
}

const planJSON = `{"development_plan": [
  {"micro_spec_id": "ms-1", "task_description": "Write the cart", "component_name": "cart",
   "component_type": "module", "component_file_path": "cart/cart.go"}
]}`

func TestVersion(t *testing.T) {
	dir := newWorkspace(t)
	out := mustRun(t, dir, "version")
	assert.Equal(t, "klyve version "+Version+"\n", out)
}

func TestStatus_NoProject(t *testing.T) {
	dir := newWorkspace(t)
	_, err := runCLI(t, dir, "status")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeNoActiveProject))
	assert.Equal(t, 2, ExitCode(err))
}

func TestProjectToSprintExecution(t *testing.T) {
	dir := newWorkspace(t)

	out := mustRun(t, dir, "project", "new", "shop", "--root", dir)
	assert.Contains(t, out, "Created project shop")
	assert.Equal(t, "env_setup", string(statusOf(t, dir).Phase))

	mustRun(t, dir, "backlog", "add", "feature", "Checkout")
	mustRun(t, dir, "backlog", "add", "backlog_item", "Cart totals", "--parent", "1", "--complexity", "small")

	tree := mustRun(t, dir, "backlog", "tree")
	assert.Contains(t, tree, "#1 Checkout")
	assert.Contains(t, tree, "  backlog_item #2 Cart totals")

	stale := mustRun(t, dir, "impact", "check")
	assert.Contains(t, stale, "#2 Cart totals (never_analyzed)")

	mustRun(t, dir, "impact", "record", "2", "--rating", "low", "--details", "touches the cart only")
	assert.Contains(t, mustRun(t, dir, "impact", "check"), "all analyses are current")

	mustRun(t, dir, "sprint", "create", "MVP", "2")
	gate := mustRun(t, dir, "sprint", "gate")
	assert.Contains(t, gate, "ready to proceed")

	planFile := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(planFile, []byte(planJSON), 0o644))
	plan := mustRun(t, dir, "sprint", "plan", "--file", planFile)
	assert.Contains(t, plan, "cart/cart.go")

	mustRun(t, dir, "sprint", "proceed")
	st := statusOf(t, dir)
	assert.Equal(t, "sprint_execution", string(st.Phase))

	// the item is frozen while the sprint runs
	_, err := runCLI(t, dir, "backlog", "delete", "2")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodePrecondition))
	assert.Contains(t, mustRun(t, dir, "backlog", "tree"), "locked")
}

func TestSprintProceed_StaleAfterSpecChange(t *testing.T) {
	dir := newWorkspace(t)
	mustRun(t, dir, "project", "new", "shop", "--root", dir)
	mustRun(t, dir, "backlog", "add", "feature", "Checkout")
	mustRun(t, dir, "backlog", "add", "backlog_item", "Cart totals", "--parent", "1")
	mustRun(t, dir, "impact", "record", "2", "--rating", "low", "--details", "small change")
	mustRun(t, dir, "sprint", "create", "MVP", "2")

	specFile := filepath.Join(t.TempDir(), "spec.md")
	require.NoError(t, os.WriteFile(specFile, []byte("# Shop\nNow with coupons."), 0o644))
	mustRun(t, dir, "doc", "spec", specFile)

	out, err := runCLI(t, dir, "sprint", "proceed")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConcurrencyConflict))
	assert.Contains(t, out, "#2 Cart totals (stale)")
	assert.Contains(t, out, "re-analysis required")
}

func TestPhaseSet_PreconditionFails(t *testing.T) {
	dir := newWorkspace(t)
	mustRun(t, dir, "project", "new", "shop")

	_, err := runCLI(t, dir, "phase", "set", "planning")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodePrecondition))
	assert.Equal(t, "env_setup", string(statusOf(t, dir).Phase))

	_, err = runCLI(t, dir, "phase", "set", "nonsense")
	assert.True(t, kerrors.HasCode(err, kerrors.CodePrecondition))
}

func TestBacklog_PairingRejected(t *testing.T) {
	dir := newWorkspace(t)
	mustRun(t, dir, "project", "new", "shop")
	mustRun(t, dir, "backlog", "add", "epic", "Payments")

	_, err := runCLI(t, dir, "backlog", "add", "backlog_item", "Orphan", "--parent", "1")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodePrecondition))

	_, err = runCLI(t, dir, "backlog", "add", "saga", "Nope")
	assert.True(t, kerrors.HasCode(err, kerrors.CodePrecondition))
}

func TestRollback_NonInteractiveNeedsConfirmation(t *testing.T) {
	dir := newWorkspace(t)
	mustRun(t, dir, "project", "new", "shop", "--root", dir)

	_, err := runCLI(t, dir, "rollback")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeRollbackUnconfirmed))

	out, err := runCLI(t, dir, "rollback", "--confirm-path", t.TempDir())
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeRollbackUnconfirmed))
	assert.Contains(t, out, "Rollback refused")
}

func TestArchiveStopListLoad(t *testing.T) {
	dir := newWorkspace(t)
	mustRun(t, dir, "project", "new", "shop")
	mustRun(t, dir, "backlog", "add", "feature", "Checkout")

	out := mustRun(t, dir, "archive", "stop")
	assert.Contains(t, out, "Archived shop as history entry 1")

	_, err := runCLI(t, dir, "status")
	assert.True(t, kerrors.HasCode(err, kerrors.CodeNoActiveProject))

	list := mustRun(t, dir, "archive", "list")
	assert.Contains(t, list, "shop")

	mustRun(t, dir, "archive", "load", "1")
	assert.Contains(t, mustRun(t, dir, "backlog", "tree"), "#1 Checkout")
	assert.Contains(t, mustRun(t, dir, "archive", "list"), "No archived projects.")
}

func TestConfigShow_RedactsToken(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, config.KlyveDir), 0o755))
	cfg := "jira:\n  api_token: s3cret\nsprint:\n  risk_threshold: high\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.KlyveDir, config.ConfigFileName), []byte(cfg), 0o644))

	out := mustRun(t, dir, "config", "show")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "risk_threshold: high")

	sources := mustRun(t, dir, "config", "sources")
	assert.Contains(t, sources, "sprint.risk_threshold")
	assert.Contains(t, sources, "project: ")
}

func TestConfigInvalid(t *testing.T) {
	dir := newWorkspace(t)
	t.Setenv("KLYVE_DEBUG_MAX_ATTEMPTS", "0")
	_, err := runCLI(t, dir, "status")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
}

func TestImportJira_Validation(t *testing.T) {
	dir := newWorkspace(t)
	_, err := runCLI(t, dir, "import", "jira")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))

	_, err = runCLI(t, dir, "import", "jira", "--jql", "project = SHOP")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
}

func TestScan_ListsFiles(t *testing.T) {
	dir := newWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	mustRun(t, dir, "project", "new", "shop", "--root", dir)

	out := mustRun(t, dir, "scan", "--list")
	assert.Contains(t, out, "main.go")
	assert.NotContains(t, out, config.KlyveDir)

	_, err := runCLI(t, dir, "scan")
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
}

func TestEscalationReport(t *testing.T) {
	dir := newWorkspace(t)
	mustRun(t, dir, "project", "new", "shop")

	out := mustRun(t, dir, "escalation", "report", "tests failed")
	assert.Contains(t, out, "escalation auto_retry (1/5)")
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	err := kerrors.ErrPersistence("save sprint", errors.New("disk full"))

	PrintError(&buf, err, false)
	assert.NotContains(t, buf.String(), "Code:")

	buf.Reset()
	PrintError(&buf, err, true)
	assert.Contains(t, buf.String(), "Code: PERSISTENCE_FAILED")
	assert.Contains(t, buf.String(), "Cause: disk full")

	buf.Reset()
	PrintError(&buf, errors.New("plain"), true)
	assert.Equal(t, "Error: plain\n", buf.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("x")))
	assert.Equal(t, 3, ExitCode(kerrors.ErrStoreLocked("me", 1)))
	assert.Equal(t, 130, ExitCode(kerrors.ErrCancelled("rollback")))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()

	l, err := newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"}, false, false)
	require.NoError(t, err)
	assert.False(t, l.Enabled(ctx, slog.LevelInfo))

	l, err = newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"}, true, false)
	require.NoError(t, err)
	assert.True(t, l.Enabled(ctx, slog.LevelDebug))
	l.Debug("hello", "k", 1)
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))

	l, err = newLogger(&buf, config.LogConfig{Level: "info"}, false, true)
	require.NoError(t, err)
	assert.False(t, l.Enabled(ctx, slog.LevelWarn))

	_, err = newLogger(&buf, config.LogConfig{Level: "loud"}, false, false)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeConfigInvalid))
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1", "#2", "3,4"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	_, err = parseIDs([]string{"x"})
	assert.Error(t, err)
	_, err = parseIDs([]string{"0"})
	assert.Error(t, err)
}

func TestRunSummary_FromEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	sub := bus.Subscribe(events.EventTaskDone, events.EventEscalation)
	h := events.NewPublishHelper(events.Fanout{bus})

	h.TaskDone("p", events.TaskResult{Name: "execute-plan-task"})
	h.Phase("p", "sprint_execution", "debug_escalation", "")
	h.Escalation("p", events.EscalationUpdate{State: "auto_retry", Attempts: 1, Max: 5})
	h.TaskDone("p", events.TaskResult{Name: "execute-plan-task", Error: "tests failed"})

	var sum runSummary
	sum.add(sub.Drain())
	assert.Equal(t, runSummary{Tasks: 2, Committed: 1, Failed: 1, Escalation: "auto_retry"}, sum)
	assert.Equal(t, "ran 2 task(s): 1 committed, 1 failed, escalation auto_retry", sum.String())
}
