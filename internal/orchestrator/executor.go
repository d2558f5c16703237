package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/klyve/internal/agent"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// ExecRequest is one development-plan task handed to an Executor.
type ExecRequest struct {
	ProjectID string
	Root      string
	Task      agent.PlanTask
	// RetryContext describes the previous failure; empty on a first attempt.
	RetryContext string
}

// ExecOutcome lists the files a task produced, relative to the root.
type ExecOutcome struct {
	Files  []string
	Output string
}

// Executor implements plan tasks. A returned error is a failed attempt and
// feeds escalation; the outcome, when non-nil, carries its output.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecOutcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (*ExecOutcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (*ExecOutcome, error) {
	return f(ctx, req)
}

// AgentExecutor asks the agent for a component's full content and writes
// it to the task's file path.
type AgentExecutor struct {
	Gen agent.Generator
}

// Execute implements Executor.
func (e *AgentExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecOutcome, error) {
	rel, err := containedPath(req.Task.ComponentFilePath)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement component %q (%s) for micro-spec %s.\n\n",
		req.Task.ComponentName, req.Task.ComponentType, req.Task.MicroSpecID)
	fmt.Fprintf(&sb, "## Task\n\n%s\n\n", req.Task.TaskDescription)
	fmt.Fprintf(&sb, "Return only the complete content of %s.\n", rel)
	if req.RetryContext != "" {
		sb.WriteString("\n")
		sb.WriteString(req.RetryContext)
	}

	raw, err := e.Gen.Generate(ctx, sb.String(), agent.ComplexityComplex)
	if err != nil {
		return nil, err
	}
	content, err := agent.RequireText("executor", raw)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(req.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create component dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write component: %w", err)
	}
	return &ExecOutcome{Files: []string{rel}}, nil
}

// containedPath cleans a task's relative file path and refuses paths that
// leave the project root.
func containedPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", kerrors.ErrAgentOutput("executor", "task has no component_file_path")
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", kerrors.ErrAgentOutput("executor", fmt.Sprintf("component path %q is outside the project root", p))
	}
	return clean, nil
}
