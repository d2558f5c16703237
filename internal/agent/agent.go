// Package agent defines the text-generation collaborator contract and
// validates the structure of what it returns before the engine trusts it.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// Complexity hints how much effort a generation call deserves.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
)

// Generator produces text or a JSON document from a context prompt. The
// engine treats it as a black box.
type Generator interface {
	Generate(ctx context.Context, prompt string, complexity Complexity) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, complexity Complexity) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, complexity Complexity) (string, error) {
	return f(ctx, prompt, complexity)
}

// CLIGenerator runs an external command, writes the prompt to its stdin and
// reads the generated text from stdout. The complexity is passed through the
// KLYVE_COMPLEXITY environment variable.
type CLIGenerator struct {
	Command string
	Args    []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCLIGenerator creates a generator backed by command.
func NewCLIGenerator(command string, args []string, timeout time.Duration, logger *slog.Logger) *CLIGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIGenerator{Command: command, Args: args, Timeout: timeout, Logger: logger}
}

// Generate runs the command once.
func (g *CLIGenerator) Generate(ctx context.Context, prompt string, complexity Complexity) (string, error) {
	if g.Command == "" {
		return "", kerrors.ErrConfigInvalid("agent.command", "no generator command configured")
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.Command, g.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(cmd.Environ(), "KLYVE_COMPLEXITY="+string(complexity))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	g.Logger.Debug("agent call finished", "command", g.Command, "complexity", complexity,
		"duration", time.Since(started), "bytes", stdout.Len())
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("agent command %s: %s: %w", g.Command, truncateForError(msg, 200), err)
	}
	return stdout.String(), nil
}

// truncateForError truncates content for error messages, never splitting
// a UTF-8 sequence.
func truncateForError(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "...[truncated]"
}
