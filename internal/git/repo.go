// Package git wraps the few git operations the orchestrator needs: inspecting
// a project root, committing generated artifacts, and discarding local
// changes on rollback.
package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Repo runs git commands against one project root. It does not require the
// root to be a repository; callers check IsRepository where it matters.
type Repo struct {
	root   string
	runner CommandRunner
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithRunner sets a custom command runner.
// This is primarily used for testing to inject mock command execution.
func WithRunner(runner CommandRunner) RepoOption {
	return func(r *Repo) {
		r.runner = runner
	}
}

// NewRepo creates a Repo rooted at the absolute form of root.
func NewRepo(root string, opts ...RepoOption) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &GitError{Op: "resolve path", Err: err}
	}
	r := &Repo{root: filepath.Clean(abs), runner: NewExecRunner()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the absolute project root.
func (r *Repo) Root() string {
	return r.root
}

// Available reports whether a git binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// IsRepository reports whether the root is the top of a git work tree: it
// must contain a .git entry and git must agree it is inside a work tree.
func (r *Repo) IsRepository(ctx context.Context) bool {
	if _, err := os.Stat(filepath.Join(r.root, ".git")); err != nil {
		return false
	}
	out, err := r.git(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HasHead reports whether the repository has at least one commit.
func (r *Repo) HasHead(ctx context.Context) bool {
	_, err := r.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// HeadCommit returns the current HEAD commit SHA.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	sha, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &GitError{Op: "get HEAD commit", Err: err}
	}
	return sha, nil
}

// Status returns the working tree status in porcelain format.
func (r *Repo) Status(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", &GitError{Op: "status", Err: err}
	}
	return out, nil
}

// IsClean returns true if the working tree has no uncommitted changes.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == "", nil
}

// CommitPaths stages the given paths and commits them. It returns the new
// HEAD, or the current HEAD when nothing changed.
func (r *Repo) CommitPaths(ctx context.Context, message string, paths ...string) (string, error) {
	args := append([]string{"add", "--"}, paths...)
	if _, err := r.git(ctx, args...); err != nil {
		return "", &GitError{Op: "stage", Err: err}
	}
	staged, err := r.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return "", &GitError{Op: "diff staged", Err: err}
	}
	if strings.TrimSpace(staged) != "" {
		if _, err := r.git(ctx, "commit", "-m", message); err != nil {
			return "", &GitError{Op: "commit", Err: err}
		}
	}
	return r.HeadCommit(ctx)
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.root, "git", args...)
}
