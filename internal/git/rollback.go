package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// Result reports the outcome of a destructive operation in words a user
// can act on.
type Result struct {
	OK      bool
	Message string
}

// DiscardLocalChanges reverts every tracked modification under root to the
// last commit and deletes every untracked or ignored file and directory.
// confirmedPath must resolve to the same directory as root; anything else is
// refused before git is invoked. Paths in keep (relative to root) survive
// the clean.
func DiscardLocalChanges(ctx context.Context, root, confirmedPath string, keep ...string) (*Result, error) {
	r, err := NewRepo(root)
	if err != nil {
		return &Result{Message: err.Error()}, err
	}
	return r.DiscardLocalChanges(ctx, confirmedPath, keep...)
}

// DiscardLocalChanges is the Repo form of the package-level function.
func (r *Repo) DiscardLocalChanges(ctx context.Context, confirmedPath string, keep ...string) (*Result, error) {
	if !samePath(r.root, confirmedPath) {
		err := kerrors.ErrRollbackUnconfirmed(r.root)
		return &Result{Message: fmt.Sprintf("Rollback refused: %q was not confirmed as the project root.", r.root)}, err
	}
	if info, err := os.Stat(r.root); err != nil || !info.IsDir() {
		err := kerrors.ErrNotRepository(r.root)
		return &Result{Message: fmt.Sprintf("Rollback refused: %s is not a directory.", r.root)}, err
	}
	if !r.IsRepository(ctx) {
		err := kerrors.ErrNotRepository(r.root)
		return &Result{Message: fmt.Sprintf("Rollback refused: %s is not a git repository.", r.root)}, err
	}

	if r.HasHead(ctx) {
		if _, err := r.git(ctx, "reset", "--hard", "HEAD"); err != nil {
			return &Result{Message: fmt.Sprintf("Rollback failed while reverting tracked files: %v", err)},
				&GitError{Op: "reset", Err: err}
		}
	}

	args := []string{"clean", "-fdx"}
	for _, k := range keep {
		args = append(args, "-e", "/"+strings.TrimPrefix(filepath.ToSlash(k), "/"))
	}
	if _, err := r.git(ctx, args...); err != nil {
		return &Result{Message: fmt.Sprintf("Rollback failed while removing untracked files: %v", err)},
			&GitError{Op: "clean", Err: err}
	}
	return &Result{OK: true, Message: fmt.Sprintf("Discarded all local changes in %s.", r.root)}, nil
}

func samePath(root, confirmed string) bool {
	if strings.TrimSpace(confirmed) == "" {
		return false
	}
	c, err := filepath.Abs(confirmed)
	if err != nil {
		return false
	}
	return resolve(root) == resolve(c)
}

func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Clean(r)
	}
	return filepath.Clean(p)
}
