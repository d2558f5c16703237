package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

func requireGit(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skip("git not available")
	}
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	run(t, dir, "init")
	run(t, dir, "config", "user.email", "test@test.com")
	run(t, dir, "config", "user.name", "Test User")
	writeFile(t, dir, "README.md", "# Test\n")
	writeFile(t, dir, ".gitignore", "build/\n")
	run(t, dir, "add", ".")
	run(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func exists(dir, rel string) bool {
	_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
	return err == nil
}

func TestDiscardLocalChanges(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)

	writeFile(t, dir, "README.md", "# Changed\n")
	writeFile(t, dir, "new.go", "package x\n")
	writeFile(t, dir, "gen/deep/file.txt", "x")
	writeFile(t, dir, "build/out.bin", "x")
	writeFile(t, dir, ".klyve/klyve.db", "store")

	res, err := DiscardLocalChanges(ctx, dir, dir, ".klyve")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.Message, "Discarded")

	content, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Test\n", string(content))
	assert.False(t, exists(dir, "new.go"))
	assert.False(t, exists(dir, "gen"))
	assert.False(t, exists(dir, "build"), "ignored files are removed too")
	assert.True(t, exists(dir, ".klyve/klyve.db"), "kept paths survive")

	r, err := NewRepo(dir)
	require.NoError(t, err)
	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "?? .klyve/", status)
}

func TestDiscardLocalChanges_Refusals(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)
	writeFile(t, dir, "keep.txt", "precious")

	for _, confirmed := range []string{"", "  ", filepath.Dir(dir), filepath.Join(dir, "sub")} {
		res, err := DiscardLocalChanges(ctx, dir, confirmed)
		require.Error(t, err)
		assert.True(t, kerrors.HasCode(err, kerrors.CodeRollbackUnconfirmed), "confirmed %q", confirmed)
		assert.False(t, res.OK)
		assert.Contains(t, res.Message, "refused")
	}
	assert.True(t, exists(dir, "keep.txt"))

	plain := t.TempDir()
	writeFile(t, plain, "data.txt", "x")
	res, err := DiscardLocalChanges(ctx, plain, plain)
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeGitNotRepository))
	assert.False(t, res.OK)
	assert.True(t, exists(plain, "data.txt"))

	// a subdirectory of a repository is not a project root
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	_, err = DiscardLocalChanges(ctx, sub, sub)
	assert.True(t, kerrors.HasCode(err, kerrors.CodeGitNotRepository))
	assert.True(t, exists(dir, "keep.txt"))
}

func TestDiscardLocalChanges_ConfirmedThroughRelativePath(t *testing.T) {
	dir := setupTestRepo(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, dir)
	if err != nil {
		t.Skip("temp dir not reachable relatively")
	}
	res, err := DiscardLocalChanges(context.Background(), dir, rel)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestDiscardLocalChanges_NoCommits(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	run(t, dir, "init")
	writeFile(t, dir, "a.txt", "x")

	res, err := DiscardLocalChanges(context.Background(), dir, dir)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, exists(dir, "a.txt"))
}

type fakeRunner struct {
	calls [][]string
	fail  string
}

func (f *fakeRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if len(args) > 0 && args[0] == f.fail {
		return "boom", &CommandError{Command: name, Args: args, Output: "boom", Err: errors.New("exit 1")}
	}
	switch {
	case len(args) > 1 && args[1] == "--is-inside-work-tree":
		return "true", nil
	}
	return "", nil
}

func TestDiscardLocalChanges_CommandSequence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	fr := &fakeRunner{}
	r, err := NewRepo(dir, WithRunner(fr))
	require.NoError(t, err)

	res, err := r.DiscardLocalChanges(context.Background(), dir, ".klyve")
	require.NoError(t, err)
	assert.True(t, res.OK)

	var cmds []string
	for _, c := range fr.calls {
		cmds = append(cmds, strings.Join(c, " "))
	}
	assert.Equal(t, []string{
		"rev-parse --is-inside-work-tree",
		"rev-parse --verify --quiet HEAD",
		"reset --hard HEAD",
		"clean -fdx -e /.klyve",
	}, cmds)

	fr = &fakeRunner{fail: "clean"}
	r, err = NewRepo(dir, WithRunner(fr))
	require.NoError(t, err)
	res, err = r.DiscardLocalChanges(context.Background(), dir)
	require.Error(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "untracked")
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()

	res, err := Preflight(ctx, filepath.Join(t.TempDir(), "gone"))
	require.NoError(t, err)
	assert.Equal(t, PreflightPathNotFound, res.Status)

	res, err = Preflight(ctx, t.TempDir())
	require.NoError(t, err)
	if Available() {
		assert.Equal(t, PreflightGitMissing, res.Status)
	}

	dir := setupTestRepo(t)
	res, err = Preflight(ctx, dir)
	require.NoError(t, err)
	assert.True(t, res.OK())

	writeFile(t, dir, ".klyve/klyve.db", "x")
	res, err = Preflight(ctx, dir, ".klyve")
	require.NoError(t, err)
	assert.True(t, res.OK(), "ignored paths are not drift")

	writeFile(t, dir, "README.md", "edited")
	res, err = Preflight(ctx, dir, ".klyve")
	require.NoError(t, err)
	assert.Equal(t, PreflightStateDrift, res.Status)
	assert.Equal(t, []string{"M README.md"}, res.Changes)
}

func TestCommitPaths(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)
	r, err := NewRepo(dir)
	require.NoError(t, err)

	before, err := r.HeadCommit(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "pkg/a.go", "package pkg\n")
	sha, err := r.CommitPaths(ctx, "add a.go", "pkg/a.go")
	require.NoError(t, err)
	assert.NotEqual(t, before, sha)

	again, err := r.CommitPaths(ctx, "no-op", "pkg/a.go")
	require.NoError(t, err)
	assert.Equal(t, sha, again, "nothing staged keeps HEAD")

	clean, err := r.IsClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)
}
