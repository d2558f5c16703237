package git

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// PreflightStatus classifies a project root before it is loaded.
type PreflightStatus string

const (
	PreflightAllPass      PreflightStatus = "all_pass"
	PreflightPathNotFound PreflightStatus = "path_not_found"
	PreflightGitMissing   PreflightStatus = "git_missing"
	PreflightStateDrift   PreflightStatus = "state_drift"
)

// PreflightResult is the outcome of Preflight.
type PreflightResult struct {
	Status  PreflightStatus
	Message string
	// Changes holds porcelain status lines when Status is state_drift.
	Changes []string
}

// OK reports whether the root can be used as-is.
func (p *PreflightResult) OK() bool {
	return p.Status == PreflightAllPass
}

// Preflight checks that a stored project root still exists, is a git
// repository, and has no uncommitted changes. Paths in ignore (such as the
// store directory) do not count as drift.
func Preflight(ctx context.Context, root string, ignore ...string) (*PreflightResult, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return &PreflightResult{
			Status:  PreflightPathNotFound,
			Message: fmt.Sprintf("Project folder %s no longer exists.", root),
		}, nil
	}
	r, err := NewRepo(root)
	if err != nil {
		return nil, err
	}
	if !r.IsRepository(ctx) {
		return &PreflightResult{
			Status:  PreflightGitMissing,
			Message: fmt.Sprintf("Project folder %s is not a git repository.", root),
		}, nil
	}
	status, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}

	var changes []string
	for _, line := range strings.Split(status, "\n") {
		if line == "" || ignored(line, ignore) {
			continue
		}
		changes = append(changes, line)
	}
	if len(changes) > 0 {
		return &PreflightResult{
			Status:  PreflightStateDrift,
			Message: fmt.Sprintf("Project folder %s has %d uncommitted change(s) since it was archived.", root, len(changes)),
			Changes: changes,
		}, nil
	}
	return &PreflightResult{Status: PreflightAllPass, Message: "Project folder is clean."}, nil
}

func ignored(line string, prefixes []string) bool {
	// the runner trims output, so the status columns cannot be sliced by offset
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	path := strings.Trim(fields[len(fields)-1], `"`)
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if path == p || path == p+"/" || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
