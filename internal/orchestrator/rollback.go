package orchestrator

import (
	"context"

	"github.com/randalmurphal/klyve/internal/config"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/git"
)

// DiscardLocalChanges reverts the active project's folder to its last
// commit. confirmedPath is the path the user typed back; it must name the
// project root. The store directory is never removed.
func (o *Orchestrator) DiscardLocalChanges(ctx context.Context, confirmedPath string) (*git.Result, error) {
	id, err := o.activeProject()
	if err != nil {
		return nil, err
	}
	proj, err := o.octx.Store.GetProject(ctx, id)
	if err != nil {
		return nil, kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return nil, kerrors.ErrEntityNotFound("project", id)
	}
	if proj.RootPath == "" {
		return nil, kerrors.ErrPrecondition("discard local changes", "the project has no folder")
	}

	res, err := git.DiscardLocalChanges(ctx, proj.RootPath, confirmedPath, config.KlyveDir)
	if err != nil {
		o.logger.Warn("rollback refused", "project", id, "root", proj.RootPath, "error", err)
		o.events.Error(id, err)
		return res, err
	}
	o.logger.Info("local changes discarded", "project", id, "root", proj.RootPath)
	return res, nil
}
