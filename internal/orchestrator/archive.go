package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/git"
	"github.com/randalmurphal/klyve/internal/phase"
)

// archiveFormat is bumped when the archive layout changes incompatibly.
const archiveFormat = 1

// Archive is the YAML export of a stopped project.
type Archive struct {
	Format     int                    `yaml:"format"`
	ArchivedAt time.Time              `yaml:"archived_at"`
	Project    db.Project             `yaml:"project"`
	State      *db.OrchestrationState `yaml:"state,omitempty"`
	Nodes      []db.ChangeRequest     `yaml:"nodes"`
	Sprints    []db.Sprint            `yaml:"sprints"`
	Artifacts  []ArchivedArtifact     `yaml:"artifacts"`
}

// ArchivedArtifact pairs an artifact with its version history.
type ArchivedArtifact struct {
	Artifact db.Artifact          `yaml:"artifact"`
	History  []db.ArtifactVersion `yaml:"history"`
}

// StopAndArchive exports the active project to a YAML archive, records a
// history entry, removes the project from the live store and returns to
// idle.
func (o *Orchestrator) StopAndArchive(ctx context.Context) (*db.HistoryRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	projectID := o.octx.ProjectID
	if projectID == "" {
		return nil, kerrors.ErrNoProject()
	}
	if o.archiveDir == "" {
		return nil, kerrors.ErrPrecondition("archive project", "no archive directory is configured")
	}

	// the checkpoint taken at stop time is what LoadArchived restores
	st, err := checkpoint(projectID, o.phase, o.step, o.details)
	if err != nil {
		return nil, err
	}
	arc, err := o.export(ctx, projectID)
	if err != nil {
		return nil, err
	}
	arc.State = st

	data, err := yaml.Marshal(arc)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	if err := os.MkdirAll(o.archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.yaml", projectID, arc.ArchivedAt.Format("20060102T150405"))
	path := filepath.Join(o.archiveDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	rec := &db.HistoryRecord{
		ProjectID:   projectID,
		ProjectName: arc.Project.Name,
		RootPath:    arc.Project.RootPath,
		ArchivePath: path,
		LastPhase:   string(o.phase),
		ArchivedAt:  arc.ArchivedAt,
	}
	err = o.octx.Store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := tx.AddHistory(rec); err != nil {
			return err
		}
		if err := tx.DeleteOrchestrationState(projectID); err != nil {
			return err
		}
		return tx.DeleteProject(projectID)
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, kerrors.ErrPersistence("archive project", err)
	}

	from := o.phase
	o.octx.ProjectID = ""
	o.projectName = ""
	o.phase, o.step, o.details = phase.Idle, "", Details{}
	o.logger.Info("project archived", "project", projectID, "archive", path, "last_phase", from)
	o.events.Phase(projectID, string(from), string(phase.Idle), "")
	return rec, nil
}

func (o *Orchestrator) export(ctx context.Context, projectID string) (*Archive, error) {
	store := o.octx.Store
	proj, err := store.GetProject(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return nil, kerrors.ErrEntityNotFound("project", projectID)
	}
	nodes, err := store.ListChangeRequests(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("list backlog", err)
	}
	sprints, err := store.ListSprints(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("list sprints", err)
	}
	arts, err := store.ListArtifacts(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("list artifacts", err)
	}
	arc := &Archive{
		Format:     archiveFormat,
		ArchivedAt: time.Now().UTC(),
		Project:    *proj,
		Nodes:      nodes,
		Sprints:    sprints,
	}
	for _, a := range arts {
		hist, err := store.ArtifactVersions(ctx, a.ID)
		if err != nil {
			return nil, kerrors.ErrPersistence("list artifact versions", err)
		}
		arc.Artifacts = append(arc.Artifacts, ArchivedArtifact{Artifact: a, History: hist})
	}
	return arc, nil
}

// ReadArchive loads an archive file.
func ReadArchive(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	var arc Archive
	if err := yaml.Unmarshal(data, &arc); err != nil {
		return nil, fmt.Errorf("parse archive %s: %w", path, err)
	}
	if arc.Format != archiveFormat {
		return nil, fmt.Errorf("archive %s has format %d, want %d", path, arc.Format, archiveFormat)
	}
	return &arc, nil
}

// LoadOptions controls LoadArchived.
type LoadOptions struct {
	// Force loads despite a missing repository or uncommitted changes. A
	// missing project folder is never accepted.
	Force bool
}

// LoadResult reports what LoadArchived found and did.
type LoadResult struct {
	Preflight *git.PreflightResult
	Loaded    bool
	Status    Status
}

// LoadArchived checks the archived project's folder and re-imports the
// archive into the live store, restoring the checkpoint taken at stop time.
// The history entry is removed once the import commits.
func (o *Orchestrator) LoadArchived(ctx context.Context, historyID int64, opts LoadOptions) (*LoadResult, error) {
	rec, err := o.octx.Store.GetHistory(ctx, historyID)
	if err != nil {
		return nil, kerrors.ErrPersistence("load history", err)
	}
	if rec == nil {
		return nil, kerrors.ErrEntityNotFound("history", fmt.Sprint(historyID))
	}
	arc, err := ReadArchive(rec.ArchivePath)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{Preflight: &git.PreflightResult{Status: git.PreflightAllPass, Message: "No project folder recorded."}}
	if arc.Project.RootPath != "" {
		pf, err := git.Preflight(ctx, arc.Project.RootPath, ".klyve")
		if err != nil {
			return nil, err
		}
		res.Preflight = pf
	}
	switch {
	case res.Preflight.Status == git.PreflightPathNotFound:
		return res, kerrors.ErrPrecondition("load archived project", res.Preflight.Message)
	case !res.Preflight.OK() && !opts.Force:
		return res, kerrors.ErrPrecondition("load archived project", res.Preflight.Message)
	}

	existing, err := o.octx.Store.GetProject(ctx, arc.Project.ID)
	if err != nil {
		return nil, kerrors.ErrPersistence("load project", err)
	}
	if existing != nil {
		return res, kerrors.ErrPrecondition("load archived project",
			fmt.Sprintf("project %s is already in the store", arc.Project.ID))
	}

	err = o.octx.Store.RunInTx(ctx, func(tx *db.TxOps) error {
		proj := arc.Project
		proj.Archived = false
		if err := tx.InsertProject(&proj); err != nil {
			return err
		}
		for _, n := range parentsFirst(arc.Nodes) {
			n := n
			if err := tx.ImportChangeRequest(&n); err != nil {
				return err
			}
		}
		if err := tx.SyncChangeRequestIDs(); err != nil {
			return err
		}
		for _, s := range arc.Sprints {
			s := s
			if err := tx.InsertSprint(&s); err != nil {
				return err
			}
		}
		for _, a := range arc.Artifacts {
			a := a
			if err := tx.ImportArtifact(&a.Artifact, a.History); err != nil {
				return err
			}
		}
		if arc.State != nil {
			if err := tx.SaveOrchestrationState(arc.State); err != nil {
				return err
			}
		}
		return tx.DeleteHistory(historyID)
	})
	if err != nil {
		return res, kerrors.ErrPersistence("import archive", err)
	}

	st, err := o.OpenProject(ctx, arc.Project.ID)
	if err != nil {
		return res, err
	}
	res.Loaded = true
	res.Status = st
	o.logger.Info("archived project loaded", "project", arc.Project.ID, "archive", rec.ArchivePath,
		"preflight", res.Preflight.Status, "forced", opts.Force && !res.Preflight.OK())
	return res, nil
}

// parentsFirst orders nodes so every parent precedes its children.
func parentsFirst(nodes []db.ChangeRequest) []db.ChangeRequest {
	byParent := make(map[int64][]db.ChangeRequest)
	ids := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	var roots []db.ChangeRequest
	for _, n := range nodes {
		if n.ParentID == nil || !ids[*n.ParentID] {
			roots = append(roots, n)
			continue
		}
		byParent[*n.ParentID] = append(byParent[*n.ParentID], n)
	}
	out := make([]db.ChangeRequest, 0, len(nodes))
	queue := roots
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		queue = append(queue, byParent[n.ID]...)
	}
	return out
}

// History lists archived projects, newest first.
func (o *Orchestrator) History(ctx context.Context) ([]db.HistoryRecord, error) {
	recs, err := o.octx.Store.ListHistory(ctx)
	if err != nil {
		return nil, kerrors.ErrPersistence("list history", err)
	}
	return recs, nil
}

// DeleteHistory removes a history entry and, when removeFile is set, its
// archive file.
func (o *Orchestrator) DeleteHistory(ctx context.Context, historyID int64, removeFile bool) error {
	rec, err := o.octx.Store.GetHistory(ctx, historyID)
	if err != nil {
		return kerrors.ErrPersistence("load history", err)
	}
	if rec == nil {
		return kerrors.ErrEntityNotFound("history", fmt.Sprint(historyID))
	}
	if err := o.octx.Store.DeleteHistory(ctx, historyID); err != nil {
		return kerrors.ErrPersistence("delete history", err)
	}
	if removeFile {
		if err := os.Remove(rec.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove archive: %w", err)
		}
	}
	o.logger.Info("history entry deleted", "id", historyID, "project", rec.ProjectID, "file_removed", removeFile)
	return nil
}
