package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/phase"
)

// CreateProject stores a new project, makes it active and enters
// env_setup.
func (o *Orchestrator) CreateProject(ctx context.Context, name, root string) (*db.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, kerrors.ErrPrecondition("create project", "a project name is required")
	}
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve project root: %w", err)
		}
		root = abs
	}
	proj := &db.Project{Name: name, RootPath: root}
	if err := o.octx.Store.CreateProject(ctx, proj); err != nil {
		return nil, kerrors.ErrPersistence("create project", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.octx.ProjectID = proj.ID
	o.projectName = proj.Name
	o.phase, o.step, o.details = phase.Idle, "", Details{}
	o.logger.Info("project created", "project", proj.ID, "name", name, "root", root)
	if err := o.setPhaseLocked(ctx, phase.EnvSetup, o.details); err != nil {
		return proj, err
	}
	return proj, nil
}

// OpenProject makes a stored project active and restores its checkpoint.
// A project without a checkpoint starts idle.
func (o *Orchestrator) OpenProject(ctx context.Context, projectID string) (Status, error) {
	proj, err := o.octx.Store.GetProject(ctx, projectID)
	if err != nil {
		return Status{}, kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return Status{}, kerrors.ErrEntityNotFound("project", projectID)
	}
	state, err := o.octx.Store.GetOrchestrationState(ctx, projectID)
	if err != nil {
		return Status{}, kerrors.ErrPersistence("load orchestration state", err)
	}

	p, step, details := phase.Idle, "", Details{}
	if state != nil {
		if p, details, err = decodeState(state); err != nil {
			return Status{}, err
		}
		step = state.Step
	}

	o.mu.Lock()
	o.octx.ProjectID = proj.ID
	o.projectName = proj.Name
	o.phase, o.step, o.details = p, step, details
	o.mu.Unlock()

	o.logger.Info("project opened", "project", proj.ID, "phase", p, "step", step)
	return o.Status(), nil
}

// CloseProject detaches the active project and returns to idle in memory.
// The stored checkpoint is left as-is so the project can be resumed.
func (o *Orchestrator) CloseProject() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.octx.ProjectID = ""
	o.projectName = ""
	o.phase, o.step, o.details = phase.Idle, "", Details{}
}

func decodeState(s *db.OrchestrationState) (phase.Phase, Details, error) {
	p, err := phase.Parse(s.Phase)
	if err != nil {
		return "", Details{}, kerrors.ErrPersistence("decode orchestration state",
			fmt.Errorf("project %s: %w", s.ProjectID, err))
	}
	var d Details
	if s.Details != "" {
		if err := json.Unmarshal([]byte(s.Details), &d); err != nil {
			return "", Details{}, kerrors.ErrPersistence("decode orchestration details",
				fmt.Errorf("project %s: %w", s.ProjectID, err))
		}
	}
	return p, d, nil
}

// Resumable describes the most recent paused project.
type Resumable struct {
	ProjectID   string
	ProjectName string
	Phase       phase.Phase
	Step        string
	UpdatedAt   time.Time
}

// FindResumable returns the most recently checkpointed project that is not
// archived, or nil when there is nothing to resume.
func (o *Orchestrator) FindResumable(ctx context.Context) (*Resumable, error) {
	s, err := o.octx.Store.LatestResumable(ctx)
	if err != nil {
		return nil, kerrors.ErrPersistence("find resumable project", err)
	}
	if s == nil {
		return nil, nil
	}
	p, _, err := decodeState(&s.OrchestrationState)
	if err != nil {
		return nil, err
	}
	return &Resumable{
		ProjectID:   s.ProjectID,
		ProjectName: s.ProjectName,
		Phase:       p,
		Step:        s.Step,
		UpdatedAt:   s.UpdatedAt,
	}, nil
}

// Resume opens the most recent resumable project. It returns nil when
// nothing is paused.
func (o *Orchestrator) Resume(ctx context.Context) (*Status, error) {
	r, err := o.FindResumable(ctx)
	if err != nil || r == nil {
		return nil, err
	}
	st, err := o.OpenProject(ctx, r.ProjectID)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
