// Package phase defines the orchestration phases and the facts each phase
// requires before it can be entered.
package phase

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
)

// Phase is a top-level stage of the project lifecycle.
type Phase string

const (
	Idle                      Phase = "idle"
	EnvSetup                  Phase = "env_setup"
	SpecElaboration           Phase = "spec_elaboration"
	Planning                  Phase = "planning"
	BacklogGeneration         Phase = "backlog_generation"
	SprintPlanning            Phase = "sprint_planning"
	SprintExecution           Phase = "sprint_execution"
	DebugEscalation           Phase = "debug_escalation"
	PmCheckpoint              Phase = "pm_checkpoint"
	StopExport                Phase = "stop_export"
	RaisingChangeRequest      Phase = "raising_change_request"
	ImplementingChangeRequest Phase = "implementing_change_request"
	ViewingHistory            Phase = "viewing_history"
)

// All returns every phase in lifecycle order, cross-cutting phases last.
func All() []Phase {
	return []Phase{
		Idle, EnvSetup, SpecElaboration, Planning, BacklogGeneration,
		SprintPlanning, SprintExecution, DebugEscalation, PmCheckpoint, StopExport,
		RaisingChangeRequest, ImplementingChangeRequest, ViewingHistory,
	}
}

// IsValid returns true if p is a known phase.
func IsValid(p Phase) bool {
	for _, v := range All() {
		if v == p {
			return true
		}
	}
	return false
}

// Parse validates a stored or user-supplied phase name.
func Parse(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !IsValid(p) {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// NeedsProject reports whether the phase can only be entered with an
// active project.
func (p Phase) NeedsProject() bool {
	return p != Idle && p != ViewingHistory
}

// Facts is a snapshot of the stored state that phase preconditions read.
type Facts struct {
	ProjectID        string
	RootPath         string
	HasFinalSpec     bool
	HasTechSpec      bool
	EligibleBacklog  int
	ActiveSprintID   string
	ActiveSprintPlan bool
}

// LoadFacts reads the facts for a project. An empty projectID yields empty
// facts.
func LoadFacts(ctx context.Context, store *db.ProjectDB, projectID string) (Facts, error) {
	if projectID == "" {
		return Facts{}, nil
	}
	proj, err := store.GetProject(ctx, projectID)
	if err != nil {
		return Facts{}, kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return Facts{}, kerrors.ErrEntityNotFound("project", projectID)
	}
	f := Facts{
		ProjectID:    proj.ID,
		RootPath:     proj.RootPath,
		HasFinalSpec: strings.TrimSpace(proj.FinalSpec) != "",
		HasTechSpec:  strings.TrimSpace(proj.TechSpec) != "",
	}

	kinds := backlog.SprintEligibleKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	if f.EligibleBacklog, err = store.CountChangeRequests(ctx, projectID, names...); err != nil {
		return Facts{}, kerrors.ErrPersistence("count backlog", err)
	}

	active, err := store.SprintsByStatus(ctx, projectID, db.SprintActiveStatus)
	if err != nil {
		return Facts{}, kerrors.ErrPersistence("list active sprints", err)
	}
	if len(active) > 0 {
		f.ActiveSprintID = active[0].ID
		f.ActiveSprintPlan = strings.TrimSpace(active[0].Plan) != ""
	}
	return f, nil
}

// Check returns a precondition error when facts do not allow entering p.
func Check(p Phase, f Facts) error {
	if !IsValid(p) {
		return kerrors.ErrPrecondition(fmt.Sprintf("enter phase %q", p), "unknown phase")
	}
	what := fmt.Sprintf("enter phase %s", p)
	if p.NeedsProject() && f.ProjectID == "" {
		return kerrors.ErrPrecondition(what, "no active project")
	}

	switch p {
	case SpecElaboration:
		if f.RootPath == "" {
			return kerrors.ErrPrecondition(what, "the project root path is not set")
		}
	case Planning, RaisingChangeRequest, ImplementingChangeRequest:
		if !f.HasFinalSpec {
			return kerrors.ErrPrecondition(what, "no final specification has been saved")
		}
	case BacklogGeneration:
		if !f.HasTechSpec {
			return kerrors.ErrPrecondition(what, "no technical specification has been saved")
		}
	case SprintPlanning:
		if f.EligibleBacklog == 0 {
			return kerrors.ErrPrecondition(what, "the backlog has no items that can join a sprint")
		}
	case SprintExecution:
		if f.ActiveSprintID == "" {
			return kerrors.ErrPrecondition(what, "no sprint is in progress")
		}
		if !f.ActiveSprintPlan {
			return kerrors.ErrPrecondition(what, fmt.Sprintf("sprint %s has no development plan", f.ActiveSprintID))
		}
	}
	return nil
}
