package sprint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/runner"
)

// TagPlanning is reported while the plan agent runs.
const TagPlanning = "planning"

type planDoc struct {
	DevelopmentPlan []agent.PlanTask `json:"development_plan"`
}

// EncodePlan serializes tasks in the development-plan shape the plan agent
// produces, so stored plans and fresh agent output parse the same way.
func EncodePlan(tasks []agent.PlanTask) (string, error) {
	b, err := json.Marshal(planDoc{DevelopmentPlan: tasks})
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return string(b), nil
}

// Plan returns the sprint's parsed plan. A sprint without a plan returns nil.
func (m *Manager) Plan(ctx context.Context, sprintID string) ([]agent.PlanTask, error) {
	s, err := m.Get(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Plan) == "" {
		return nil, nil
	}
	return agent.ParsePlan(s.Plan)
}

// SavePlan replaces an in-progress sprint's plan.
func (m *Manager) SavePlan(ctx context.Context, sprintID string, tasks []agent.PlanTask) error {
	if len(tasks) == 0 {
		return kerrors.ErrPrecondition(fmt.Sprintf("save plan for sprint %s", sprintID), "plan has no tasks")
	}
	plan, err := EncodePlan(tasks)
	if err != nil {
		return err
	}
	s, err := m.Get(ctx, sprintID)
	if err != nil {
		return err
	}
	unlock := m.lockProject(s.ProjectID)
	defer unlock()

	err = m.inTx(ctx, func(tx *db.TxOps) error {
		cur, err := tx.GetSprint(sprintID)
		if err != nil {
			return kerrors.ErrPersistence("load sprint", err)
		}
		if cur == nil {
			return kerrors.ErrEntityNotFound("sprint", sprintID)
		}
		if Status(cur.Status) != StatusInProgress {
			return kerrors.ErrPrecondition(fmt.Sprintf("save plan for sprint %s", sprintID), fmt.Sprintf("sprint is %s", cur.Status))
		}
		if err := tx.UpdateSprintPlan(sprintID, plan); err != nil {
			return kerrors.ErrPersistence("save sprint plan", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("sprint plan saved", "project", s.ProjectID, "sprint", sprintID, "tasks", len(tasks))
	return nil
}

// PlanTask builds a background task that asks the plan agent for a
// development plan covering the sprint's items, validates its shape, and
// stores it. The gate must pass first.
func (m *Manager) PlanTask(sprintID string, gen agent.Generator) runner.Task {
	return runner.Task{
		Name: "sprint-plan",
		Run: func(ctx context.Context, c *runner.Control) (any, error) {
			rep, err := m.RunPreExecutionChecks(ctx, sprintID)
			if err != nil {
				return nil, err
			}
			if rep.Blocked() {
				return nil, kerrors.ErrPrecondition(fmt.Sprintf("plan sprint %s", sprintID), blockedReason(rep))
			}
			if !rep.Stale.Pass {
				return nil, kerrors.ErrStaleItems(sprintID, rep.StaleIDs())
			}
			if err := c.Checkpoint(ctx); err != nil {
				return nil, err
			}

			prompt, err := m.planPrompt(ctx, sprintID)
			if err != nil {
				return nil, err
			}
			c.Report(TagPlanning, map[string]any{"sprint_id": sprintID})
			raw, err := gen.Generate(ctx, prompt, agent.ComplexityComplex)
			if err != nil {
				return nil, fmt.Errorf("generate plan for sprint %s: %w", sprintID, err)
			}
			tasks, err := agent.ParsePlan(raw)
			if err != nil {
				return nil, err
			}
			if err := m.SavePlan(ctx, sprintID, tasks); err != nil {
				return nil, err
			}
			return tasks, nil
		},
	}
}

func (m *Manager) planPrompt(ctx context.Context, sprintID string) (string, error) {
	s, err := m.Get(ctx, sprintID)
	if err != nil {
		return "", err
	}
	proj, err := m.store.GetProject(ctx, s.ProjectID)
	if err != nil {
		return "", kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return "", kerrors.ErrEntityNotFound("project", s.ProjectID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Produce a development plan for the sprint goal: %s\n\n", s.Goal)
	if proj.TechSpec != "" {
		fmt.Fprintf(&b, "## Technical specification\n%s\n\n", proj.TechSpec)
	}
	if proj.CodingStandard != "" {
		fmt.Fprintf(&b, "## Coding standard\n%s\n\n", proj.CodingStandard)
	}
	b.WriteString("## Sprint items\n")
	for _, id := range s.ItemIDs {
		cr, err := m.store.GetChangeRequest(ctx, id)
		if err != nil {
			return "", kerrors.ErrPersistence("load change request", err)
		}
		if cr == nil {
			continue
		}
		fmt.Fprintf(&b, "- [%d] %s (%s)\n", cr.ID, cr.Title, cr.Kind)
		if cr.TechnicalPreview != "" {
			fmt.Fprintf(&b, "  preview: %s\n", cr.TechnicalPreview)
		}
	}
	b.WriteString("\nRespond with a JSON object {\"development_plan\": [...]} where each task has micro_spec_id, " +
		"task_description, component_name, component_type, and component_file_path.\n")
	return b.String(), nil
}
