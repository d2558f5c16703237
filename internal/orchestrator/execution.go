package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/randalmurphal/klyve/internal/agent"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/escalation"
	"github.com/randalmurphal/klyve/internal/events"
	"github.com/randalmurphal/klyve/internal/git"
	"github.com/randalmurphal/klyve/internal/phase"
	"github.com/randalmurphal/klyve/internal/runner"
)

// Artifact statuses written by the plan loop.
const (
	ArtifactImplemented = "implemented"
	ArtifactKnownIssue  = "known_issue"
)

// Steps recorded while the plan loop runs.
const (
	StepExecuting        = "executing"
	StepTaskComplete     = "task_complete"
	StepPlanComplete     = "plan_complete"
	StepAutoRetry        = "auto_retry"
	StepAwaitingDecision = "awaiting_decision"
	StepManualPause      = "manual_pause"
)

// Progress tags reported by plan tasks.
const (
	TagExecuting = "executing"
	TagCommitted = "committed"
)

const (
	executeTaskName     = "execute-plan-task"
	defaultArtifactKind = "code"
)

// PlanPosition is the next development-plan task of the active sprint.
type PlanPosition struct {
	SprintID string
	Index    int
	Total    int
	Task     *agent.PlanTask
}

// Done reports whether every task of the plan has completed.
func (p PlanPosition) Done() bool { return p.Task == nil }

// NextTask returns the task under the plan cursor. Moving to a different
// sprint restarts the cursor at zero.
func (o *Orchestrator) NextTask(ctx context.Context) (PlanPosition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos, _, err := o.positionLocked(ctx)
	return pos, err
}

func (o *Orchestrator) positionLocked(ctx context.Context) (PlanPosition, Details, error) {
	if o.octx.ProjectID == "" {
		return PlanPosition{}, Details{}, kerrors.ErrNoProject()
	}
	active, err := o.sprints.Active(ctx, o.octx.ProjectID)
	if err != nil {
		return PlanPosition{}, Details{}, err
	}
	if active == nil {
		return PlanPosition{}, Details{}, kerrors.ErrPrecondition("locate the next plan task", "no sprint is in progress")
	}
	tasks, err := o.sprints.Plan(ctx, active.ID)
	if err != nil {
		return PlanPosition{}, Details{}, err
	}

	next := o.details.clone()
	if next.SprintID != active.ID {
		next.SprintID = active.ID
		next.Cursor = 0
	}
	pos := PlanPosition{SprintID: active.ID, Index: next.Cursor, Total: len(tasks)}
	if next.Cursor < len(tasks) {
		t := tasks[next.Cursor]
		pos.Task = &t
	}
	return pos, next, nil
}

func (o *Orchestrator) controller(d *Details) *escalation.Controller {
	if d.Escalation == nil {
		d.Escalation = escalation.New(o.octx.Config.Debug.MaxAttempts)
	}
	return d.Escalation
}

// RunNextTask submits the task under the cursor to the runner. Success
// commits the produced files, records a new artifact version and advances
// the cursor. Failure is reported to escalation.
func (o *Orchestrator) RunNextTask(ctx context.Context) (*runner.Handle, error) {
	if o.runner == nil || o.executor == nil {
		return nil, kerrors.ErrPrecondition("run the next plan task", "no runner or executor is configured")
	}

	o.mu.Lock()
	if o.phase != phase.SprintExecution {
		o.mu.Unlock()
		return nil, kerrors.ErrPrecondition("run the next plan task",
			fmt.Sprintf("the current phase is %s, not %s", o.phase, phase.SprintExecution))
	}
	pos, next, err := o.positionLocked(ctx)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if pos.Done() {
		o.mu.Unlock()
		return nil, kerrors.ErrPrecondition("run the next plan task",
			fmt.Sprintf("all %d tasks of sprint %s are done", pos.Total, pos.SprintID))
	}
	ctrl := o.controller(&next)
	if ctrl.State == escalation.StatePmEscalation || ctrl.State == escalation.StateManualPause {
		o.mu.Unlock()
		return nil, kerrors.ErrPrecondition("run the next plan task",
			fmt.Sprintf("escalation is %s; a decision is required first", ctrl.State))
	}
	retryCtx := ctrl.RetryContext(pos.Task.MicroSpecID)
	ctrl.BeginRetry()
	if err := o.commitLocked(ctx, o.phase, StepExecuting, next); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	projectID := o.octx.ProjectID
	o.mu.Unlock()

	root, err := o.projectRoot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	task := *pos.Task
	req := ExecRequest{ProjectID: projectID, Root: root, Task: task, RetryContext: retryCtx}

	return o.runner.Submit(runner.Task{
		Name:      executeTaskName,
		ProjectID: projectID,
		Run: func(ctx context.Context, c *runner.Control) (any, error) {
			if err := c.Checkpoint(ctx); err != nil {
				return nil, err
			}
			c.Report(TagExecuting, map[string]any{
				"micro_spec_id": task.MicroSpecID,
				"index":         pos.Index,
				"total":         pos.Total,
			})

			out, err := o.executor.Execute(ctx, req)
			if err != nil {
				if ctx.Err() != nil || kerrors.HasCode(err, kerrors.CodeUserCancelled) {
					return nil, err
				}
				output := err.Error()
				if out != nil && out.Output != "" {
					output = out.Output
				}
				if _, ferr := o.ReportFailure(context.WithoutCancel(ctx), err.Error(), output); ferr != nil {
					return nil, errors.Join(err, ferr)
				}
				return nil, err
			}

			arts, err := o.recordTaskSuccess(ctx, pos, root, out)
			if err != nil {
				return nil, err
			}
			c.Report(TagCommitted, map[string]any{"micro_spec_id": task.MicroSpecID, "artifacts": len(arts)})
			return arts, nil
		},
	})
}

func (o *Orchestrator) projectRoot(ctx context.Context, projectID string) (string, error) {
	proj, err := o.octx.Store.GetProject(ctx, projectID)
	if err != nil {
		return "", kerrors.ErrPersistence("load project", err)
	}
	if proj == nil {
		return "", kerrors.ErrEntityNotFound("project", projectID)
	}
	if proj.RootPath == "" {
		return "", kerrors.ErrPrecondition("run the next plan task", "the project root path is not set")
	}
	return proj.RootPath, nil
}

// recordTaskSuccess commits the task's files when the root is a git
// repository, saves an artifact version per file and advances the cursor.
func (o *Orchestrator) recordTaskSuccess(ctx context.Context, pos PlanPosition, root string, out *ExecOutcome) ([]*db.Artifact, error) {
	task := pos.Task
	var files []string
	if out != nil {
		files = out.Files
	}

	var commit string
	if len(files) > 0 {
		repo, err := git.NewRepo(root)
		if err != nil {
			return nil, err
		}
		if repo.IsRepository(ctx) {
			if commit, err = repo.CommitPaths(ctx, fmt.Sprintf("klyve: %s %s", task.MicroSpecID, task.ComponentName), files...); err != nil {
				return nil, err
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	projectID := o.octx.ProjectID
	if o.details.SprintID != pos.SprintID || o.details.Cursor != pos.Index {
		return nil, kerrors.ErrPrecondition("record plan task result",
			fmt.Sprintf("the plan cursor moved while task %s ran", task.MicroSpecID))
	}

	kind := task.ComponentType
	if kind == "" {
		kind = defaultArtifactKind
	}
	arts := make([]*db.Artifact, 0, len(files))
	for _, f := range files {
		hash, err := fileHash(filepath.Join(root, filepath.FromSlash(f)))
		if err != nil {
			return nil, err
		}
		a := &db.Artifact{
			ProjectID:   projectID,
			FilePath:    f,
			Kind:        kind,
			CommitHash:  commit,
			FileHash:    hash,
			Status:      ArtifactImplemented,
			MicroSpecID: task.MicroSpecID,
		}
		if err := o.octx.Store.SaveArtifact(ctx, a); err != nil {
			return nil, kerrors.ErrPersistence("save artifact", err)
		}
		arts = append(arts, a)
	}

	next := o.details.clone()
	next.Cursor++
	o.controller(&next).ReportSuccess()
	step := StepTaskComplete
	if next.Cursor >= pos.Total {
		step = StepPlanComplete
	}
	if err := o.commitLocked(ctx, o.phase, step, next); err != nil {
		return nil, err
	}
	o.logger.Info("plan task complete", "project", projectID, "sprint", pos.SprintID,
		"micro_spec_id", task.MicroSpecID, "commit", commit, "cursor", next.Cursor, "total", pos.Total)
	return arts, nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open produced file: %w", err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash produced file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ReportFailure records a failed build/test cycle. When the bound is
// reached the project enters debug_escalation and waits for a decision.
func (o *Orchestrator) ReportFailure(ctx context.Context, reason, output string) (escalation.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.octx.ProjectID == "" {
		return "", kerrors.ErrNoProject()
	}

	next := o.details.clone()
	ctrl := o.controller(&next)
	state := ctrl.ReportFailure(reason, output)

	target, step := o.phase, StepAutoRetry
	if state == escalation.StatePmEscalation {
		step = StepAwaitingDecision
		if o.phase != phase.DebugEscalation {
			next.PriorPhase = o.phase
			target = phase.DebugEscalation
		}
	}
	if err := o.commitLocked(ctx, target, step, next); err != nil {
		return "", err
	}

	o.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(state))))
	o.logger.Warn("task failure reported", "project", o.octx.ProjectID, "state", state,
		"attempts", ctrl.Attempts, "max", ctrl.Max, "reason", reason)
	o.events.Escalation(o.octx.ProjectID, events.EscalationUpdate{
		State: string(state), Attempts: ctrl.Attempts, Max: ctrl.Max,
	})
	return state, nil
}

// ResolveEscalation applies a human decision to a pending escalation.
//
// Retry resets the counter and resumes the prior phase. ManualPause parks
// the project in idle with its state saved. Ignore resumes the prior phase;
// while a sprint plan is running it also marks the current task's artifact
// as a known issue and advances the plan cursor. Every decision is audited.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, d escalation.Decision) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.octx.ProjectID == "" {
		return kerrors.ErrNoProject()
	}
	projectID := o.octx.ProjectID

	next := o.details.clone()
	ctrl := o.controller(&next)
	attempts := ctrl.Attempts
	var failureLog string
	if ctrl.Last != nil {
		failureLog = ctrl.Last.Reason
		if ctrl.Last.Output != "" {
			failureLog += "\n" + ctrl.Last.Output
		}
	}
	if err := ctrl.Decide(d); err != nil {
		return err
	}

	var task *agent.PlanTask
	var total int
	if d == escalation.DecisionIgnore && next.PriorPhase == phase.SprintExecution {
		// Without a running plan the failure is accepted with no task to
		// mark, and the cursor stays where it is.
		pos, withSprint, err := o.positionLocked(ctx)
		switch {
		case kerrors.HasCode(err, kerrors.CodePrecondition):
		case err != nil:
			return err
		case next.SprintID != "" && withSprint.SprintID != next.SprintID:
			return kerrors.ErrPrecondition("ignore the failing task", "the active sprint changed since the failure")
		case pos.Task != nil:
			task, total = pos.Task, pos.Total
			next.SprintID, next.Cursor = withSprint.SprintID, withSprint.Cursor+1
		}
	}

	target := o.resumeTarget(ctx, next.PriorPhase)
	step := ""
	if d == escalation.DecisionManualPause {
		target, step = phase.Idle, StepManualPause
	} else if task != nil && next.Cursor >= total {
		step = StepPlanComplete
	}
	if d != escalation.DecisionManualPause {
		next.PriorPhase = ""
	}
	state, err := checkpoint(projectID, target, step, next)
	if err != nil {
		return err
	}

	var artifactID string
	err = o.octx.Store.RunInTx(ctx, func(tx *db.TxOps) error {
		if task != nil {
			id, err := markKnownIssue(tx, projectID, task)
			if err != nil {
				return err
			}
			artifactID = id
		}
		taskRef := ""
		if task != nil {
			taskRef = task.MicroSpecID
		} else if next.SprintID != "" {
			taskRef = fmt.Sprintf("%s#%d", next.SprintID, next.Cursor)
		}
		if err := tx.RecordEscalationDecision(&db.EscalationDecision{
			ProjectID:  projectID,
			Decision:   string(d),
			Attempts:   attempts,
			FailureLog: failureLog,
			ArtifactID: artifactID,
			TaskRef:    taskRef,
		}); err != nil {
			return err
		}
		return tx.SaveOrchestrationState(state)
	})
	if err != nil {
		return kerrors.ErrPersistence("record escalation decision", err)
	}

	from := o.phase
	o.phase, o.step, o.details = target, step, next
	o.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "decision_"+string(d))))
	o.logger.Info("escalation resolved", "project", projectID, "decision", d, "attempts", attempts,
		"artifact", artifactID, "phase", target)
	o.events.Escalation(projectID, events.EscalationUpdate{
		State: string(ctrl.State), Attempts: ctrl.Attempts, Max: ctrl.Max, Decision: string(d),
	})
	if from != target {
		o.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(from)), attribute.String("to", string(target))))
		o.events.Phase(projectID, string(from), string(target), step)
	}
	return nil
}

// markKnownIssue flags the artifact a failing task targets, creating a
// placeholder when the task never produced one.
func markKnownIssue(tx *db.TxOps, projectID string, task *agent.PlanTask) (string, error) {
	path, err := containedPath(task.ComponentFilePath)
	if err != nil {
		path = "plan/" + task.MicroSpecID
	}
	a, err := tx.GetArtifactByPath(projectID, path)
	if err != nil {
		return "", err
	}
	if a != nil {
		return a.ID, tx.UpdateArtifactStatus(a.ID, ArtifactKnownIssue)
	}
	kind := task.ComponentType
	if kind == "" {
		kind = defaultArtifactKind
	}
	a = &db.Artifact{
		ProjectID:   projectID,
		FilePath:    path,
		Kind:        kind,
		Status:      ArtifactKnownIssue,
		MicroSpecID: task.MicroSpecID,
	}
	if err := tx.SaveArtifact(a); err != nil {
		return "", err
	}
	return a.ID, nil
}

// resumeTarget returns prior when its preconditions hold, else the PM
// checkpoint.
func (o *Orchestrator) resumeTarget(ctx context.Context, prior phase.Phase) phase.Phase {
	if prior == "" || !phase.IsValid(prior) {
		return phase.PmCheckpoint
	}
	facts, err := phase.LoadFacts(ctx, o.octx.Store, o.octx.ProjectID)
	if err != nil || phase.Check(prior, facts) != nil {
		return phase.PmCheckpoint
	}
	return prior
}

// ResumeAfterPause restarts work parked by a ManualPause decision.
func (o *Orchestrator) ResumeAfterPause(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.octx.ProjectID == "" {
		return kerrors.ErrNoProject()
	}
	next := o.details.clone()
	if err := o.controller(&next).Resume(); err != nil {
		return err
	}
	target := o.resumeTarget(ctx, next.PriorPhase)
	next.PriorPhase = ""
	return o.commitLocked(ctx, target, "", next)
}
