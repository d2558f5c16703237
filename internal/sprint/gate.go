package sprint

import (
	"context"
	"fmt"
	"strings"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/impact"
)

// GateConfig holds the sprint gate thresholds. An item passes the scope
// check when its complexity ranks at or below ScopeCeiling; the sprint
// passes the risk check when the highest impact rating among its items
// ranks at or below RiskThreshold.
type GateConfig struct {
	ScopeCeiling  backlog.Complexity
	RiskThreshold impact.Rating
}

// DefaultGateConfig returns the default thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ScopeCeiling:  backlog.ComplexityLarge,
		RiskThreshold: impact.RatingMedium,
	}
}

// Validate rejects thresholds outside the known scales.
func (c GateConfig) Validate() error {
	if !backlog.IsValidComplexity(c.ScopeCeiling) {
		return kerrors.ErrConfigInvalid("sprint.scope_ceiling", fmt.Sprintf("unknown complexity %q", c.ScopeCeiling))
	}
	if !impact.IsValidRating(c.RiskThreshold) {
		return kerrors.ErrConfigInvalid("sprint.risk_threshold", fmt.Sprintf("unknown rating %q", c.RiskThreshold))
	}
	return nil
}

// Check is the outcome of one gate check.
type Check struct {
	Name    string
	Pass    bool
	Message string
	// ItemIDs lists the items that caused a failure.
	ItemIDs []int64
}

// Report holds the three independent gate checks for a sprint.
type Report struct {
	SprintID      string
	Scope         Check
	Stale         Check
	Risk          Check
	StaleItems    []impact.StaleItem
	AggregateRisk impact.Rating
}

// Checks returns the checks in display order.
func (r *Report) Checks() []Check {
	return []Check{r.Scope, r.Stale, r.Risk}
}

// Blocked reports whether a scope or risk failure blocks the sprint
// regardless of re-analysis.
func (r *Report) Blocked() bool {
	return !r.Scope.Pass || !r.Risk.Pass
}

// CanProceed reports whether every check passed.
func (r *Report) CanProceed() bool {
	return r.Scope.Pass && r.Stale.Pass && r.Risk.Pass
}

// StaleIDs returns the ids of items that need re-analysis.
func (r *Report) StaleIDs() []int64 {
	return r.Stale.ItemIDs
}

// RunPreExecutionChecks evaluates the gate for a sprint. It only reads
// stored data and never invokes an agent, so it is cheap to repeat.
func (m *Manager) RunPreExecutionChecks(ctx context.Context, sprintID string) (*Report, error) {
	var rep *Report
	err := m.inTx(ctx, func(tx *db.TxOps) error {
		var err error
		rep, _, err = m.evaluate(tx, sprintID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// Proceed re-runs the gate and, when every check passes, moves the sprint's
// open items to implementation_in_progress, locking them. A scope or risk
// failure returns a precondition error; stale items return a concurrency
// conflict whose details list their ids. The report is returned in every
// case where it could be computed.
func (m *Manager) Proceed(ctx context.Context, sprintID string) (*Report, error) {
	s, err := m.Get(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	unlock := m.lockProject(s.ProjectID)
	defer unlock()

	var rep *Report
	var started []int64
	err = m.inTx(ctx, func(tx *db.TxOps) error {
		var items []db.ChangeRequest
		var err error
		rep, items, err = m.evaluate(tx, sprintID)
		if err != nil {
			return err
		}
		if rep.Blocked() {
			return kerrors.ErrPrecondition(fmt.Sprintf("proceed with sprint %s", sprintID), blockedReason(rep))
		}
		if !rep.Stale.Pass {
			return kerrors.ErrStaleItems(sprintID, rep.StaleIDs())
		}
		for _, cr := range items {
			switch backlog.Status(cr.Status) {
			case backlog.StatusImplementationInProgress, backlog.StatusCompleted, backlog.StatusCancelled:
				continue
			}
			if err := tx.UpdateChangeRequestStatus(cr.ID, string(backlog.StatusImplementationInProgress)); err != nil {
				return kerrors.ErrPersistence("lock sprint item", err)
			}
			started = append(started, cr.ID)
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	m.logger.Info("sprint gate passed", "project", s.ProjectID, "sprint", sprintID, "locked", len(started))
	if len(started) > 0 {
		m.events.Backlog(s.ProjectID, "status", nil, started...)
	}
	return rep, nil
}

func (m *Manager) evaluate(tx *db.TxOps, sprintID string) (*Report, []db.ChangeRequest, error) {
	s, err := tx.GetSprint(sprintID)
	if err != nil {
		return nil, nil, kerrors.ErrPersistence("load sprint", err)
	}
	if s == nil {
		return nil, nil, kerrors.ErrEntityNotFound("sprint", sprintID)
	}
	if Status(s.Status) != StatusInProgress {
		return nil, nil, kerrors.ErrPrecondition(fmt.Sprintf("check sprint %s", sprintID), fmt.Sprintf("sprint is %s", s.Status))
	}
	current, err := tx.ContextVersion(s.ProjectID)
	if err != nil {
		return nil, nil, kerrors.ErrPersistence("read context version", err)
	}
	items := make([]db.ChangeRequest, 0, len(s.ItemIDs))
	for _, id := range s.ItemIDs {
		cr, err := tx.GetChangeRequest(id)
		if err != nil {
			return nil, nil, kerrors.ErrPersistence("load change request", err)
		}
		if cr == nil {
			return nil, nil, kerrors.ErrEntityNotFound("change request", fmt.Sprint(id))
		}
		items = append(items, *cr)
	}
	return Evaluate(sprintID, items, current, m.gate), items, nil
}

// Evaluate computes the gate report for a set of items at the given context
// version. It is a pure function of its inputs.
func Evaluate(sprintID string, items []db.ChangeRequest, current int64, cfg GateConfig) *Report {
	rep := &Report{SprintID: sprintID}

	rep.Scope = Check{Name: "scope guardrail", Pass: true}
	ceiling := cfg.ScopeCeiling.Rank()
	for _, cr := range items {
		if backlog.Complexity(cr.Complexity).Rank() == 0 || backlog.Complexity(cr.Complexity).Rank() > ceiling {
			rep.Scope.Pass = false
			rep.Scope.ItemIDs = append(rep.Scope.ItemIDs, cr.ID)
		}
	}
	if rep.Scope.Pass {
		rep.Scope.Message = fmt.Sprintf("all items at or below %s", cfg.ScopeCeiling)
	} else {
		rep.Scope.Message = fmt.Sprintf("%d item(s) exceed the %s ceiling", len(rep.Scope.ItemIDs), cfg.ScopeCeiling)
	}

	rep.StaleItems = impact.NeedsAnalysis(items, current)
	rep.Stale = Check{Name: "stale analysis", Pass: len(rep.StaleItems) == 0}
	for _, si := range rep.StaleItems {
		rep.Stale.ItemIDs = append(rep.Stale.ItemIDs, si.ID)
	}
	if rep.Stale.Pass {
		rep.Stale.Message = fmt.Sprintf("all analyses current at version %d", current)
	} else {
		rep.Stale.Message = fmt.Sprintf("%d item(s) need impact analysis", len(rep.StaleItems))
	}

	ratings := make([]impact.Rating, 0, len(items))
	for _, cr := range items {
		ratings = append(ratings, impact.Rating(cr.ImpactRating))
	}
	rep.AggregateRisk = impact.MaxRating(ratings...)
	rep.Risk = Check{Name: "technical risk", Pass: rep.AggregateRisk.Rank() <= cfg.RiskThreshold.Rank()}
	if rep.Risk.Pass {
		rep.Risk.Message = fmt.Sprintf("aggregate risk %s within %s", orNone(rep.AggregateRisk), cfg.RiskThreshold)
	} else {
		for _, cr := range items {
			if impact.Rating(cr.ImpactRating).Rank() > cfg.RiskThreshold.Rank() {
				rep.Risk.ItemIDs = append(rep.Risk.ItemIDs, cr.ID)
			}
		}
		rep.Risk.Message = fmt.Sprintf("aggregate risk %s exceeds %s", rep.AggregateRisk, cfg.RiskThreshold)
	}
	return rep
}

func blockedReason(rep *Report) string {
	var parts []string
	for _, c := range []Check{rep.Scope, rep.Risk} {
		if !c.Pass {
			parts = append(parts, c.Name+": "+c.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func orNone(r impact.Rating) string {
	if r == "" {
		return "none"
	}
	return string(r)
}
