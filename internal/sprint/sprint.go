// Package sprint groups backlog items into sprints, gates them before
// execution, and moves them through their one-way lifecycle.
package sprint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
)

// Status is a sprint's lifecycle state. Transitions only move forward from
// in_progress to one of the terminal states.
type Status string

const (
	StatusInProgress Status = db.SprintActiveStatus
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Manager owns sprint creation, gating, and closure.
type Manager struct {
	store  *db.ProjectDB
	logger *slog.Logger
	events *events.PublishHelper
	gate   GateConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager over the given store.
func NewManager(store *db.ProjectDB, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		gate:  DefaultGateConfig(),
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Manager) lockProject(projectID string) func() {
	m.mu.Lock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create inserts a sprint and its item links in one transaction. It fails
// with no rows written if any item is missing, belongs to another project,
// is not a sprint-eligible kind, or if the project already has a sprint in
// progress.
func (m *Manager) Create(ctx context.Context, projectID, goal, plan string, itemIDs []int64) (*db.Sprint, error) {
	what := "create sprint"
	if strings.TrimSpace(goal) == "" {
		return nil, kerrors.ErrPrecondition(what, "a sprint goal is required")
	}
	if len(itemIDs) == 0 {
		return nil, kerrors.ErrPrecondition(what, "a sprint needs at least one item")
	}
	seen := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			return nil, kerrors.ErrPrecondition(what, fmt.Sprintf("item %d listed twice", id))
		}
		seen[id] = true
	}

	unlock := m.lockProject(projectID)
	defer unlock()

	s := &db.Sprint{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    string(StatusInProgress),
		Goal:      goal,
		Plan:      plan,
		ItemIDs:   append([]int64(nil), itemIDs...),
	}
	err := m.inTx(ctx, func(tx *db.TxOps) error {
		proj, err := tx.GetProject(projectID)
		if err != nil {
			return kerrors.ErrPersistence("load project", err)
		}
		if proj == nil {
			return kerrors.ErrEntityNotFound("project", projectID)
		}
		active, err := tx.SprintsByStatus(projectID, string(StatusInProgress))
		if err != nil {
			return kerrors.ErrPersistence("list active sprints", err)
		}
		if len(active) > 0 {
			return kerrors.ErrPrecondition(what, fmt.Sprintf("sprint %s is still in progress", active[0].ID))
		}
		for _, id := range itemIDs {
			cr, err := tx.GetChangeRequest(id)
			if err != nil {
				return kerrors.ErrPersistence("load change request", err)
			}
			if cr == nil || cr.ProjectID != projectID {
				return kerrors.ErrPrecondition(what, fmt.Sprintf("item %d does not exist in project %s", id, projectID))
			}
			if !backlog.Kind(cr.Kind).SprintEligible() {
				return kerrors.ErrPrecondition(what, fmt.Sprintf("item %d is a %s; only %s can join a sprint",
					id, cr.Kind, eligibleList()))
			}
			switch backlog.Status(cr.Status) {
			case backlog.StatusCompleted, backlog.StatusCancelled:
				return kerrors.ErrPrecondition(what, fmt.Sprintf("item %d is %s", id, cr.Status))
			}
		}
		if err := tx.InsertSprint(s); err != nil {
			return kerrors.ErrPersistence("insert sprint", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("sprint created", "project", projectID, "sprint", s.ID, "items", len(itemIDs))
	m.events.Sprint(projectID, s.ID, s.Status)
	return s, nil
}

// Complete closes an in-progress sprint. Items still being implemented
// become completed; other items keep their status.
func (m *Manager) Complete(ctx context.Context, sprintID string) (*db.Sprint, error) {
	return m.close(ctx, sprintID, StatusCompleted, backlog.StatusCompleted)
}

// Abandon closes an in-progress sprint. Items still being implemented go
// back to impact_analyzed so they can be planned again.
func (m *Manager) Abandon(ctx context.Context, sprintID string) (*db.Sprint, error) {
	return m.close(ctx, sprintID, StatusAbandoned, backlog.StatusImpactAnalyzed)
}

func (m *Manager) close(ctx context.Context, sprintID string, to Status, itemStatus backlog.Status) (*db.Sprint, error) {
	s, err := m.Get(ctx, sprintID)
	if err != nil {
		return nil, err
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
			return kerrors.ErrPrecondition(
				fmt.Sprintf("mark sprint %s %s", sprintID, to),
				fmt.Sprintf("sprint is already %s", cur.Status))
		}
		for _, id := range cur.ItemIDs {
			cr, err := tx.GetChangeRequest(id)
			if err != nil {
				return kerrors.ErrPersistence("load change request", err)
			}
			if cr == nil || !backlog.Status(cr.Status).Locks() {
				continue
			}
			if err := tx.UpdateChangeRequestStatus(id, string(itemStatus)); err != nil {
				return kerrors.ErrPersistence("update item status", err)
			}
		}
		if err := tx.CloseSprint(sprintID, string(to)); err != nil {
			return kerrors.ErrPersistence("close sprint", err)
		}
		s = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Status = string(to)
	m.logger.Info("sprint closed", "project", s.ProjectID, "sprint", sprintID, "status", to)
	m.events.Sprint(s.ProjectID, sprintID, s.Status)
	return m.Get(ctx, sprintID)
}

// Get returns a sprint or a not-found error.
func (m *Manager) Get(ctx context.Context, sprintID string) (*db.Sprint, error) {
	s, err := m.store.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, kerrors.ErrPersistence("load sprint", err)
	}
	if s == nil {
		return nil, kerrors.ErrEntityNotFound("sprint", sprintID)
	}
	return s, nil
}

// List returns a project's sprints, newest first.
func (m *Manager) List(ctx context.Context, projectID string) ([]db.Sprint, error) {
	out, err := m.store.ListSprints(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("list sprints", err)
	}
	return out, nil
}

// Active returns the project's in-progress sprint, or nil when there is none.
func (m *Manager) Active(ctx context.Context, projectID string) (*db.Sprint, error) {
	out, err := m.store.SprintsByStatus(ctx, projectID, string(StatusInProgress))
	if err != nil {
		return nil, kerrors.ErrPersistence("list active sprints", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (m *Manager) inTx(ctx context.Context, fn func(tx *db.TxOps) error) error {
	err := m.store.RunInTx(ctx, fn)
	if err == nil || kerrors.AsKlyveError(err) != nil {
		return err
	}
	return kerrors.ErrPersistence("sprint transaction", err)
}

func eligibleList() string {
	kinds := backlog.SprintEligibleKinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return strings.Join(out, ", ")
}
