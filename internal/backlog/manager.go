package backlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
)

// Fields are the user-editable attributes of a node.
type Fields struct {
	Title       string
	Description string
	Priority    string
	Complexity  Complexity
	ExternalID  string
	ExternalURL string
}

// Manager mutates the backlog tree. Every mutation validates the full set of
// preconditions against a fresh snapshot inside one transaction, so a
// rejected operation leaves the store untouched. Mutations are serialized
// per project.
type Manager struct {
	store  *db.ProjectDB
	logger *slog.Logger
	events *events.PublishHelper

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager over the given store.
func NewManager(store *db.ProjectDB, opts ...Option) *Manager {
	m := &Manager{
		store: store,
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

// lockProject serializes mutations of one project's tree.
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

// AddNode appends a new node at the end of its parent's children. A locked
// parent refuses new children, as it refuses nodes moved into it.
func (m *Manager) AddNode(ctx context.Context, projectID string, kind Kind, parentID *int64, f Fields) (*db.ChangeRequest, error) {
	if !IsValidKind(kind) {
		return nil, kerrors.ErrPrecondition(fmt.Sprintf("add node of kind %q", kind), "unknown kind")
	}
	if strings.TrimSpace(f.Title) == "" {
		return nil, kerrors.ErrPrecondition("add node", "title is required")
	}
	if f.Complexity == "" {
		f.Complexity = ComplexityMedium
	}
	if !IsValidComplexity(f.Complexity) {
		return nil, kerrors.ErrPrecondition("add node", fmt.Sprintf("unknown complexity %q", f.Complexity))
	}
	if f.Priority == "" {
		f.Priority = "medium"
	}

	unlock := m.lockProject(projectID)
	defer unlock()

	cr := &db.ChangeRequest{
		ProjectID:   projectID,
		ParentID:    parentID,
		Kind:        string(kind),
		Title:       f.Title,
		Description: f.Description,
		Status:      string(initialStatus(kind)),
		Priority:    f.Priority,
		Complexity:  string(f.Complexity),
		ExternalID:  f.ExternalID,
		ExternalURL: f.ExternalURL,
	}

	err := m.inTx(ctx, func(tx *db.TxOps) error {
		proj, err := tx.GetProject(projectID)
		if err != nil {
			return storeErr("load project", err)
		}
		if proj == nil {
			return kerrors.ErrEntityNotFound("project", projectID)
		}

		var parentKind *Kind
		if parentID != nil {
			parent, err := tx.GetChangeRequest(*parentID)
			if err != nil {
				return storeErr("load parent", err)
			}
			if parent == nil || parent.ProjectID != projectID {
				return kerrors.ErrEntityNotFound("change request", fmt.Sprint(*parentID))
			}
			pk := Kind(parent.Kind)
			parentKind = &pk
		}
		if !CanParent(parentKind, kind) {
			return pairingError("add", kind, parentKind)
		}
		if parentID != nil {
			nodes, err := tx.ListChangeRequests(projectID)
			if err != nil {
				return storeErr("load backlog", err)
			}
			if newForest(nodes).locked(*parentID) {
				return kerrors.ErrPrecondition("add node", "parent is locked while implementation is in progress")
			}
		}

		order, err := tx.NextDisplayOrder(projectID, parentID)
		if err != nil {
			return storeErr("allocate display order", err)
		}
		cr.DisplayOrder = order
		if err := tx.InsertChangeRequest(cr); err != nil {
			return storeErr("insert change request", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("backlog node added", "project", projectID, "id", cr.ID, "kind", kind, "parent", parentID)
	m.events.Backlog(projectID, "add", parentID, cr.ID)
	return cr, nil
}

// MoveNode reparents nodeID under newParentID (nil for root) at newIndex
// among the destination's children. An index past the end appends.
//
// Checks run in order: the destination is not the node or one of its
// descendants; the node is not locked; the destination is not locked; the
// resulting kind pairing is legal. Any failure aborts with no mutation.
func (m *Manager) MoveNode(ctx context.Context, nodeID int64, newParentID *int64, newIndex int) error {
	if newIndex < 0 {
		return kerrors.ErrPrecondition("move node", fmt.Sprintf("negative index %d", newIndex))
	}
	projectID, err := m.projectOf(ctx, nodeID)
	if err != nil {
		return err
	}

	unlock := m.lockProject(projectID)
	defer unlock()

	var plan *movePlan
	err = m.inTx(ctx, func(tx *db.TxOps) error {
		nodes, err := tx.ListChangeRequests(projectID)
		if err != nil {
			return storeErr("load backlog", err)
		}
		plan, err = planMove(newForest(nodes), nodeID, newParentID, newIndex)
		if err != nil {
			return err
		}

		if err := tx.SetParent(nodeID, newParentID); err != nil {
			return storeErr("move node", err)
		}
		if !plan.sameParent {
			if err := tx.RenumberSiblings(plan.oldSiblings); err != nil {
				return storeErr("renumber source siblings", err)
			}
		}
		if err := tx.RenumberSiblings(plan.newSiblings); err != nil {
			return storeErr("renumber destination siblings", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("backlog node moved", "project", projectID, "id", nodeID, "parent", newParentID, "index", plan.index)
	m.events.Backlog(projectID, "move", newParentID, nodeID)
	return nil
}

type movePlan struct {
	oldSiblings []int64
	newSiblings []int64
	sameParent  bool
	index       int
}

// planMove validates a move against a snapshot and computes the resulting
// sibling orders. It never touches the store.
func planMove(f *forest, nodeID int64, newParentID *int64, newIndex int) (*movePlan, error) {
	node := f.byID[nodeID]
	if node == nil {
		return nil, kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
	}
	what := fmt.Sprintf("move node %d", nodeID)

	var parentKind *Kind
	if newParentID != nil {
		parent := f.byID[*newParentID]
		if parent == nil {
			return nil, kerrors.ErrEntityNotFound("change request", fmt.Sprint(*newParentID))
		}
		if f.within(*newParentID, nodeID) {
			return nil, kerrors.ErrPrecondition(what, "destination is the node itself or one of its descendants")
		}
		pk := Kind(parent.Kind)
		parentKind = &pk
	}
	if f.locked(nodeID) {
		return nil, kerrors.ErrPrecondition(what, "node is locked while implementation is in progress")
	}
	if newParentID != nil && f.locked(*newParentID) {
		return nil, kerrors.ErrPrecondition(what, "destination parent is locked while implementation is in progress")
	}
	if !CanParent(parentKind, Kind(node.Kind)) {
		return nil, pairingError("move", Kind(node.Kind), parentKind)
	}

	plan := &movePlan{sameParent: parentKey(node.ParentID) == parentKey(newParentID)}
	plan.oldSiblings = without(f.siblings(node.ParentID), nodeID)
	dest := plan.oldSiblings
	if !plan.sameParent {
		dest = f.siblings(newParentID)
	}
	if newIndex > len(dest) {
		newIndex = len(dest)
	}
	plan.index = newIndex
	plan.newSiblings = make([]int64, 0, len(dest)+1)
	plan.newSiblings = append(plan.newSiblings, dest[:newIndex]...)
	plan.newSiblings = append(plan.newSiblings, nodeID)
	plan.newSiblings = append(plan.newSiblings, dest[newIndex:]...)
	return plan, nil
}

// Reorder sets the order of one complete sibling set. siblingIDs must name
// exactly the current children of a single parent. Nodes that keep their
// position may be locked; any locked node that would move rejects the call.
func (m *Manager) Reorder(ctx context.Context, siblingIDs []int64) error {
	if len(siblingIDs) == 0 {
		return kerrors.ErrPrecondition("reorder", "no sibling ids given")
	}
	projectID, err := m.projectOf(ctx, siblingIDs[0])
	if err != nil {
		return err
	}

	unlock := m.lockProject(projectID)
	defer unlock()

	var parentID *int64
	err = m.inTx(ctx, func(tx *db.TxOps) error {
		nodes, err := tx.ListChangeRequests(projectID)
		if err != nil {
			return storeErr("load backlog", err)
		}
		f := newForest(nodes)
		first := f.byID[siblingIDs[0]]
		if first == nil {
			return kerrors.ErrEntityNotFound("change request", fmt.Sprint(siblingIDs[0]))
		}
		parentID = first.ParentID
		if err := checkReorder(f, parentID, siblingIDs); err != nil {
			return err
		}
		if err := tx.RenumberSiblings(siblingIDs); err != nil {
			return storeErr("reorder siblings", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("backlog siblings reordered", "project", projectID, "parent", parentID, "count", len(siblingIDs))
	m.events.Backlog(projectID, "reorder", parentID, siblingIDs...)
	return nil
}

func checkReorder(f *forest, parentID *int64, ids []int64) error {
	current := f.siblings(parentID)
	if len(ids) != len(current) {
		return kerrors.ErrPrecondition("reorder", fmt.Sprintf("expected the complete set of %d siblings, got %d ids", len(current), len(ids)))
	}
	member := make(map[int64]bool, len(current))
	for _, id := range current {
		member[id] = true
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return kerrors.ErrPrecondition("reorder", fmt.Sprintf("node %d listed twice", id))
		}
		seen[id] = true
		if !member[id] {
			return kerrors.ErrPrecondition("reorder", fmt.Sprintf("node %d is not a sibling of the set", id))
		}
	}
	for i, id := range ids {
		if current[i] != id && f.locked(id) {
			return kerrors.ErrPrecondition("reorder", fmt.Sprintf("node %d is locked while implementation is in progress", id))
		}
	}
	return nil
}

// DeleteNode removes a node and its whole subtree. It is refused if any
// node in the subtree is locked or is linked to a sprint in progress.
func (m *Manager) DeleteNode(ctx context.Context, nodeID int64) error {
	projectID, err := m.projectOf(ctx, nodeID)
	if err != nil {
		return err
	}

	unlock := m.lockProject(projectID)
	defer unlock()

	var removed []int64
	var parentID *int64
	err = m.inTx(ctx, func(tx *db.TxOps) error {
		nodes, err := tx.ListChangeRequests(projectID)
		if err != nil {
			return storeErr("load backlog", err)
		}
		f := newForest(nodes)
		node := f.byID[nodeID]
		if node == nil {
			return kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
		}
		parentID = node.ParentID
		what := fmt.Sprintf("delete node %d", nodeID)

		removed = f.subtree(nodeID)
		for _, id := range removed {
			if f.locked(id) {
				return kerrors.ErrPrecondition(what, fmt.Sprintf("node %d is locked while implementation is in progress", id))
			}
			active, err := tx.SprintsForItem(id, db.SprintActiveStatus)
			if err != nil {
				return storeErr("check sprint links", err)
			}
			if len(active) > 0 {
				return kerrors.ErrPrecondition(what, fmt.Sprintf("node %d belongs to active sprint %s", id, active[0]))
			}
		}
		for _, id := range removed {
			if err := tx.DeleteChangeRequest(id); err != nil {
				return storeErr("delete change request", err)
			}
		}
		if err := tx.RenumberSiblings(without(f.siblings(parentID), nodeID)); err != nil {
			return storeErr("renumber siblings", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("backlog subtree deleted", "project", projectID, "id", nodeID, "removed", len(removed))
	m.events.Backlog(projectID, "delete", parentID, removed...)
	return nil
}

// UpdateFields replaces a node's descriptive fields. Locked nodes may be
// edited; the lock only freezes structure.
func (m *Manager) UpdateFields(ctx context.Context, nodeID int64, f Fields) (*db.ChangeRequest, error) {
	if strings.TrimSpace(f.Title) == "" {
		return nil, kerrors.ErrPrecondition("update node", "title is required")
	}
	if f.Complexity != "" && !IsValidComplexity(f.Complexity) {
		return nil, kerrors.ErrPrecondition("update node", fmt.Sprintf("unknown complexity %q", f.Complexity))
	}
	var cr *db.ChangeRequest
	err := m.inTx(ctx, func(tx *db.TxOps) error {
		var err error
		cr, err = tx.GetChangeRequest(nodeID)
		if err != nil {
			return storeErr("load change request", err)
		}
		if cr == nil {
			return kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
		}
		cr.Title = f.Title
		cr.Description = f.Description
		if f.Priority != "" {
			cr.Priority = f.Priority
		}
		if f.Complexity != "" {
			cr.Complexity = string(f.Complexity)
		}
		cr.ExternalID = f.ExternalID
		cr.ExternalURL = f.ExternalURL
		if err := tx.UpdateChangeRequestFields(cr); err != nil {
			return storeErr("update change request", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cr, nil
}

// SetStatus changes a node's status. implementation_in_progress is owned by
// the sprint lifecycle and can be neither set nor cleared here.
func (m *Manager) SetStatus(ctx context.Context, nodeID int64, status Status) error {
	if !IsValidStatus(status) {
		return kerrors.ErrPrecondition("set status", fmt.Sprintf("unknown status %q", status))
	}
	if status.Locks() {
		return kerrors.ErrPrecondition("set status", "implementation_in_progress is set by proceeding with a sprint")
	}
	var projectID string
	err := m.inTx(ctx, func(tx *db.TxOps) error {
		cr, err := tx.GetChangeRequest(nodeID)
		if err != nil {
			return storeErr("load change request", err)
		}
		if cr == nil {
			return kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
		}
		if Status(cr.Status).Locks() {
			return kerrors.ErrPrecondition("set status", fmt.Sprintf("node %d is in an active sprint; complete or abandon the sprint", nodeID))
		}
		projectID = cr.ProjectID
		if err := tx.UpdateChangeRequestStatus(nodeID, string(status)); err != nil {
			return storeErr("update status", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Backlog(projectID, "status", nil, nodeID)
	return nil
}

// IsLocked reports whether the node or any ancestor is implementation_in_progress.
func (m *Manager) IsLocked(ctx context.Context, nodeID int64) (bool, error) {
	projectID, err := m.projectOf(ctx, nodeID)
	if err != nil {
		return false, err
	}
	nodes, err := m.store.ListChangeRequests(ctx, projectID)
	if err != nil {
		return false, storeErr("load backlog", err)
	}
	return newForest(nodes).locked(nodeID), nil
}

// Get returns a node or a not-found error.
func (m *Manager) Get(ctx context.Context, nodeID int64) (*db.ChangeRequest, error) {
	cr, err := m.store.GetChangeRequest(ctx, nodeID)
	if err != nil {
		return nil, storeErr("load change request", err)
	}
	if cr == nil {
		return nil, kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
	}
	return cr, nil
}

func (m *Manager) projectOf(ctx context.Context, nodeID int64) (string, error) {
	cr, err := m.Get(ctx, nodeID)
	if err != nil {
		return "", err
	}
	return cr.ProjectID, nil
}

// inTx runs fn in a transaction, reporting begin/commit failures as
// persistence errors.
func (m *Manager) inTx(ctx context.Context, fn func(tx *db.TxOps) error) error {
	if err := m.store.RunInTx(ctx, fn); err != nil {
		return storeErr("backlog transaction", err)
	}
	return nil
}

func pairingError(op string, child Kind, parent *Kind) error {
	under := "the root"
	if parent != nil {
		under = string(*parent)
	}
	return kerrors.ErrPrecondition(
		fmt.Sprintf("%s %s under %s", op, child, under),
		fmt.Sprintf("a %s must have %s as its parent", child, describeParents(child)),
	)
}

func without(ids []int64, drop int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// storeErr passes taxonomy errors through and wraps anything else as a
// persistence failure.
func storeErr(op string, err error) error {
	if kerrors.AsKlyveError(err) != nil {
		return err
	}
	return kerrors.ErrPersistence(op, err)
}
