package backlog

import (
	"context"

	"github.com/randalmurphal/klyve/internal/db"
)

// TreeNode is a change request with its ordered children and lock state.
type TreeNode struct {
	db.ChangeRequest
	Locked   bool
	Children []*TreeNode
}

// forest indexes one project's nodes by id and by parent.
type forest struct {
	byID     map[int64]*db.ChangeRequest
	children map[int64][]int64 // key 0 holds roots
}

func newForest(nodes []db.ChangeRequest) *forest {
	f := &forest{
		byID:     make(map[int64]*db.ChangeRequest, len(nodes)),
		children: make(map[int64][]int64),
	}
	// nodes arrive ordered by parent then display_order, so children stay ordered
	for i := range nodes {
		n := &nodes[i]
		f.byID[n.ID] = n
		key := parentKey(n.ParentID)
		f.children[key] = append(f.children[key], n.ID)
	}
	return f
}

func parentKey(parentID *int64) int64 {
	if parentID == nil {
		return 0
	}
	return *parentID
}

// locked reports whether id or any of its ancestors is implementation_in_progress.
func (f *forest) locked(id int64) bool {
	for n := f.byID[id]; n != nil; {
		if Status(n.Status).Locks() {
			return true
		}
		if n.ParentID == nil {
			return false
		}
		n = f.byID[*n.ParentID]
	}
	return false
}

// within reports whether id equals ancestor or sits below it.
func (f *forest) within(id, ancestor int64) bool {
	for n := f.byID[id]; n != nil; {
		if n.ID == ancestor {
			return true
		}
		if n.ParentID == nil {
			return false
		}
		n = f.byID[*n.ParentID]
	}
	return false
}

// subtree returns id and all its descendants, children before parents.
func (f *forest) subtree(id int64) []int64 {
	var out []int64
	var walk func(int64)
	walk = func(n int64) {
		for _, c := range f.children[n] {
			walk(c)
		}
		out = append(out, n)
	}
	walk(id)
	return out
}

func (f *forest) siblings(parentID *int64) []int64 {
	return append([]int64(nil), f.children[parentKey(parentID)]...)
}

func (f *forest) build(parent int64, parentLocked bool) []*TreeNode {
	ids := f.children[parent]
	out := make([]*TreeNode, 0, len(ids))
	for _, id := range ids {
		n := f.byID[id]
		locked := parentLocked || Status(n.Status).Locks()
		out = append(out, &TreeNode{
			ChangeRequest: *n,
			Locked:        locked,
			Children:      f.build(id, locked),
		})
	}
	return out
}

// Tree returns the project's backlog as ordered root nodes.
func (m *Manager) Tree(ctx context.Context, projectID string) ([]*TreeNode, error) {
	nodes, err := m.store.ListChangeRequests(ctx, projectID)
	if err != nil {
		return nil, storeErr("load backlog", err)
	}
	return newForest(nodes).build(0, false), nil
}

// Walk visits nodes depth-first in display order. Returning false from fn
// skips the node's children.
func Walk(nodes []*TreeNode, fn func(n *TreeNode, depth int) bool) {
	var visit func([]*TreeNode, int)
	visit = func(ns []*TreeNode, depth int) {
		for _, n := range ns {
			if fn(n, depth) {
				visit(n.Children, depth+1)
			}
		}
	}
	visit(nodes, 0)
}

// LockedInTx reports whether nodeID or an ancestor is locked, reading the
// tree through the caller's transaction.
func LockedInTx(tx *db.TxOps, projectID string, nodeID int64) (bool, error) {
	nodes, err := tx.ListChangeRequests(projectID)
	if err != nil {
		return false, storeErr("load backlog", err)
	}
	return newForest(nodes).locked(nodeID), nil
}
