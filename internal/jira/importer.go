package jira

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
)

// ImportedExternalID marks the feature that collects orphaned items.
const ImportedExternalID = "klyve:imported"

const importedTitle = "Imported"

// Searcher fetches issues for a JQL query. *Client implements it.
type Searcher interface {
	Search(ctx context.Context, jql string) ([]Issue, error)
}

// Importer writes Jira issues into a project's backlog tree. Re-running an
// import updates the nodes it created before; nodes are matched by issue
// key, never duplicated.
type Importer struct {
	search  Searcher
	store   *db.ProjectDB
	backlog *backlog.Manager
	logger  *slog.Logger
}

// NewImporter creates an Importer. A nil logger uses slog.Default().
func NewImporter(search Searcher, store *db.ProjectDB, bm *backlog.Manager, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{search: search, store: store, backlog: bm, logger: logger}
}

type placed struct {
	id       int64
	kind     backlog.Kind
	parentID *int64
}

// run holds the state of one Import call.
type run struct {
	*Importer
	projectID string
	byKey     map[string]placed
	imported  *int64
	res       *Result
}

// Import fetches issues matching jql and adds or updates one node per
// issue. Per-issue failures are collected in Result.Errors; only a failed
// search aborts the run.
func (im *Importer) Import(ctx context.Context, projectID, jql string) (*Result, error) {
	im.logger.Info("fetching jira issues", "project", projectID, "jql", jql)
	issues, err := im.search.Search(ctx, jql)
	if err != nil {
		return nil, fmt.Errorf("fetch jira issues: %w", err)
	}

	// parents first: epics, then stories, then everything else, with
	// sub-tasks after the issues they hang from
	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := rank(KindFor(issues[i])), rank(KindFor(issues[j]))
		if ri != rj {
			return ri < rj
		}
		return !issues[i].IsSubtask && issues[j].IsSubtask
	})

	r := &run{Importer: im, projectID: projectID, byKey: make(map[string]placed), res: &Result{}}
	for _, is := range issues {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		if err := r.one(ctx, is); err != nil {
			r.res.Errors = append(r.res.Errors, ImportError{Key: is.Key, Err: err})
			im.logger.Warn("jira issue not imported", "key", is.Key, "error", err)
		}
	}
	im.logger.Info("jira import finished", "project", projectID, "fetched", len(issues),
		"created", r.res.Created, "updated", r.res.Updated, "unchanged", r.res.Unchanged,
		"orphaned", r.res.Orphaned, "errors", len(r.res.Errors))
	return r.res, nil
}

func (r *run) one(ctx context.Context, is Issue) error {
	if is.Key == "" {
		return fmt.Errorf("issue has no key")
	}
	kind := KindFor(is)
	f := fields(is)

	existing, err := r.store.GetChangeRequestByExternalID(ctx, r.projectID, is.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		r.byKey[is.Key] = placed{id: existing.ID, kind: backlog.Kind(existing.Kind), parentID: existing.ParentID}
		if unchanged(existing, f) {
			r.res.Unchanged++
			return nil
		}
		if f.Priority == "" {
			f.Priority = existing.Priority
		}
		if _, err := r.backlog.UpdateFields(ctx, existing.ID, f); err != nil {
			return err
		}
		r.res.Updated++
		return nil
	}

	parentID, orphan, err := r.parentFor(ctx, is, kind)
	if err != nil {
		return err
	}
	cr, err := r.backlog.AddNode(ctx, r.projectID, kind, parentID, f)
	if err != nil {
		return err
	}
	r.byKey[is.Key] = placed{id: cr.ID, kind: kind, parentID: parentID}
	r.res.Created++
	if orphan {
		r.res.Orphaned++
	}
	if is.StatusKey == "done" {
		if err := r.backlog.SetStatus(ctx, cr.ID, backlog.StatusCompleted); err != nil {
			return err
		}
	}
	return nil
}

func unchanged(cr *db.ChangeRequest, f backlog.Fields) bool {
	return cr.Title == f.Title && cr.Description == f.Description &&
		cr.ExternalURL == f.ExternalURL && (f.Priority == "" || cr.Priority == f.Priority)
}

// parentFor picks where a new node goes. The Jira parent is used when the
// pairing allows it; an item under another item lands beside it instead.
// Nodes that need a feature and have none go under the Imported feature.
func (r *run) parentFor(ctx context.Context, is Issue, kind backlog.Kind) (*int64, bool, error) {
	if is.ParentKey != "" {
		p, ok, err := r.lookup(ctx, is.ParentKey)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if backlog.CanParent(&p.kind, kind) {
				return &p.id, false, nil
			}
			if p.parentID != nil {
				gp, err := r.store.GetChangeRequest(ctx, *p.parentID)
				if err != nil {
					return nil, false, err
				}
				if gp != nil {
					gk := backlog.Kind(gp.Kind)
					if backlog.CanParent(&gk, kind) {
						return &gp.ID, false, nil
					}
				}
			}
		}
	}
	if backlog.CanParent(nil, kind) {
		return nil, false, nil
	}
	id, err := r.importedFeature(ctx)
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (r *run) lookup(ctx context.Context, key string) (placed, bool, error) {
	if p, ok := r.byKey[key]; ok {
		return p, true, nil
	}
	cr, err := r.store.GetChangeRequestByExternalID(ctx, r.projectID, key)
	if err != nil || cr == nil {
		return placed{}, false, err
	}
	p := placed{id: cr.ID, kind: backlog.Kind(cr.Kind), parentID: cr.ParentID}
	r.byKey[key] = p
	return p, true, nil
}

func (r *run) importedFeature(ctx context.Context) (*int64, error) {
	if r.imported != nil {
		return r.imported, nil
	}
	cr, err := r.store.GetChangeRequestByExternalID(ctx, r.projectID, ImportedExternalID)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		cr, err = r.backlog.AddNode(ctx, r.projectID, backlog.KindFeature, nil, backlog.Fields{
			Title:       importedTitle,
			Description: "Issues imported from Jira without a parent feature.",
			ExternalID:  ImportedExternalID,
		})
		if err != nil {
			return nil, err
		}
	}
	r.imported = &cr.ID
	return r.imported, nil
}
