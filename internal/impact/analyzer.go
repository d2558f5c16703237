package impact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/klyve/internal/backlog"
	"github.com/randalmurphal/klyve/internal/db"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/events"
)

// Analysis is the outcome of one impact analysis.
type Analysis struct {
	Rating      Rating
	Details     string
	ArtifactIDs []string
}

// Analyzer records analyses and technical previews.
type Analyzer struct {
	store  *db.ProjectDB
	logger *slog.Logger
	events *events.PublishHelper
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// WithPublisher sets the publisher that receives backlog status events.
func WithPublisher(p events.Publisher) Option {
	return func(a *Analyzer) {
		a.events = events.NewPublishHelper(p)
	}
}

// NewAnalyzer creates an Analyzer over the given store.
func NewAnalyzer(store *db.ProjectDB, opts ...Option) *Analyzer {
	a := &Analyzer{store: store}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// AnalyzeImpact records an analysis computed against contextVersion and moves
// the node to impact_analyzed. contextVersion must not be newer than the
// project's current version; an older one is accepted and leaves the node
// stale. Locked, completed, and cancelled nodes are refused.
func (a *Analyzer) AnalyzeImpact(ctx context.Context, nodeID int64, contextVersion int64, an Analysis) (*db.ChangeRequest, error) {
	what := fmt.Sprintf("analyze impact of node %d", nodeID)
	if !IsValidRating(an.Rating) {
		return nil, kerrors.ErrPrecondition(what, fmt.Sprintf("unknown rating %q", an.Rating))
	}
	if strings.TrimSpace(an.Details) == "" {
		return nil, kerrors.ErrPrecondition(what, "impact details are required")
	}
	if contextVersion < 1 {
		return nil, kerrors.ErrPrecondition(what, fmt.Sprintf("invalid context version %d", contextVersion))
	}

	var cr *db.ChangeRequest
	err := a.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		cr, err = tx.GetChangeRequest(nodeID)
		if err != nil {
			return kerrors.ErrPersistence("load change request", err)
		}
		if cr == nil {
			return kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
		}
		switch backlog.Status(cr.Status) {
		case backlog.StatusCompleted, backlog.StatusCancelled:
			return kerrors.ErrPrecondition(what, fmt.Sprintf("node is %s", cr.Status))
		}
		locked, err := backlog.LockedInTx(tx, cr.ProjectID, nodeID)
		if err != nil {
			return err
		}
		if locked {
			return kerrors.ErrPrecondition(what, "node is locked while implementation is in progress")
		}

		current, err := tx.ContextVersion(cr.ProjectID)
		if err != nil {
			return kerrors.ErrPersistence("read context version", err)
		}
		if contextVersion > current {
			return kerrors.ErrPrecondition(what, fmt.Sprintf("context version %d is newer than current %d", contextVersion, current))
		}

		status := string(backlog.StatusImpactAnalyzed)
		if err := tx.RecordImpact(nodeID, string(an.Rating), an.Details, an.ArtifactIDs, contextVersion, status); err != nil {
			return kerrors.ErrPersistence("record impact", err)
		}
		cr.ImpactRating = string(an.Rating)
		cr.ImpactDetails = an.Details
		cr.ImpactedArtifactIDs = an.ArtifactIDs
		cr.AnalyzedAgainstVersion = &contextVersion
		cr.Status = status
		return nil
	})
	if err != nil {
		return nil, asPersistence(err)
	}

	a.logger.Info("impact recorded", "project", cr.ProjectID, "id", nodeID, "rating", an.Rating, "version", contextVersion)
	a.events.Backlog(cr.ProjectID, "status", nil, nodeID)
	return cr, nil
}

// RecordPreview stores a technical preview for an analyzed node and moves
// it to technical_preview_complete.
func (a *Analyzer) RecordPreview(ctx context.Context, nodeID int64, preview string) (*db.ChangeRequest, error) {
	what := fmt.Sprintf("record technical preview for node %d", nodeID)
	if strings.TrimSpace(preview) == "" {
		return nil, kerrors.ErrPrecondition(what, "preview text is required")
	}

	var cr *db.ChangeRequest
	err := a.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		cr, err = tx.GetChangeRequest(nodeID)
		if err != nil {
			return kerrors.ErrPersistence("load change request", err)
		}
		if cr == nil {
			return kerrors.ErrEntityNotFound("change request", fmt.Sprint(nodeID))
		}
		switch backlog.Status(cr.Status) {
		case backlog.StatusImpactAnalyzed, backlog.StatusTechnicalPreviewComplete:
		default:
			return kerrors.ErrPrecondition(what, fmt.Sprintf("node must be impact_analyzed, is %s", cr.Status))
		}
		status := string(backlog.StatusTechnicalPreviewComplete)
		if err := tx.RecordTechnicalPreview(nodeID, preview, status); err != nil {
			return kerrors.ErrPersistence("record technical preview", err)
		}
		cr.TechnicalPreview = preview
		cr.Status = status
		return nil
	})
	if err != nil {
		return nil, asPersistence(err)
	}

	a.logger.Info("technical preview recorded", "project", cr.ProjectID, "id", nodeID)
	a.events.Backlog(cr.ProjectID, "status", nil, nodeID)
	return cr, nil
}

// Check returns the subset of ids that are stale or never analyzed at the
// project's current context version. It is a pure read.
func (a *Analyzer) Check(ctx context.Context, projectID string, ids []int64) ([]StaleItem, error) {
	current, err := a.store.ContextVersion(ctx, projectID)
	if err != nil {
		return nil, kerrors.ErrPersistence("read context version", err)
	}
	nodes := make([]db.ChangeRequest, 0, len(ids))
	for _, id := range ids {
		cr, err := a.store.GetChangeRequest(ctx, id)
		if err != nil {
			return nil, kerrors.ErrPersistence("load change request", err)
		}
		if cr == nil || cr.ProjectID != projectID {
			return nil, kerrors.ErrEntityNotFound("change request", fmt.Sprint(id))
		}
		nodes = append(nodes, *cr)
	}
	return NeedsAnalysis(nodes, current), nil
}

func asPersistence(err error) error {
	if kerrors.AsKlyveError(err) != nil {
		return err
	}
	return kerrors.ErrPersistence("impact transaction", err)
}
