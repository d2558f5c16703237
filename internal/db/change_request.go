package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/klyve/internal/db/driver"
)

// ChangeRequest is a node in the backlog tree. Kind and status are stored as
// their string values; the backlog package owns their legal values.
type ChangeRequest struct {
	ID                     int64
	ProjectID              string
	ParentID               *int64
	Kind                   string
	Title                  string
	Description            string
	Status                 string
	DisplayOrder           int
	Priority               string
	Complexity             string
	ImpactRating           string
	ImpactDetails          string
	ImpactedArtifactIDs    []string
	AnalyzedAgainstVersion *int64
	TechnicalPreview       string
	ExternalID             string
	ExternalURL            string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

const crColumns = `id, project_id, parent_id, kind, title, description, status, display_order,
	priority, complexity, impact_rating, impact_details, impacted_artifact_ids,
	analyzed_against_version, technical_preview, external_id, external_url, created_at, updated_at`

// InsertChangeRequest inserts a node and assigns its ID.
func (t *TxOps) InsertChangeRequest(cr *ChangeRequest) error {
	now := timeNow()
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.UpdatedAt = now

	artifactIDs, err := marshalIDs(cr.ImpactedArtifactIDs)
	if err != nil {
		return err
	}

	err = t.QueryRowContext(t.ctx, `
		INSERT INTO change_requests (project_id, parent_id, kind, title, description, status, display_order,
			priority, complexity, impact_rating, impact_details, impacted_artifact_ids,
			analyzed_against_version, technical_preview, external_id, external_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, cr.ProjectID, nullInt(cr.ParentID), cr.Kind, cr.Title, cr.Description, cr.Status, cr.DisplayOrder,
		cr.Priority, cr.Complexity, nullString(cr.ImpactRating), nullString(cr.ImpactDetails), artifactIDs,
		nullInt(cr.AnalyzedAgainstVersion), nullString(cr.TechnicalPreview), nullString(cr.ExternalID),
		nullString(cr.ExternalURL), formatTime(cr.CreatedAt), formatTime(cr.UpdatedAt)).Scan(&cr.ID)
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

// GetChangeRequest retrieves a node by ID. Returns nil, nil when absent.
func (p *ProjectDB) GetChangeRequest(ctx context.Context, id int64) (*ChangeRequest, error) {
	return getChangeRequest(ctx, p, id)
}

// GetChangeRequest retrieves a node inside the transaction.
func (t *TxOps) GetChangeRequest(id int64) (*ChangeRequest, error) {
	return getChangeRequest(t.ctx, t, id)
}

func getChangeRequest(ctx context.Context, q querier, id int64) (*ChangeRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+crColumns+` FROM change_requests WHERE id = ?`, id)
	cr, err := scanChangeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change request %d: %w", id, err)
	}
	return cr, nil
}

// GetChangeRequestByExternalID finds a node synced from an external tracker.
func (p *ProjectDB) GetChangeRequestByExternalID(ctx context.Context, projectID, externalID string) (*ChangeRequest, error) {
	row := p.QueryRowContext(ctx, `SELECT `+crColumns+` FROM change_requests WHERE project_id = ? AND external_id = ?`,
		projectID, externalID)
	cr, err := scanChangeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get change request by external id %s: %w", externalID, err)
	}
	return cr, nil
}

// ListChangeRequests returns every node of a project ordered for display:
// by parent, then display order.
func (p *ProjectDB) ListChangeRequests(ctx context.Context, projectID string) ([]ChangeRequest, error) {
	return listChangeRequests(ctx, p, `WHERE project_id = ? ORDER BY COALESCE(parent_id, 0), display_order`, projectID)
}

// ListChangeRequests returns every node of a project inside the transaction.
func (t *TxOps) ListChangeRequests(projectID string) ([]ChangeRequest, error) {
	return listChangeRequests(t.ctx, t, `WHERE project_id = ? ORDER BY COALESCE(parent_id, 0), display_order`, projectID)
}

// Children returns the ordered sibling set under parentID (nil for roots).
func (p *ProjectDB) Children(ctx context.Context, projectID string, parentID *int64) ([]ChangeRequest, error) {
	return children(ctx, p, projectID, parentID)
}

// Children returns the ordered sibling set inside the transaction.
func (t *TxOps) Children(projectID string, parentID *int64) ([]ChangeRequest, error) {
	return children(t.ctx, t, projectID, parentID)
}

func children(ctx context.Context, q querier, projectID string, parentID *int64) ([]ChangeRequest, error) {
	if parentID == nil {
		return listChangeRequests(ctx, q, `WHERE project_id = ? AND parent_id IS NULL ORDER BY display_order`, projectID)
	}
	return listChangeRequests(ctx, q, `WHERE project_id = ? AND parent_id = ? ORDER BY display_order`, projectID, *parentID)
}

func listChangeRequests(ctx context.Context, q querier, where string, args ...any) ([]ChangeRequest, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+crColumns+` FROM change_requests `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		out = append(out, *cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return out, nil
}

// NextDisplayOrder returns the order value that appends to a sibling set.
func (t *TxOps) NextDisplayOrder(projectID string, parentID *int64) (int, error) {
	var next sql.NullInt64
	var err error
	if parentID == nil {
		err = t.QueryRowContext(t.ctx, `SELECT MAX(display_order) + 1 FROM change_requests
			WHERE project_id = ? AND parent_id IS NULL AND display_order >= 0`, projectID).Scan(&next)
	} else {
		err = t.QueryRowContext(t.ctx, `SELECT MAX(display_order) + 1 FROM change_requests
			WHERE project_id = ? AND parent_id = ? AND display_order >= 0`, projectID, *parentID).Scan(&next)
	}
	if err != nil {
		return 0, fmt.Errorf("next display order: %w", err)
	}
	if !next.Valid {
		return 0, nil
	}
	return int(next.Int64), nil
}

// RenumberSiblings assigns display orders 0..n-1 following ids. The rows
// first move into a negative range so the sibling-order unique index never
// sees a transient duplicate.
func (t *TxOps) RenumberSiblings(ids []int64) error {
	now := formatTime(timeNow())
	for _, id := range ids {
		if _, err := t.ExecContext(t.ctx, `UPDATE change_requests SET display_order = ? WHERE id = ?`, -id, id); err != nil {
			return fmt.Errorf("park display order %d: %w", id, err)
		}
	}
	for i, id := range ids {
		if _, err := t.ExecContext(t.ctx, `UPDATE change_requests SET display_order = ?, updated_at = ? WHERE id = ?`,
			i, now, id); err != nil {
			return fmt.Errorf("renumber %d: %w", id, err)
		}
	}
	return nil
}

// SetParent moves a node under parentID, parking its display order in the
// negative range until the destination siblings are renumbered.
func (t *TxOps) SetParent(id int64, parentID *int64) error {
	_, err := t.ExecContext(t.ctx, `UPDATE change_requests SET parent_id = ?, display_order = ?, updated_at = ? WHERE id = ?`,
		nullInt(parentID), -id, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("set parent of %d: %w", id, err)
	}
	return nil
}

// DeleteChangeRequest removes a single node. Callers delete descendants first.
func (t *TxOps) DeleteChangeRequest(id int64) error {
	if _, err := t.ExecContext(t.ctx, `DELETE FROM change_requests WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete change request %d: %w", id, err)
	}
	return nil
}

// UpdateChangeRequestStatus sets a node's status.
func (t *TxOps) UpdateChangeRequestStatus(id int64, status string) error {
	res, err := t.ExecContext(t.ctx, `UPDATE change_requests SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("update status of %d: %w", id, err)
	}
	return expectOneRow(res, "change request", fmt.Sprint(id))
}

// UpdateChangeRequestFields replaces the descriptive fields of a node.
func (t *TxOps) UpdateChangeRequestFields(cr *ChangeRequest) error {
	res, err := t.ExecContext(t.ctx, `
		UPDATE change_requests SET title = ?, description = ?, priority = ?, complexity = ?,
			external_id = ?, external_url = ?, updated_at = ?
		WHERE id = ?
	`, cr.Title, cr.Description, cr.Priority, cr.Complexity, nullString(cr.ExternalID), nullString(cr.ExternalURL),
		formatTime(timeNow()), cr.ID)
	if err != nil {
		return fmt.Errorf("update change request %d: %w", cr.ID, err)
	}
	return expectOneRow(res, "change request", fmt.Sprint(cr.ID))
}

// RecordImpact stores an impact analysis and the context version it was
// computed against, and sets the node's status.
func (t *TxOps) RecordImpact(id int64, rating, details string, artifactIDs []string, version int64, status string) error {
	ids, err := marshalIDs(artifactIDs)
	if err != nil {
		return err
	}
	res, err := t.ExecContext(t.ctx, `
		UPDATE change_requests SET impact_rating = ?, impact_details = ?, impacted_artifact_ids = ?,
			analyzed_against_version = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, rating, details, ids, version, status, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("record impact for %d: %w", id, err)
	}
	return expectOneRow(res, "change request", fmt.Sprint(id))
}

// RecordTechnicalPreview stores a technical preview and sets the node's status.
func (t *TxOps) RecordTechnicalPreview(id int64, preview, status string) error {
	res, err := t.ExecContext(t.ctx, `
		UPDATE change_requests SET technical_preview = ?, status = ?, updated_at = ? WHERE id = ?
	`, preview, status, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("record technical preview for %d: %w", id, err)
	}
	return expectOneRow(res, "change request", fmt.Sprint(id))
}

func scanChangeRequest(row rowScanner) (*ChangeRequest, error) {
	var cr ChangeRequest
	var parentID, analyzed sql.NullInt64
	var rating, details, artifactIDs, preview, extID, extURL sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&cr.ID, &cr.ProjectID, &parentID, &cr.Kind, &cr.Title, &cr.Description, &cr.Status,
		&cr.DisplayOrder, &cr.Priority, &cr.Complexity, &rating, &details, &artifactIDs, &analyzed,
		&preview, &extID, &extURL, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if parentID.Valid {
		v := parentID.Int64
		cr.ParentID = &v
	}
	if analyzed.Valid {
		v := analyzed.Int64
		cr.AnalyzedAgainstVersion = &v
	}
	cr.ImpactRating = rating.String
	cr.ImpactDetails = details.String
	cr.TechnicalPreview = preview.String
	cr.ExternalID = extID.String
	cr.ExternalURL = extURL.String
	if artifactIDs.Valid && artifactIDs.String != "" {
		if err := json.Unmarshal([]byte(artifactIDs.String), &cr.ImpactedArtifactIDs); err != nil {
			return nil, fmt.Errorf("decode impacted artifact ids: %w", err)
		}
	}
	cr.CreatedAt = parseTime(createdAt)
	cr.UpdatedAt = parseTime(updatedAt)
	return &cr, nil
}

func marshalIDs(ids []string) (sql.NullString, error) {
	if len(ids) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode ids: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// ImportChangeRequest inserts a node with its original ID. Parents must be
// imported before their children.
func (t *TxOps) ImportChangeRequest(cr *ChangeRequest) error {
	artifactIDs, err := marshalIDs(cr.ImpactedArtifactIDs)
	if err != nil {
		return err
	}
	_, err = t.ExecContext(t.ctx, `
		INSERT INTO change_requests (`+crColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cr.ID, cr.ProjectID, nullInt(cr.ParentID), cr.Kind, cr.Title, cr.Description, cr.Status, cr.DisplayOrder,
		cr.Priority, cr.Complexity, nullString(cr.ImpactRating), nullString(cr.ImpactDetails), artifactIDs,
		nullInt(cr.AnalyzedAgainstVersion), nullString(cr.TechnicalPreview), nullString(cr.ExternalID),
		nullString(cr.ExternalURL), formatTime(cr.CreatedAt), formatTime(cr.UpdatedAt))
	if err != nil {
		return fmt.Errorf("import change request %d: %w", cr.ID, err)
	}
	return nil
}

// SyncChangeRequestIDs moves the Postgres id sequence past the highest
// imported id. SQLite derives the next rowid from the table and needs nothing.
func (t *TxOps) SyncChangeRequestIDs() error {
	if t.Dialect() != driver.DialectPostgres {
		return nil
	}
	_, err := t.ExecContext(t.ctx, `
		SELECT setval(pg_get_serial_sequence('change_requests', 'id'),
			COALESCE((SELECT MAX(id) FROM change_requests), 1))
	`)
	if err != nil {
		return fmt.Errorf("sync change request ids: %w", err)
	}
	return nil
}

// CountChangeRequests counts a project's nodes whose kind is one of kinds.
func (p *ProjectDB) CountChangeRequests(ctx context.Context, projectID string, kinds ...string) (int, error) {
	query := `SELECT COUNT(*) FROM change_requests WHERE project_id = ?`
	args := []any{projectID}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	var n int
	if err := p.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count change requests: %w", err)
	}
	return n, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
