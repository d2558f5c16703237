package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HistoryRecord points at the archive of a stopped project.
type HistoryRecord struct {
	ID          int64
	ProjectID   string
	ProjectName string
	RootPath    string
	ArchivePath string
	LastPhase   string
	ArchivedAt  time.Time
}

// EscalationDecision is the audit row of a human decision on a repeatedly
// failing task.
type EscalationDecision struct {
	ID         int64
	ProjectID  string
	Decision   string
	Attempts   int
	FailureLog string
	ArtifactID string
	TaskRef    string
	DecidedAt  time.Time
}

// AddHistory records an archived project.
func (t *TxOps) AddHistory(h *HistoryRecord) error {
	if h.ArchivedAt.IsZero() {
		h.ArchivedAt = timeNow()
	}
	err := t.QueryRowContext(t.ctx, `
		INSERT INTO project_history (project_id, project_name, root_path, archive_path, last_phase, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, h.ProjectID, h.ProjectName, h.RootPath, h.ArchivePath, h.LastPhase, formatTime(h.ArchivedAt)).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("add history for %s: %w", h.ProjectID, err)
	}
	return nil
}

// ListHistory returns archive records, newest first.
func (p *ProjectDB) ListHistory(ctx context.Context) ([]HistoryRecord, error) {
	rows, err := p.QueryContext(ctx, `
		SELECT id, project_id, project_name, root_path, archive_path, last_phase, archived_at
		FROM project_history ORDER BY archived_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// GetHistory retrieves one archive record. Returns nil, nil when absent.
func (p *ProjectDB) GetHistory(ctx context.Context, id int64) (*HistoryRecord, error) {
	row := p.QueryRowContext(ctx, `
		SELECT id, project_id, project_name, root_path, archive_path, last_phase, archived_at
		FROM project_history WHERE id = ?
	`, id)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history %d: %w", id, err)
	}
	return h, nil
}

// DeleteHistory removes an archive record.
func (p *ProjectDB) DeleteHistory(ctx context.Context, id int64) error {
	res, err := p.ExecContext(ctx, `DELETE FROM project_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete history %d: %w", id, err)
	}
	return expectOneRow(res, "history", fmt.Sprint(id))
}

// DeleteHistory removes an archive record inside the transaction.
func (t *TxOps) DeleteHistory(id int64) error {
	if _, err := t.ExecContext(t.ctx, `DELETE FROM project_history WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete history %d: %w", id, err)
	}
	return nil
}

func scanHistory(row rowScanner) (*HistoryRecord, error) {
	var h HistoryRecord
	var archivedAt string
	if err := row.Scan(&h.ID, &h.ProjectID, &h.ProjectName, &h.RootPath, &h.ArchivePath, &h.LastPhase, &archivedAt); err != nil {
		return nil, err
	}
	h.ArchivedAt = parseTime(archivedAt)
	return &h, nil
}

// RecordEscalationDecision appends an audit row.
func (t *TxOps) RecordEscalationDecision(d *EscalationDecision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = timeNow()
	}
	err := t.QueryRowContext(t.ctx, `
		INSERT INTO escalation_decisions (project_id, decision, attempts, failure_log, artifact_id, task_ref, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, d.ProjectID, d.Decision, d.Attempts, d.FailureLog, nullString(d.ArtifactID), d.TaskRef,
		formatTime(d.DecidedAt)).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("record escalation decision: %w", err)
	}
	return nil
}

// ListEscalationDecisions returns a project's decision audit trail, oldest first.
func (p *ProjectDB) ListEscalationDecisions(ctx context.Context, projectID string) ([]EscalationDecision, error) {
	rows, err := p.QueryContext(ctx, `
		SELECT id, project_id, decision, attempts, failure_log, artifact_id, task_ref, decided_at
		FROM escalation_decisions WHERE project_id = ? ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list escalation decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EscalationDecision
	for rows.Next() {
		var d EscalationDecision
		var artifactID sql.NullString
		var decidedAt string
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Decision, &d.Attempts, &d.FailureLog, &artifactID,
			&d.TaskRef, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan escalation decision: %w", err)
		}
		d.ArtifactID = artifactID.String
		d.DecidedAt = parseTime(decidedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
