package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OrchestrationState is the per-project checkpoint the engine resumes from.
type OrchestrationState struct {
	ProjectID string
	Phase     string
	Step      string
	Details   string
	UpdatedAt time.Time
}

// ResumableState pairs a checkpoint with the name of its project.
type ResumableState struct {
	OrchestrationState
	ProjectName string
}

// SaveOrchestrationState upserts the single checkpoint row of a project.
func (p *ProjectDB) SaveOrchestrationState(ctx context.Context, s *OrchestrationState) error {
	return saveOrchestrationState(ctx, p, s)
}

// SaveOrchestrationState upserts the checkpoint inside the transaction.
func (t *TxOps) SaveOrchestrationState(s *OrchestrationState) error {
	return saveOrchestrationState(t.ctx, t, s)
}

func saveOrchestrationState(ctx context.Context, q querier, s *OrchestrationState) error {
	s.UpdatedAt = timeNow()
	if s.Details == "" {
		s.Details = "{}"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO orchestration_state (project_id, phase, step, details, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			phase = excluded.phase,
			step = excluded.step,
			details = excluded.details,
			updated_at = excluded.updated_at
	`, s.ProjectID, s.Phase, s.Step, s.Details, formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save orchestration state %s: %w", s.ProjectID, err)
	}
	return nil
}

// GetOrchestrationState loads a project's checkpoint. Returns nil, nil when
// the project has none.
func (p *ProjectDB) GetOrchestrationState(ctx context.Context, projectID string) (*OrchestrationState, error) {
	var s OrchestrationState
	var updatedAt string
	err := p.QueryRowContext(ctx, `
		SELECT project_id, phase, step, details, updated_at FROM orchestration_state WHERE project_id = ?
	`, projectID).Scan(&s.ProjectID, &s.Phase, &s.Step, &s.Details, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestration state %s: %w", projectID, err)
	}
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

// LatestResumable returns the most recently updated checkpoint of a
// non-archived project, or nil when nothing is paused.
func (p *ProjectDB) LatestResumable(ctx context.Context) (*ResumableState, error) {
	var s ResumableState
	var updatedAt string
	err := p.QueryRowContext(ctx, `
		SELECT os.project_id, os.phase, os.step, os.details, os.updated_at, pr.name
		FROM orchestration_state os JOIN projects pr ON pr.id = os.project_id
		WHERE pr.archived = 0
		ORDER BY os.updated_at DESC
		LIMIT 1
	`).Scan(&s.ProjectID, &s.Phase, &s.Step, &s.Details, &updatedAt, &s.ProjectName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest resumable state: %w", err)
	}
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

// DeleteOrchestrationState removes a project's checkpoint.
func (t *TxOps) DeleteOrchestrationState(projectID string) error {
	if _, err := t.ExecContext(t.ctx, `DELETE FROM orchestration_state WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete orchestration state %s: %w", projectID, err)
	}
	return nil
}
