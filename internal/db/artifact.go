package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact is a produced code or documentation unit.
type Artifact struct {
	ID             string
	ProjectID      string
	FilePath       string
	Kind           string
	Version        int
	CommitHash     string
	FileHash       string
	Status         string
	UnitTestStatus string
	Dependencies   []string
	MicroSpecID    string
	Summary        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ArtifactVersion is one entry of an artifact's immutable history.
type ArtifactVersion struct {
	ArtifactID string
	Version    int
	CommitHash string
	FileHash   string
	CreatedAt  time.Time
}

const artifactColumns = `id, project_id, file_path, kind, version, commit_hash, file_hash, status,
	unit_test_status, dependencies, micro_spec_id, summary, created_at, updated_at`

// SaveArtifact records an artifact keyed by (project, file path).
//
// The first save creates version 1. A later save whose file hash or commit
// differs appends a new version and bumps the project context version, which
// marks impact analyses recorded against the old content as stale. A save
// with unchanged content only refreshes status, summary, and test fields.
func (p *ProjectDB) SaveArtifact(ctx context.Context, a *Artifact) error {
	return p.RunInTx(ctx, func(tx *TxOps) error {
		return tx.SaveArtifact(a)
	})
}

// SaveArtifact records an artifact inside the transaction.
func (t *TxOps) SaveArtifact(a *Artifact) error {
	existing, err := getArtifactByPath(t.ctx, t, a.ProjectID, a.FilePath)
	if err != nil {
		return err
	}

	now := timeNow()
	a.UpdatedAt = now
	deps, err := json.Marshal(nonNilIDs(a.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}

	if existing == nil {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.Version = 1
		a.CreatedAt = now
		if _, err := t.ExecContext(t.ctx, `
			INSERT INTO artifacts (`+artifactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.ProjectID, a.FilePath, a.Kind, a.Version, nullString(a.CommitHash), a.FileHash, a.Status,
			a.UnitTestStatus, string(deps), nullString(a.MicroSpecID), a.Summary,
			formatTime(a.CreatedAt), formatTime(a.UpdatedAt)); err != nil {
			return fmt.Errorf("insert artifact %s: %w", a.FilePath, err)
		}
		return t.appendArtifactVersion(a)
	}

	a.ID = existing.ID
	a.CreatedAt = existing.CreatedAt
	a.Version = existing.Version
	changed := existing.FileHash != a.FileHash || existing.CommitHash != a.CommitHash
	if changed {
		a.Version++
	}
	if a.Summary == "" && !changed {
		a.Summary = existing.Summary
	}

	if _, err := t.ExecContext(t.ctx, `
		UPDATE artifacts SET kind = ?, version = ?, commit_hash = ?, file_hash = ?, status = ?,
			unit_test_status = ?, dependencies = ?, micro_spec_id = ?, summary = ?, updated_at = ?
		WHERE id = ?
	`, a.Kind, a.Version, nullString(a.CommitHash), a.FileHash, a.Status, a.UnitTestStatus, string(deps),
		nullString(a.MicroSpecID), a.Summary, formatTime(a.UpdatedAt), a.ID); err != nil {
		return fmt.Errorf("update artifact %s: %w", a.FilePath, err)
	}

	if !changed {
		return nil
	}
	if err := t.appendArtifactVersion(a); err != nil {
		return err
	}
	_, err = t.BumpContextVersion(a.ProjectID)
	return err
}

func (t *TxOps) appendArtifactVersion(a *Artifact) error {
	if _, err := t.ExecContext(t.ctx, `
		INSERT INTO artifact_versions (artifact_id, version, commit_hash, file_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Version, nullString(a.CommitHash), a.FileHash, formatTime(a.UpdatedAt)); err != nil {
		return fmt.Errorf("append artifact version %s@%d: %w", a.ID, a.Version, err)
	}
	return nil
}

// GetArtifact retrieves an artifact by ID. Returns nil, nil when absent.
func (p *ProjectDB) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	return getArtifact(ctx, p, `WHERE id = ?`, id)
}

// GetArtifactByPath retrieves an artifact by project and file path.
func (p *ProjectDB) GetArtifactByPath(ctx context.Context, projectID, filePath string) (*Artifact, error) {
	return getArtifactByPath(ctx, p, projectID, filePath)
}

// GetArtifactByPath retrieves an artifact inside the transaction.
func (t *TxOps) GetArtifactByPath(projectID, filePath string) (*Artifact, error) {
	return getArtifactByPath(t.ctx, t, projectID, filePath)
}

func getArtifactByPath(ctx context.Context, q querier, projectID, filePath string) (*Artifact, error) {
	return getArtifact(ctx, q, `WHERE project_id = ? AND file_path = ?`, projectID, filePath)
}

func getArtifact(ctx context.Context, q querier, where string, args ...any) (*Artifact, error) {
	row := q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts `+where, args...)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns a project's artifacts ordered by path.
func (p *ProjectDB) ListArtifacts(ctx context.Context, projectID string) ([]Artifact, error) {
	return listArtifacts(ctx, p, projectID)
}

// ListArtifacts returns a project's artifacts inside the transaction.
func (t *TxOps) ListArtifacts(projectID string) ([]Artifact, error) {
	return listArtifacts(t.ctx, t, projectID)
}

func listArtifacts(ctx context.Context, q querier, projectID string) ([]Artifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id = ? ORDER BY file_path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

// ArtifactVersions returns the version history of an artifact, oldest first.
func (p *ProjectDB) ArtifactVersions(ctx context.Context, artifactID string) ([]ArtifactVersion, error) {
	rows, err := p.QueryContext(ctx, `
		SELECT artifact_id, version, commit_hash, file_hash, created_at
		FROM artifact_versions WHERE artifact_id = ? ORDER BY version
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ArtifactVersion
	for rows.Next() {
		var v ArtifactVersion
		var commit sql.NullString
		var createdAt string
		if err := rows.Scan(&v.ArtifactID, &v.Version, &commit, &v.FileHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact version: %w", err)
		}
		v.CommitHash = commit.String
		v.CreatedAt = parseTime(createdAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact versions: %w", err)
	}
	return out, nil
}

// SetArtifactSummary stores a summary on an existing artifact. Nothing
// else changes and no version is created.
func (p *ProjectDB) SetArtifactSummary(ctx context.Context, id, summary string) error {
	res, err := p.ExecContext(ctx, `UPDATE artifacts SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("set artifact summary %s: %w", id, err)
	}
	return expectOneRow(res, "artifact", id)
}

// UpdateArtifactStatus sets an artifact's status without creating a version.
func (t *TxOps) UpdateArtifactStatus(id, status string) error {
	res, err := t.ExecContext(t.ctx, `UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("update artifact status %s: %w", id, err)
	}
	return expectOneRow(res, "artifact", id)
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var commit, microSpec sql.NullString
	var deps, createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.FilePath, &a.Kind, &a.Version, &commit, &a.FileHash, &a.Status,
		&a.UnitTestStatus, &deps, &microSpec, &a.Summary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CommitHash = commit.String
	a.MicroSpecID = microSpec.String
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &a.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// ImportArtifact inserts an artifact with its original ID and version.
func (t *TxOps) ImportArtifact(a *Artifact, history []ArtifactVersion) error {
	deps, err := json.Marshal(nonNilIDs(a.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	if _, err := t.ExecContext(t.ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ProjectID, a.FilePath, a.Kind, a.Version, nullString(a.CommitHash), a.FileHash, a.Status,
		a.UnitTestStatus, string(deps), nullString(a.MicroSpecID), a.Summary,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt)); err != nil {
		return fmt.Errorf("import artifact %s: %w", a.ID, err)
	}
	for _, v := range history {
		if _, err := t.ExecContext(t.ctx, `
			INSERT INTO artifact_versions (artifact_id, version, commit_hash, file_hash, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, a.ID, v.Version, nullString(v.CommitHash), v.FileHash, formatTime(v.CreatedAt)); err != nil {
			return fmt.Errorf("import artifact version %s@%d: %w", a.ID, v.Version, err)
		}
	}
	return nil
}
