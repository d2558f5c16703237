package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/klyve/internal/db/driver"
)

// TxRunner provides a transactional execution interface.
type TxRunner interface {
	// RunInTx executes the given function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides database operations within a transaction.
// The context is stored and used for all record operations, enabling
// cancellation and timeout propagation through the entire transaction.
type TxOps struct {
	tx      driver.Tx
	dialect driver.Dialect
	ctx     context.Context
}

// ExecContext executes a query within the transaction.
func (t *TxOps) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(ctx, query, args...)
}

// QueryContext executes a query that returns rows within the transaction.
func (t *TxOps) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.Query(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRow(ctx, query, args...)
}

// Context returns the context associated with this transaction.
func (t *TxOps) Context() context.Context {
	return t.ctx
}

// Dialect returns the database dialect.
func (t *TxOps) Dialect() driver.Dialect {
	return t.dialect
}

// ProjectDB provides operations on the project store.
type ProjectDB struct {
	*DB
}

// OpenProject opens the SQLite store at {root}/.klyve/klyve.db.
func OpenProject(ctx context.Context, root string) (*ProjectDB, error) {
	return OpenProjectWithConfig(ctx, driver.Config{
		Dialect: driver.DialectSQLite,
		DSN:     filepath.Join(root, ".klyve", "klyve.db"),
	})
}

// OpenProjectWithConfig opens the store with a specific dialect and DSN and
// applies pending migrations.
func OpenProjectWithConfig(ctx context.Context, cfg driver.Config) (*ProjectDB, error) {
	db, err := OpenWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, "project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// OpenProjectInMemory opens a migrated in-memory store.
func OpenProjectInMemory(ctx context.Context) (*ProjectDB, error) {
	db, err := OpenInMemory(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, "project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}
	return &ProjectDB{DB: db}, nil
}

// RunInTx executes the given function within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
func (p *ProjectDB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := p.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{
		tx:      tx,
		dialect: p.Dialect(),
		ctx:     ctx,
	}

	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

var _ TxRunner = (*ProjectDB)(nil)

// ============================================================================
// Projects
// ============================================================================

// Project is one orchestration run and its accumulated specification texts.
type Project struct {
	ID              string
	Name            string
	RootPath        string
	TargetOS        string
	TechnologyStack string
	Brief           string
	FinalSpec       string
	TechSpec        string
	CodingStandard  string
	DevelopmentPlan string
	ContextVersion  int64
	Archived        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Document names a specification text stored on a project.
type Document string

const (
	DocBrief           Document = "project_brief"
	DocFinalSpec       Document = "final_spec"
	DocTechSpec        Document = "tech_spec"
	DocCodingStandard  Document = "coding_standard"
	DocDevelopmentPlan Document = "development_plan"
)

// versioned reports whether a change to the document invalidates impact
// analyses recorded against the previous context version.
func (d Document) versioned() bool {
	return d == DocFinalSpec || d == DocTechSpec
}

func (d Document) valid() bool {
	switch d {
	case DocBrief, DocFinalSpec, DocTechSpec, DocCodingStandard, DocDevelopmentPlan:
		return true
	}
	return false
}

const projectColumns = `id, name, root_path, target_os, technology_stack, project_brief, final_spec,
	tech_spec, coding_standard, development_plan, context_version, archived, created_at, updated_at`

// CreateProject inserts a new project. An empty ID is assigned a UUID.
func (p *ProjectDB) CreateProject(ctx context.Context, proj *Project) error {
	return insertProject(ctx, p, proj)
}

// InsertProject inserts a project inside the transaction, preserving its ID
// and context version.
func (t *TxOps) InsertProject(proj *Project) error {
	return insertProject(t.ctx, t, proj)
}

func insertProject(ctx context.Context, q querier, proj *Project) error {
	if proj.ID == "" {
		proj.ID = uuid.NewString()
	}
	now := timeNow()
	if proj.CreatedAt.IsZero() {
		proj.CreatedAt = now
	}
	proj.UpdatedAt = now
	if proj.ContextVersion < 1 {
		proj.ContextVersion = 1
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, proj.ID, proj.Name, proj.RootPath, proj.TargetOS, proj.TechnologyStack, proj.Brief,
		proj.FinalSpec, proj.TechSpec, proj.CodingStandard, proj.DevelopmentPlan,
		proj.ContextVersion, boolInt(proj.Archived), formatTime(proj.CreatedAt), formatTime(proj.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns nil, nil when absent.
func (p *ProjectDB) GetProject(ctx context.Context, id string) (*Project, error) {
	return getProject(ctx, p, id)
}

// GetProject retrieves a project inside the transaction.
func (t *TxOps) GetProject(id string) (*Project, error) {
	return getProject(t.ctx, t, id)
}

func getProject(ctx context.Context, q querier, id string) (*Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	proj, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return proj, nil
}

// ListProjects returns all projects, newest first.
func (p *ProjectDB) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Project
	for rows.Next() {
		proj, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *proj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// UpdateProjectEnvironment records the project root and target metadata.
func (p *ProjectDB) UpdateProjectEnvironment(ctx context.Context, id, rootPath, targetOS, stack string) error {
	res, err := p.ExecContext(ctx, `
		UPDATE projects SET root_path = ?, target_os = ?, technology_stack = ?, updated_at = ?
		WHERE id = ?
	`, rootPath, targetOS, stack, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("update project environment: %w", err)
	}
	return expectOneRow(res, "project", id)
}

// SaveDocument stores a specification text on the project. When a versioned
// document's content changes the project context version is bumped inside
// the same transaction. Returns the context version after the write.
func (p *ProjectDB) SaveDocument(ctx context.Context, projectID string, doc Document, text string) (int64, error) {
	if !doc.valid() {
		return 0, fmt.Errorf("unknown document %q", doc)
	}

	var version int64
	err := p.RunInTx(ctx, func(tx *TxOps) error {
		proj, err := tx.GetProject(projectID)
		if err != nil {
			return err
		}
		if proj == nil {
			return fmt.Errorf("save %s: project %s: %w", doc, projectID, sql.ErrNoRows)
		}

		changed := documentText(proj, doc) != text
		// doc is one of the fixed column names checked by valid().
		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET `+string(doc)+` = ?, updated_at = ? WHERE id = ?`,
			text, formatTime(timeNow()), projectID); err != nil {
			return fmt.Errorf("save %s: %w", doc, err)
		}

		version = proj.ContextVersion
		if changed && doc.versioned() {
			version, err = tx.BumpContextVersion(projectID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return version, err
}

func documentText(p *Project, doc Document) string {
	switch doc {
	case DocBrief:
		return p.Brief
	case DocFinalSpec:
		return p.FinalSpec
	case DocTechSpec:
		return p.TechSpec
	case DocCodingStandard:
		return p.CodingStandard
	case DocDevelopmentPlan:
		return p.DevelopmentPlan
	}
	return ""
}

// ContextVersion returns the project's current context version.
func (p *ProjectDB) ContextVersion(ctx context.Context, projectID string) (int64, error) {
	return contextVersion(ctx, p, projectID)
}

// ContextVersion returns the project's context version inside the transaction.
func (t *TxOps) ContextVersion(projectID string) (int64, error) {
	return contextVersion(t.ctx, t, projectID)
}

func contextVersion(ctx context.Context, q querier, projectID string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT context_version FROM projects WHERE id = ?`, projectID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("context version %s: %w", projectID, err)
	}
	return v, nil
}

// BumpContextVersion increments the project's context version and returns
// the new value.
func (t *TxOps) BumpContextVersion(projectID string) (int64, error) {
	if _, err := t.ExecContext(t.ctx, `
		UPDATE projects SET context_version = context_version + 1, updated_at = ? WHERE id = ?
	`, formatTime(timeNow()), projectID); err != nil {
		return 0, fmt.Errorf("bump context version: %w", err)
	}
	return t.ContextVersion(projectID)
}

// DeleteProject removes a project and, by cascade, all of its records.
func (t *TxOps) DeleteProject(id string) error {
	if _, err := t.ExecContext(t.ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var proj Project
	var archived int
	var createdAt, updatedAt string
	if err := row.Scan(&proj.ID, &proj.Name, &proj.RootPath, &proj.TargetOS, &proj.TechnologyStack,
		&proj.Brief, &proj.FinalSpec, &proj.TechSpec, &proj.CodingStandard, &proj.DevelopmentPlan,
		&proj.ContextVersion, &archived, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	proj.Archived = archived != 0
	proj.CreatedAt = parseTime(createdAt)
	proj.UpdatedAt = parseTime(updatedAt)
	return &proj, nil
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, sql.ErrNoRows)
	}
	return nil
}
