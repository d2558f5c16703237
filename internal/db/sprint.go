package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sprint groups backlog items for one execution cycle.
type Sprint struct {
	ID        string
	ProjectID string
	Status    string
	Goal      string
	Plan      string
	StartTS   time.Time
	EndTS     *time.Time
	ItemIDs   []int64
}

// SprintActiveStatus is the stored status of a sprint that is still running.
// Other packages use it to find items frozen by an active sprint.
const SprintActiveStatus = "in_progress"

const sprintColumns = `id, project_id, status, goal, plan, start_ts, end_ts`

// InsertSprint inserts a sprint row and its item links.
func (t *TxOps) InsertSprint(s *Sprint) error {
	if s.StartTS.IsZero() {
		s.StartTS = timeNow()
	}
	var end sql.NullString
	if s.EndTS != nil {
		end = sql.NullString{String: formatTime(*s.EndTS), Valid: true}
	}
	if _, err := t.ExecContext(t.ctx, `
		INSERT INTO sprints (`+sprintColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ProjectID, s.Status, s.Goal, s.Plan, formatTime(s.StartTS), end); err != nil {
		return fmt.Errorf("insert sprint %s: %w", s.ID, err)
	}
	for _, crID := range s.ItemIDs {
		if _, err := t.ExecContext(t.ctx, `INSERT INTO sprint_items (sprint_id, cr_id) VALUES (?, ?)`, s.ID, crID); err != nil {
			return fmt.Errorf("link item %d to sprint %s: %w", crID, s.ID, err)
		}
	}
	return nil
}

// GetSprint retrieves a sprint with its item IDs. Returns nil, nil when absent.
func (p *ProjectDB) GetSprint(ctx context.Context, id string) (*Sprint, error) {
	return getSprint(ctx, p, id)
}

// GetSprint retrieves a sprint inside the transaction.
func (t *TxOps) GetSprint(id string) (*Sprint, error) {
	return getSprint(t.ctx, t, id)
}

func getSprint(ctx context.Context, q querier, id string) (*Sprint, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id = ?`, id)
	s, err := scanSprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sprint %s: %w", id, err)
	}
	s.ItemIDs, err = sprintItemIDs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSprints returns a project's sprints, newest first.
func (p *ProjectDB) ListSprints(ctx context.Context, projectID string) ([]Sprint, error) {
	return listSprints(ctx, p, `WHERE project_id = ? ORDER BY start_ts DESC`, projectID)
}

// ListSprints returns a project's sprints inside the transaction.
func (t *TxOps) ListSprints(projectID string) ([]Sprint, error) {
	return listSprints(t.ctx, t, `WHERE project_id = ? ORDER BY start_ts DESC`, projectID)
}

// SprintsByStatus returns a project's sprints in the given status.
func (t *TxOps) SprintsByStatus(projectID, status string) ([]Sprint, error) {
	return listSprints(t.ctx, t, `WHERE project_id = ? AND status = ? ORDER BY start_ts DESC`, projectID, status)
}

// SprintsByStatus returns a project's sprints in the given status.
func (p *ProjectDB) SprintsByStatus(ctx context.Context, projectID, status string) ([]Sprint, error) {
	return listSprints(ctx, p, `WHERE project_id = ? AND status = ? ORDER BY start_ts DESC`, projectID, status)
}

func listSprints(ctx context.Context, q querier, where string, args ...any) ([]Sprint, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sprintColumns+` FROM sprints `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list sprints: %w", err)
	}
	var out []Sprint
	for rows.Next() {
		s, err := scanSprint(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan sprint: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate sprints: %w", err)
	}
	_ = rows.Close()

	// Item links are loaded after the cursor is released; SQLite runs on a
	// single connection.
	for i := range out {
		if out[i].ItemIDs, err = sprintItemIDs(ctx, q, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sprintItemIDs(ctx context.Context, q querier, sprintID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT cr_id FROM sprint_items WHERE sprint_id = ? ORDER BY cr_id`, sprintID)
	if err != nil {
		return nil, fmt.Errorf("list sprint items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sprint item: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SprintsForItem returns the IDs of sprints in the given status that link crID.
func (t *TxOps) SprintsForItem(crID int64, status string) ([]string, error) {
	rows, err := t.QueryContext(t.ctx, `
		SELECT s.id FROM sprints s JOIN sprint_items si ON si.sprint_id = s.id
		WHERE si.cr_id = ? AND s.status = ?
	`, crID, status)
	if err != nil {
		return nil, fmt.Errorf("sprints for item %d: %w", crID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sprint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CloseSprint sets a terminal status and stamps the end time.
func (t *TxOps) CloseSprint(id, status string) error {
	res, err := t.ExecContext(t.ctx, `UPDATE sprints SET status = ?, end_ts = ? WHERE id = ?`,
		status, formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("close sprint %s: %w", id, err)
	}
	return expectOneRow(res, "sprint", id)
}

// UpdateSprintPlan replaces a sprint's serialized plan.
func (t *TxOps) UpdateSprintPlan(id, plan string) error {
	res, err := t.ExecContext(t.ctx, `UPDATE sprints SET plan = ? WHERE id = ?`, plan, id)
	if err != nil {
		return fmt.Errorf("update sprint plan %s: %w", id, err)
	}
	return expectOneRow(res, "sprint", id)
}

func scanSprint(row rowScanner) (*Sprint, error) {
	var s Sprint
	var start string
	var end sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &s.Goal, &s.Plan, &start, &end); err != nil {
		return nil, err
	}
	s.StartTS = parseTime(start)
	if end.Valid {
		ts := parseTime(end.String)
		s.EndTS = &ts
	}
	return &s, nil
}
