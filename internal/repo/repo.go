package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale is returned when a conditional update matched zero rows: the task
// moved on (or was claimed) between the caller's read and its write.
var ErrStale = errors.New("stale task state")

const taskColumns = `id,owner_id,title,description,status,review_state,assigned_worker,assigned_at,submission_content,submission_url,submitted_at,attempts,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, assignedWorker, assignedAt, subContent, subURL, submittedAt sql.NullString
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &description, &t.Status, &t.ReviewState,
		&assignedWorker, &assignedAt, &subContent, &subURL, &submittedAt,
		&t.Attempts, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if assignedWorker.Valid {
		t.AssignedWorker = &assignedWorker.String
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.String
	}
	if submittedAt.Valid {
		t.Submission = &domain.Submission{
			Content:     subContent.String,
			URL:         subURL.String,
			SubmittedAt: submittedAt.String,
		}
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,owner_id,title,description,status,review_state,attempts,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, nullable(t.Description), t.Status, t.ReviewState, t.Attempts, t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.ExcludedWorkers, err = r.ListExcludedWorkers(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	OwnerID         string
	Status          string
	AssignedWorker  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedWorker != "" {
		clauses = append(clauses, "assigned_worker=?")
		args = append(args, f.AssignedWorker)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask performs the race-free claim: a single conditional write that
// assigns the task only if it is still open and unassigned. Exactly one of
// two racing callers can match the predicate; the loser gets ErrStale.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, taskID, workerID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET assigned_worker=?, assigned_at=?, status=?, review_state=?,
    submission_content=NULL, submission_url=NULL, submitted_at=NULL,
    version=version+1, updated_at=?
WHERE id=? AND status=? AND assigned_worker IS NULL`,
		workerID, now, domain.StatusAssigned, domain.ReviewNone, now, taskID, domain.StatusOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// UpdateTaskIf writes every mutable task field, guarded by the version and
// status the caller observed. This is the store's compare-and-swap primitive;
// every lifecycle transition after claim goes through it.
func (r Repo) UpdateTaskIf(ctx context.Context, tx *sql.Tx, t domain.Task, expectedVersion int64, expectedStatus string) error {
	var subContent, subURL, subAt any
	if t.Submission != nil {
		subContent = nullable(t.Submission.Content)
		subURL = nullable(t.Submission.URL)
		subAt = t.Submission.SubmittedAt
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks
SET status=?, review_state=?, assigned_worker=?, assigned_at=?,
    submission_content=?, submission_url=?, submitted_at=?,
    attempts=?, version=?, updated_at=?
WHERE id=? AND version=? AND status=?`,
		t.Status, t.ReviewState, nullableStringPtr(t.AssignedWorker), nullableStringPtr(t.AssignedAt),
		subContent, subURL, subAt,
		t.Attempts, expectedVersion+1, t.UpdatedAt,
		t.ID, expectedVersion, expectedStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// AddExcludedWorker grows the per-task exclusion set. Idempotent: re-adding
// an already excluded worker is a no-op.
func (r Repo) AddExcludedWorker(ctx context.Context, tx *sql.Tx, taskID, workerID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_excluded_workers(task_id, worker_id) VALUES (?,?)`, taskID, workerID)
	return err
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listExcludedWorkers(ctx context.Context, query queryFunc, taskID string) ([]string, error) {
	rows, err := query(ctx, `SELECT worker_id FROM task_excluded_workers WHERE task_id=? ORDER BY worker_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) ListExcludedWorkers(ctx context.Context, taskID string) ([]string, error) {
	return listExcludedWorkers(ctx, r.DB.QueryContext, taskID)
}

func (r Repo) IsExcluded(ctx context.Context, taskID, workerID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM task_excluded_workers WHERE task_id=? AND worker_id=? LIMIT 1`, taskID, workerID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListStalledTasks returns assigned tasks whose deadline passed without a
// submission. RFC3339 UTC strings sort chronologically, so the comparison is
// a plain string compare.
func (r Repo) ListStalledTasks(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status=? AND submitted_at IS NULL AND assigned_at IS NOT NULL AND assigned_at <= ?
ORDER BY assigned_at ASC`, domain.StatusAssigned, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events, optionally filtered by type and task.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, taskID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,task_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var tID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &tID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if tID.Valid {
			e.TaskID = tID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
