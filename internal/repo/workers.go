package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"taskline/internal/domain"
)

// The worker directory is read-only from the engine's perspective; writes
// come from the onboarding surface (CLI / PUT endpoint).

func (r Repo) UpsertWorker(ctx context.Context, w domain.Worker) error {
	skills, err := marshalSkills(w.Skills)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workers(id,name,rating,skills_json,approved,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, rating=excluded.rating,
    skills_json=excluded.skills_json, approved=excluded.approved, updated_at=excluded.updated_at`,
		w.ID, nullable(w.Name), w.Rating, skills, boolToInt(w.Approved), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	return scanWorker(r.DB.QueryRowContext(ctx, `SELECT id,name,rating,skills_json,approved,created_at,updated_at FROM workers WHERE id=?`, id))
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,rating,skills_json,approved,created_at,updated_at FROM workers ORDER BY rating DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

const eligibleWorkersSQL = `SELECT id,name,rating,skills_json,approved,created_at,updated_at FROM workers
WHERE approved=1 AND NOT EXISTS (
    SELECT 1 FROM task_excluded_workers x WHERE x.task_id=? AND x.worker_id=workers.id
)
ORDER BY rating DESC, id ASC`

// FindEligibleWorkers returns approved workers not excluded for the task,
// highest rating first, id ascending as the deterministic tie-break.
func (r Repo) FindEligibleWorkers(ctx context.Context, taskID string) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, eligibleWorkersSQL, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// FindEligibleWorkersTx is the in-transaction variant; it sees exclusions
// added earlier in the same transaction.
func (r Repo) FindEligibleWorkersTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Worker, error) {
	rows, err := tx.QueryContext(ctx, eligibleWorkersSQL, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func collectWorkers(rows *sql.Rows) ([]domain.Worker, error) {
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func scanWorker(row rowScanner) (domain.Worker, error) {
	var w domain.Worker
	var name, skills sql.NullString
	var approved int
	err := row.Scan(&w.ID, &name, &w.Rating, &skills, &approved, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if name.Valid {
		w.Name = name.String
	}
	if skills.Valid && skills.String != "" {
		if err := json.Unmarshal([]byte(skills.String), &w.Skills); err != nil {
			return w, err
		}
	}
	w.Approved = approved != 0
	return w, nil
}

func marshalSkills(skills []string) (any, error) {
	if len(skills) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(skills)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
