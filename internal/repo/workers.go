package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fixline/internal/db"
	"fixline/internal/domain"
)

func (r Repo) InsertWorker(ctx context.Context, q db.Querier, w domain.Worker) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO workers(id,organization_id,name,specialty,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.OrganizationID, w.Name, w.Specialty, db.FormatTime(w.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("worker %s already exists: %w", w.ID, ErrConflict)
	}
	return err
}

func scanWorker(s scanner, extra ...any) (domain.Worker, error) {
	var (
		w         domain.Worker
		createdAt string
	)
	dest := append([]any{&w.ID, &w.OrganizationID, &w.Name, &w.Specialty, &createdAt}, extra...)
	if err := s.Scan(dest...); err != nil {
		return w, err
	}
	ts, err := db.ParseTime(createdAt)
	if err != nil {
		return w, fmt.Errorf("worker %s created_at: %w", w.ID, err)
	}
	w.CreatedAt = ts
	return w, nil
}

func (r Repo) GetWorker(ctx context.Context, q db.Querier, id string) (domain.Worker, error) {
	w, err := scanWorker(r.q(q).QueryRowContext(ctx, `SELECT id,organization_id,name,specialty,created_at FROM workers WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

type WorkerFilters struct {
	OrganizationID string
	Specialty      string
}

func (r Repo) ListWorkers(ctx context.Context, q db.Querier, f WorkerFilters) ([]domain.Worker, error) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "organization_id=?")
		args = append(args, f.OrganizationID)
	}
	if f.Specialty != "" {
		clauses = append(clauses, "specialty=?")
		args = append(args, f.Specialty)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT id,organization_id,name,specialty,created_at FROM workers `+where+` ORDER BY name ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

// WorkerCandidates returns the organization's workers with the given
// specialty, least loaded first. Load counts assignments currently ASSIGNED.
func (r Repo) WorkerCandidates(ctx context.Context, q db.Querier, orgID, specialty string) ([]domain.WorkerCandidate, error) {
	rows, err := r.q(q).QueryContext(ctx, `
SELECT w.id, w.organization_id, w.name, w.specialty, w.created_at, COUNT(a.id) AS open_count
FROM workers w
LEFT JOIN assignments a ON a.worker_id = w.id AND a.status = 'ASSIGNED'
WHERE w.organization_id = ? AND w.specialty = ?
GROUP BY w.id
ORDER BY open_count ASC, w.name ASC, w.id ASC`, orgID, specialty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerCandidate
	for rows.Next() {
		var open int
		w, err := scanWorker(rows, &open)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.WorkerCandidate{Worker: w, OpenCount: open})
	}
	return res, rows.Err()
}
