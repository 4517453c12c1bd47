package repo

import (
	"context"
	"database/sql"
	"fmt"

	"fixline/internal/db"
	"fixline/internal/domain"
)

const assignmentColumns = `id,organization_id,category,status,worker_id,request_id,version,created_at,updated_at`

// assignmentRow is the persisted shape of an assignment.
type assignmentRow struct {
	ID             string
	OrganizationID string
	Category       string
	Status         string
	WorkerID       sql.NullString
	RequestID      string
	Version        int64
	CreatedAt      string
	UpdatedAt      string
}

func assignmentRowFrom(a domain.Assignment) assignmentRow {
	row := assignmentRow{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		Category:       a.Category,
		Status:         string(a.Status),
		RequestID:      a.RequestID,
		Version:        a.Version,
		CreatedAt:      db.FormatTime(a.CreatedAt),
		UpdatedAt:      db.FormatTime(a.UpdatedAt),
	}
	if a.WorkerID != nil && *a.WorkerID != "" {
		row.WorkerID = sql.NullString{String: *a.WorkerID, Valid: true}
	}
	return row
}

func (row assignmentRow) toDomain() (domain.Assignment, error) {
	status, err := domain.ParseStatus(row.Status)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment %s: %w", row.ID, err)
	}
	created, err := db.ParseTime(row.CreatedAt)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment %s created_at: %w", row.ID, err)
	}
	updated, err := db.ParseTime(row.UpdatedAt)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("assignment %s updated_at: %w", row.ID, err)
	}
	a := domain.Assignment{
		ID:             row.ID,
		OrganizationID: row.OrganizationID,
		Category:       row.Category,
		Status:         status,
		RequestID:      row.RequestID,
		Version:        row.Version,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
	if row.WorkerID.Valid {
		w := row.WorkerID.String
		a.WorkerID = &w
	}
	return a, nil
}

func scanAssignment(s scanner) (domain.Assignment, error) {
	var row assignmentRow
	if err := s.Scan(&row.ID, &row.OrganizationID, &row.Category, &row.Status, &row.WorkerID, &row.RequestID, &row.Version, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return domain.Assignment{}, err
	}
	return row.toDomain()
}

// InsertAssignment stores a new assignment at version 1. A second assignment
// for the same request fails with ErrConflict.
func (r Repo) InsertAssignment(ctx context.Context, q db.Querier, a domain.Assignment) error {
	row := assignmentRowFrom(a)
	if row.Version == 0 {
		row.Version = 1
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		row.ID, row.OrganizationID, row.Category, row.Status, row.WorkerID, row.RequestID, row.Version, row.CreatedAt, row.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("assignment for request %s: %w", a.RequestID, ErrConflict)
	}
	return err
}

// Save upserts an assignment. An existing row is only overwritten when its
// version equals expectedVersion; the stored version is then incremented and
// returned on the result. A stale expectedVersion yields ErrConflict.
func (r Repo) Save(ctx context.Context, q db.Querier, a domain.Assignment, expectedVersion int64) (domain.Assignment, error) {
	q = r.q(q)
	row := assignmentRowFrom(a)
	res, err := q.ExecContext(ctx, `UPDATE assignments SET status=?, worker_id=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		row.Status, row.WorkerID, row.UpdatedAt, row.ID, expectedVersion)
	if err != nil {
		return a, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return a, err
	}
	if affected == 1 {
		a.Version = expectedVersion + 1
		return a, nil
	}
	var current int64
	err = q.QueryRowContext(ctx, `SELECT version FROM assignments WHERE id=?`, a.ID).Scan(&current)
	if err == sql.ErrNoRows {
		a.Version = 1
		return a, r.InsertAssignment(ctx, q, a)
	}
	if err != nil {
		return a, err
	}
	return a, fmt.Errorf("assignment %s at version %d, expected %d: %w", a.ID, current, expectedVersion, ErrConflict)
}

func (r Repo) FindByID(ctx context.Context, q db.Querier, id string) (domain.Assignment, error) {
	a, err := scanAssignment(r.q(q).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) FindByRequestID(ctx context.Context, q db.Querier, requestID string) (domain.Assignment, error) {
	a, err := scanAssignment(r.q(q).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE request_id=?`, requestID))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) FindByWorkerAndID(ctx context.Context, q db.Querier, workerID, id string) (domain.Assignment, error) {
	a, err := scanAssignment(r.q(q).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=? AND worker_id=?`, id, workerID))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// FindAllByOrganization lists newest first; ties on created_at fall back to
// insertion order.
func (r Repo) FindAllByOrganization(ctx context.Context, q db.Querier, orgID string) ([]domain.Assignment, error) {
	return r.listAssignments(ctx, q, `WHERE organization_id=?`, orgID)
}

// FindAllByWorker lists every assignment linked to workerID regardless of status.
func (r Repo) FindAllByWorker(ctx context.Context, q db.Querier, workerID string) ([]domain.Assignment, error) {
	return r.listAssignments(ctx, q, `WHERE worker_id=?`, workerID)
}

func (r Repo) listAssignments(ctx context.Context, q db.Querier, where string, args ...any) ([]domain.Assignment, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments `+where+` ORDER BY created_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountByStatus returns assignment counts per status for an organization.
func (r Repo) CountByStatus(ctx context.Context, q db.Querier, orgID string) (map[domain.Status]int, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT status, count(*) FROM assignments WHERE organization_id=? GROUP BY status`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}
