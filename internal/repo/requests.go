package repo

import (
	"context"
	"database/sql"
	"fmt"

	"fixline/internal/db"
	"fixline/internal/domain"
)

func (r Repo) InsertRequest(ctx context.Context, q db.Querier, req domain.WorkRequest) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO work_requests(id,organization_id,property_id,description,category,requester_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		req.ID, req.OrganizationID, req.PropertyID, req.Description, req.Category, db.Nullable(req.RequesterID), db.FormatTime(req.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("work request %s already exists: %w", req.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetRequest(ctx context.Context, q db.Querier, id string) (domain.WorkRequest, error) {
	var (
		req       domain.WorkRequest
		requester sql.NullString
		createdAt string
	)
	err := r.q(q).QueryRowContext(ctx, `SELECT id,organization_id,property_id,description,category,requester_id,created_at FROM work_requests WHERE id=?`, id).
		Scan(&req.ID, &req.OrganizationID, &req.PropertyID, &req.Description, &req.Category, &requester, &createdAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if requester.Valid {
		req.RequesterID = requester.String
	}
	req.CreatedAt, err = db.ParseTime(createdAt)
	return req, err
}
