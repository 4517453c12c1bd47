package engine

import (
	"context"
	"database/sql"
	"errors"

	"fixline/internal/domain"
	"fixline/internal/ledger"
	"fixline/internal/repo"
)

// readTx runs fn in a read-only transaction so a list and the ledgers attached
// to it come from the same snapshot.
func (e Engine) readTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return &InfrastructureError{Op: op + ": begin", Err: err}
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	return nil
}

func withUpdates(ctx context.Context, tx *sql.Tx, list []domain.Assignment) ([]domain.Assignment, error) {
	ids := make([]string, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	byID, err := ledger.ListFor(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Updates = byID[list[i].ID]
	}
	return list, nil
}

func (e Engine) getWith(ctx context.Context, id string, find func(tx *sql.Tx) (domain.Assignment, error)) (domain.Assignment, error) {
	var a domain.Assignment
	err := e.readTx(ctx, "get assignment", func(tx *sql.Tx) error {
		var err error
		a, err = find(tx)
		if errors.Is(err, repo.ErrNotFound) {
			return NewErrAssignmentNotFound(id)
		}
		if err != nil {
			return err
		}
		a.Updates, err = ledger.List(ctx, tx, a.ID)
		return err
	})
	return a, err
}

// ListForOrganization returns every assignment of orgID, newest first, each
// with its ledger.
func (e Engine) ListForOrganization(ctx context.Context, orgID string) ([]domain.Assignment, error) {
	if orgID == "" {
		return nil, newValidationError("organization_id", "required")
	}
	var res []domain.Assignment
	err := e.readTx(ctx, "list assignments", func(tx *sql.Tx) error {
		list, err := e.Repo.FindAllByOrganization(ctx, tx, orgID)
		if err != nil {
			return err
		}
		res, err = withUpdates(ctx, tx, list)
		return err
	})
	return res, err
}

// ListUnassigned returns the assignments of orgID that were never linked to a
// worker, in ListForOrganization order.
func (e Engine) ListUnassigned(ctx context.Context, orgID string) ([]domain.Assignment, error) {
	all, err := e.ListForOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Assignment, 0, len(all))
	for _, a := range all {
		if a.Unassigned() {
			res = append(res, a)
		}
	}
	return res, nil
}

// ListForWorker returns every assignment linked to workerID regardless of
// status, newest first.
func (e Engine) ListForWorker(ctx context.Context, workerID string) ([]domain.Assignment, error) {
	if workerID == "" {
		return nil, newValidationError("worker_id", "required")
	}
	var res []domain.Assignment
	err := e.readTx(ctx, "list worker assignments", func(tx *sql.Tx) error {
		list, err := e.Repo.FindAllByWorker(ctx, tx, workerID)
		if err != nil {
			return err
		}
		res, err = withUpdates(ctx, tx, list)
		return err
	})
	return res, err
}

// GetByWorkerAndID returns the assignment only if it is linked to workerID.
func (e Engine) GetByWorkerAndID(ctx context.Context, workerID, assignmentID string) (domain.Assignment, error) {
	return e.getWith(ctx, assignmentID, func(tx *sql.Tx) (domain.Assignment, error) {
		return e.Repo.FindByWorkerAndID(ctx, tx, workerID, assignmentID)
	})
}

func (e Engine) GetByRequestID(ctx context.Context, requestID string) (domain.Assignment, error) {
	a, err := e.getWith(ctx, requestID, func(tx *sql.Tx) (domain.Assignment, error) {
		return e.Repo.FindByRequestID(ctx, tx, requestID)
	})
	if errors.Is(err, ErrNotFound) {
		return a, NewErrResourceNotFound("assignment for request", requestID)
	}
	return a, err
}

func (e Engine) GetAssignment(ctx context.Context, assignmentID string) (domain.Assignment, error) {
	return e.getWith(ctx, assignmentID, func(tx *sql.Tx) (domain.Assignment, error) {
		return e.Repo.FindByID(ctx, tx, assignmentID)
	})
}

// GetForOrganization hides assignments of other organizations as not found.
func (e Engine) GetForOrganization(ctx context.Context, orgID, assignmentID string) (domain.Assignment, error) {
	a, err := e.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.OrganizationID != orgID {
		return domain.Assignment{}, NewErrAssignmentNotFound(assignmentID)
	}
	return a, nil
}

// History returns the ledger of an assignment, oldest first.
func (e Engine) History(ctx context.Context, assignmentID string) ([]domain.Update, error) {
	if _, err := e.loadAssignment(ctx, assignmentID); err != nil {
		return nil, err
	}
	updates, err := ledger.List(ctx, e.DB, assignmentID)
	if err != nil {
		return nil, classify("history", err)
	}
	return updates, nil
}

// MatchWorkers returns the workers of the assignment's organization whose
// specialty equals its category, fewest ASSIGNED assignments first.
func (e Engine) MatchWorkers(ctx context.Context, assignmentID string) ([]domain.WorkerCandidate, error) {
	a, err := e.loadAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	res, err := e.Repo.WorkerCandidates(ctx, nil, a.OrganizationID, a.Category)
	if err != nil {
		return nil, classify("match workers", err)
	}
	return res, nil
}

// Summary counts assignments per status for an organization. Every status is
// present in the result.
func (e Engine) Summary(ctx context.Context, orgID string) (map[domain.Status]int, error) {
	counts, err := e.Repo.CountByStatus(ctx, nil, orgID)
	if err != nil {
		return nil, classify("summary", err)
	}
	for _, s := range domain.Statuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

func (e Engine) GetWorker(ctx context.Context, workerID string) (domain.Worker, error) {
	w, err := e.Repo.GetWorker(ctx, nil, workerID)
	if errors.Is(err, repo.ErrNotFound) {
		return w, NewErrWorkerNotFound(workerID)
	}
	return w, classify("get worker", err)
}

func (e Engine) ListWorkers(ctx context.Context, orgID, specialty string) ([]domain.Worker, error) {
	res, err := e.Repo.ListWorkers(ctx, nil, repo.WorkerFilters{OrganizationID: orgID, Specialty: specialty})
	if err != nil {
		return nil, classify("list workers", err)
	}
	return res, nil
}
