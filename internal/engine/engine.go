package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fixline/internal/config"
	"fixline/internal/domain"
	"fixline/internal/ledger"
	"fixline/internal/repo"
)

// Engine owns the assignment lifecycle: it creates assignments from accepted
// requests, routes them to workers and records every status change in the
// ledger within the same transaction as the assignment write.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Config *config.Config
	Policy TransitionPolicy
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	policy, err := PolicyFor(cfg.Lifecycle.TransitionPolicy)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Policy: policy,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) policy() TransitionPolicy {
	if e.Policy != nil {
		return e.Policy
	}
	return Permissive
}

func (e Engine) maxRetries() int {
	if e.Config == nil {
		return 0
	}
	return e.Config.Lifecycle.MaxRetries
}

func (e Engine) ledger() ledger.Writer {
	w := e.Ledger
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return &InfrastructureError{Op: op + ": begin", Err: err}
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &InfrastructureError{Op: op + ": commit", Err: err}
	}
	return nil
}

// RequestCreateOptions are the fields of an incoming work request.
type RequestCreateOptions struct {
	ID             string
	OrganizationID string
	PropertyID     string
	Description    string
	Category       string
	RequesterID    string
}

// SubmitRequest accepts a work request and creates its assignment in the same
// transaction.
func (e Engine) SubmitRequest(ctx context.Context, opts RequestCreateOptions) (domain.Assignment, error) {
	opts.Description = strings.TrimSpace(opts.Description)
	switch {
	case opts.OrganizationID == "":
		return domain.Assignment{}, newValidationError("organization_id", "required")
	case opts.PropertyID == "":
		return domain.Assignment{}, newValidationError("property_id", "required")
	case opts.Description == "":
		return domain.Assignment{}, newValidationError("description", "required")
	case !e.knownCategory(opts.Category):
		return domain.Assignment{}, newValidationError("category", "unknown work category "+opts.Category)
	}
	req := domain.WorkRequest{
		ID:             opts.ID,
		OrganizationID: opts.OrganizationID,
		PropertyID:     opts.PropertyID,
		Description:    opts.Description,
		Category:       opts.Category,
		RequesterID:    opts.RequesterID,
		CreatedAt:      e.now(),
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	var a domain.Assignment
	err := e.inTx(ctx, "submit request", func(tx *sql.Tx) error {
		if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
			return err
		}
		var err error
		a, err = e.createAssignmentTx(ctx, tx, req, opts.RequesterID)
		return err
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	e.log().Info("work request accepted",
		zap.String("request_id", req.ID),
		zap.String("assignment_id", a.ID),
		zap.String("organization_id", a.OrganizationID),
		zap.String("category", a.Category))
	return a, nil
}

func (e Engine) knownCategory(cat string) bool {
	if e.Config == nil {
		return cat != ""
	}
	return e.Config.KnownCategory(cat)
}

// CreateAssignment creates the assignment for an already accepted request.
// Organization and category are taken from the stored request.
func (e Engine) CreateAssignment(ctx context.Context, request domain.WorkRequest, actorID string) (domain.Assignment, error) {
	if request.ID == "" {
		return domain.Assignment{}, newValidationError("request_id", "required")
	}
	var a domain.Assignment
	err := e.inTx(ctx, "create assignment", func(tx *sql.Tx) error {
		stored, err := e.Repo.GetRequest(ctx, tx, request.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return NewErrRequestNotFound(request.ID)
		}
		if err != nil {
			return err
		}
		a, err = e.createAssignmentTx(ctx, tx, stored, actorID)
		return err
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	e.log().Info("assignment created",
		zap.String("assignment_id", a.ID),
		zap.String("request_id", a.RequestID))
	return a, nil
}

func (e Engine) createAssignmentTx(ctx context.Context, tx *sql.Tx, req domain.WorkRequest, actorID string) (domain.Assignment, error) {
	now := e.now()
	a := domain.Assignment{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		Category:       req.Category,
		Status:         domain.StatusUnassigned,
		RequestID:      req.ID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return a, err
	}
	u, err := e.ledger().Append(ctx, tx, a.ID, a.Status, "", actorID)
	if err != nil {
		return a, err
	}
	a.Updates = []domain.Update{u}
	return a, nil
}

// AssignOptions routes an assignment to a worker.
type AssignOptions struct {
	AssignmentID string
	WorkerID     string
	// ExpectedVersion is the assignment version the caller decided on. Zero
	// means the version read at the start of the call, in which case each
	// call reassigns whatever it finds and concurrent callers may all succeed.
	ExpectedVersion int64
	Note            string
	ActorID         string
}

// Assign links a worker and moves the assignment to ASSIGNED. Calling it on an
// ASSIGNED assignment reassigns. Assign never retries: if the assignment
// changed after the caller's snapshot it fails with ErrConflict, so of two
// assigns racing with the same ExpectedVersion exactly one succeeds. Without
// ExpectedVersion the calls apply one after another and the last one wins.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Assignment, error) {
	if opts.AssignmentID == "" {
		return domain.Assignment{}, newValidationError("assignment_id", "required")
	}
	if opts.WorkerID == "" {
		return domain.Assignment{}, newValidationError("worker_id", "required")
	}
	current, err := e.loadAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := ensureOpen(current); err != nil {
		return domain.Assignment{}, err
	}
	expected := opts.ExpectedVersion
	if expected == 0 {
		expected = current.Version
	}
	if expected != current.Version {
		return domain.Assignment{}, conflictError(current, expected)
	}
	worker, err := e.Repo.GetWorker(ctx, nil, opts.WorkerID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && worker.OrganizationID != current.OrganizationID) {
		return domain.Assignment{}, NewErrWorkerNotFound(opts.WorkerID)
	}
	if err != nil {
		return domain.Assignment{}, classify("load worker", err)
	}

	previous := current.Status
	next := current
	workerID := worker.ID
	next.WorkerID = &workerID
	next.Status = domain.StatusAssigned
	next.UpdatedAt = e.now()
	err = e.inTx(ctx, "assign", func(tx *sql.Tx) error {
		saved, err := e.Repo.Save(ctx, tx, next, expected)
		if err != nil {
			return err
		}
		if _, err := e.ledger().Append(ctx, tx, saved.ID, saved.Status, opts.Note, opts.ActorID); err != nil {
			return err
		}
		saved.Updates, err = ledger.List(ctx, tx, saved.ID)
		next = saved
		return err
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	e.log().Info("assignment assigned",
		zap.String("assignment_id", next.ID),
		zap.String("worker_id", workerID),
		zap.String("from", previous.String()),
		zap.Int64("version", next.Version))
	return next, nil
}

// StatusUpdateOptions moves an open assignment to a new status.
type StatusUpdateOptions struct {
	AssignmentID string
	Status       string
	Note         string
	ActorID      string
}

// UpdateStatus sets the status of an open assignment and appends the matching
// ledger entry. Concurrent modifications are retried up to
// lifecycle.max_retries times, re-checking the closed guard on each attempt.
func (e Engine) UpdateStatus(ctx context.Context, opts StatusUpdateOptions) (domain.Update, error) {
	return e.updateStatus(ctx, "", opts)
}

// UpdateStatusForWorker is UpdateStatus restricted to assignments linked to
// workerID. Assignments of other workers are reported as not found.
func (e Engine) UpdateStatusForWorker(ctx context.Context, workerID string, opts StatusUpdateOptions) (domain.Update, error) {
	if workerID == "" {
		return domain.Update{}, newValidationError("worker_id", "required")
	}
	return e.updateStatus(ctx, workerID, opts)
}

func (e Engine) updateStatus(ctx context.Context, workerID string, opts StatusUpdateOptions) (domain.Update, error) {
	status, err := domain.ParseStatus(opts.Status)
	if err != nil {
		return domain.Update{}, err
	}
	if opts.AssignmentID == "" {
		return domain.Update{}, newValidationError("assignment_id", "required")
	}
	for attempt := 0; ; attempt++ {
		u, err := e.updateStatusOnce(ctx, workerID, status, opts)
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= e.maxRetries() {
			return u, err
		}
		e.log().Warn("assignment modified concurrently, retrying status update",
			zap.String("assignment_id", opts.AssignmentID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
}

func (e Engine) updateStatusOnce(ctx context.Context, workerID string, status domain.Status, opts StatusUpdateOptions) (domain.Update, error) {
	current, err := e.loadAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return domain.Update{}, err
	}
	if workerID != "" && !current.AssignedTo(workerID) {
		return domain.Update{}, NewErrAssignmentNotFound(opts.AssignmentID)
	}
	if err := ensureOpen(current); err != nil {
		return domain.Update{}, err
	}
	if err := e.policy()(current.Status, status); err != nil {
		return domain.Update{}, err
	}
	next := current
	next.Status = status
	next.UpdatedAt = e.now()
	var u domain.Update
	err = e.inTx(ctx, "update status", func(tx *sql.Tx) error {
		saved, err := e.Repo.Save(ctx, tx, next, current.Version)
		if err != nil {
			return err
		}
		u, err = e.ledger().Append(ctx, tx, saved.ID, saved.Status, opts.Note, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.Update{}, err
	}
	e.log().Info("assignment status updated",
		zap.String("assignment_id", current.ID),
		zap.String("from", current.Status.String()),
		zap.String("to", status.String()),
		zap.Int("seq", u.Seq))
	return u, nil
}

func (e Engine) loadAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	a, err := e.Repo.FindByID(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return a, NewErrAssignmentNotFound(id)
	}
	if err != nil {
		return a, classify("load assignment", err)
	}
	return a, nil
}

func conflictError(current domain.Assignment, expected int64) error {
	return fmt.Errorf("assignment %s at version %d, expected %d: %w", current.ID, current.Version, expected, ErrConflict)
}

// WorkerCreateOptions registers a worker in an organization's directory.
type WorkerCreateOptions struct {
	ID             string
	OrganizationID string
	Name           string
	Specialty      string
}

func (e Engine) RegisterWorker(ctx context.Context, opts WorkerCreateOptions) (domain.Worker, error) {
	switch {
	case opts.OrganizationID == "":
		return domain.Worker{}, newValidationError("organization_id", "required")
	case strings.TrimSpace(opts.Name) == "":
		return domain.Worker{}, newValidationError("name", "required")
	case !e.knownCategory(opts.Specialty):
		return domain.Worker{}, newValidationError("specialty", "unknown work category "+opts.Specialty)
	}
	w := domain.Worker{
		ID:             opts.ID,
		OrganizationID: opts.OrganizationID,
		Name:           strings.TrimSpace(opts.Name),
		Specialty:      opts.Specialty,
		CreatedAt:      e.now(),
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if err := e.Repo.InsertWorker(ctx, nil, w); err != nil {
		return domain.Worker{}, classify("register worker", err)
	}
	e.log().Info("worker registered", zap.String("worker_id", w.ID), zap.String("specialty", w.Specialty))
	return w, nil
}
