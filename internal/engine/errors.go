package engine

import (
	"errors"
	"fmt"

	"fixline/internal/domain"
	"fixline/internal/repo"
)

var (
	ErrNotFound              = repo.ErrNotFound
	ErrConflict              = repo.ErrConflict
	ErrOperationNotPermitted = errors.New("operation not permitted")
	ErrInvalidStatus         = domain.ErrInvalidStatus
)

type ErrResourceNotFound struct {
	error
}

func (e *ErrResourceNotFound) Unwrap() error { return e.error }

func NewErrResourceNotFound(resourceType, id string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s: %w", resourceType, id, ErrNotFound)}
}

func NewErrAssignmentNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound("assignment", id)
}

func NewErrWorkerNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound("worker", id)
}

func NewErrRequestNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound("work request", id)
}

type ErrAssignmentClosed struct {
	error
}

func (e *ErrAssignmentClosed) Unwrap() error { return e.error }

func NewErrAssignmentClosed(id string, status domain.Status) *ErrAssignmentClosed {
	return &ErrAssignmentClosed{fmt.Errorf("assignment %s is %s; a closed assignment cannot be modified: %w", id, status, ErrOperationNotPermitted)}
}

type ErrTransitionNotAllowed struct {
	error
}

func (e *ErrTransitionNotAllowed) Unwrap() error { return e.error }

func NewErrTransitionNotAllowed(from, to domain.Status) *ErrTransitionNotAllowed {
	return &ErrTransitionNotAllowed{fmt.Errorf("transition %s -> %s not allowed: %w", from, to, ErrOperationNotPermitted)}
}

// ValidationError reports a malformed input rejected before any store access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// InfrastructureError wraps a storage failure. The failed operation left no
// partial state and may be retried.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Retryable() bool { return true }

// classify returns domain errors unchanged and wraps everything else as an
// InfrastructureError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve *ValidationError
		ie *InfrastructureError
	)
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrOperationNotPermitted),
		errors.Is(err, ErrInvalidStatus),
		errors.As(err, &ve),
		errors.As(err, &ie):
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie) && ie.Retryable()
}
