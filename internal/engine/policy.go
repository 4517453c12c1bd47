package engine

import (
	"fmt"

	"fixline/internal/config"
	"fixline/internal/domain"
)

// TransitionPolicy decides whether an open assignment may move from one status
// to another through UpdateStatus. The closed-state guard runs before the
// policy and is not part of it.
type TransitionPolicy func(from, to domain.Status) error

// Permissive accepts any target status. It lets callers correct a wrongly
// recorded in-flight status, and also allows jumps such as UNASSIGNED ->
// COMPLETED.
func Permissive(from, to domain.Status) error {
	return nil
}

// Strict only allows forward moves along the assignment graph.
func Strict(from, to domain.Status) error {
	switch from {
	case domain.StatusUnassigned:
		if to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusAssigned:
		switch to {
		case domain.StatusAssigned, domain.StatusCompleted, domain.StatusCancelled:
			return nil
		}
	}
	return NewErrTransitionNotAllowed(from, to)
}

// PolicyFor resolves a lifecycle.transition_policy value.
func PolicyFor(name string) (TransitionPolicy, error) {
	switch name {
	case "", config.PolicyPermissive:
		return Permissive, nil
	case config.PolicyStrict:
		return Strict, nil
	}
	return nil, fmt.Errorf("unknown transition policy %q", name)
}

func ensureOpen(a domain.Assignment) error {
	if a.Status.Closed() {
		return NewErrAssignmentClosed(a.ID, a.Status)
	}
	return nil
}
