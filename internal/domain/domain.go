package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusUnassigned Status = "UNASSIGNED"
	StatusAssigned   Status = "ASSIGNED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every status tag accepted on the wire.
var Statuses = []Status{StatusUnassigned, StatusAssigned, StatusCompleted, StatusCancelled}

var ErrInvalidStatus = errors.New("invalid status")

// ParseStatus maps a wire tag to a Status. Tags are case sensitive.
func ParseStatus(tag string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == tag {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w %q: must be one of %s", ErrInvalidStatus, tag, strings.Join(StatusTags(), ", "))
}

func StatusTags() []string {
	tags := make([]string, 0, len(Statuses))
	for _, s := range Statuses {
		tags = append(tags, string(s))
	}
	return tags
}

// Closed reports whether no further mutation is allowed from s.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// WorkRequest is an accepted maintenance request against a property.
type WorkRequest struct {
	ID             string
	OrganizationID string
	PropertyID     string
	Description    string
	Category       string
	RequesterID    string
	CreatedAt      time.Time
}

// Assignment is one unit of routable work produced from a WorkRequest.
// Updates is owned by the assignment and ordered oldest first.
type Assignment struct {
	ID             string
	OrganizationID string
	Category       string
	Status         Status
	WorkerID       *string
	RequestID      string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Updates        []Update
}

// Unassigned reports whether no worker has ever been linked.
func (a Assignment) Unassigned() bool {
	return a.WorkerID == nil || *a.WorkerID == ""
}

// AssignedTo reports whether the assignment is linked to workerID.
func (a Assignment) AssignedTo(workerID string) bool {
	return a.WorkerID != nil && *a.WorkerID == workerID
}

// Update is an immutable ledger entry recording one status transition.
type Update struct {
	ID           string
	AssignmentID string
	Seq          int
	Status       Status
	Note         string
	ActorID      string
	CreatedAt    time.Time
}

// Worker is the minimal directory record needed to route work.
type Worker struct {
	ID             string
	OrganizationID string
	Name           string
	Specialty      string
	CreatedAt      time.Time
}

// WorkerCandidate is a matching result for an assignment.
type WorkerCandidate struct {
	Worker    Worker
	OpenCount int
}
