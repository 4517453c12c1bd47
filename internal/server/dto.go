package server

import (
	"time"

	"fixline/internal/domain"
)

// Request payloads

type SubmitRequestRequest struct {
	ID          *string `json:"id,omitempty"`
	PropertyID  string  `json:"property_id"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
}

type AssignRequest struct {
	WorkerID string `json:"worker_id"`
	// Version is the assignment version the caller read. Omitted means the
	// current version, so concurrent requests without it may all succeed.
	Version int64  `json:"version,omitempty" doc:"Assignment version the caller read. Send it to make concurrent assigns fail with 409 conflict instead of reassigning; when omitted the request reassigns whatever it finds."`
	Note    string `json:"note,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" doc:"One of UNASSIGNED, ASSIGNED, COMPLETED, CANCELLED"`
	Note   string `json:"note,omitempty"`
}

type CreateWorkerRequest struct {
	ID        *string `json:"id,omitempty"`
	Name      string  `json:"name"`
	Specialty string  `json:"specialty"`
}

// Response payloads

type UpdateResponse struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Status    string    `json:"status" enum:"UNASSIGNED,ASSIGNED,COMPLETED,CANCELLED"`
	Note      string    `json:"note,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AssignmentResponse struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Category       string           `json:"category"`
	Status         string           `json:"status" enum:"UNASSIGNED,ASSIGNED,COMPLETED,CANCELLED"`
	WorkerID       *string          `json:"worker_id,omitempty"`
	RequestID      string           `json:"request_id"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Updates        []UpdateResponse `json:"updates"`
}

type WorkerResponse struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Specialty      string    `json:"specialty"`
	CreatedAt      time.Time `json:"created_at"`
}

type CandidateResponse struct {
	Worker    WorkerResponse `json:"worker"`
	OpenCount int            `json:"open_count"`
}

type assignmentList struct {
	Items []AssignmentResponse `json:"items"`
}

type updateList struct {
	Items []UpdateResponse `json:"items"`
}

type workerList struct {
	Items []WorkerResponse `json:"items"`
}

type candidateList struct {
	Items []CandidateResponse `json:"items"`
}

type SummaryResponse struct {
	OrganizationID string         `json:"organization_id"`
	Counts         map[string]int `json:"counts"`
}

type WhoAmIResponse struct {
	ActorID        string `json:"actor_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role" enum:"admin,owner,worker"`
	WorkerID       string `json:"worker_id,omitempty"`
}

// Conversion helpers

func updateResponse(u domain.Update) UpdateResponse {
	return UpdateResponse{
		ID:        u.ID,
		Seq:       u.Seq,
		Status:    u.Status.String(),
		Note:      u.Note,
		ActorID:   u.ActorID,
		CreatedAt: u.CreatedAt,
	}
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		Category:       a.Category,
		Status:         a.Status.String(),
		WorkerID:       a.WorkerID,
		RequestID:      a.RequestID,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		Updates:        mapUpdates(a.Updates),
	}
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:             w.ID,
		OrganizationID: w.OrganizationID,
		Name:           w.Name,
		Specialty:      w.Specialty,
		CreatedAt:      w.CreatedAt,
	}
}

func mapUpdates(items []domain.Update) []UpdateResponse {
	out := make([]UpdateResponse, 0, len(items))
	for _, u := range items {
		out = append(out, updateResponse(u))
	}
	return out
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, assignmentResponse(a))
	}
	return out
}

func mapWorkers(items []domain.Worker) []WorkerResponse {
	out := make([]WorkerResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workerResponse(w))
	}
	return out
}

func mapCandidates(items []domain.WorkerCandidate) []CandidateResponse {
	out := make([]CandidateResponse, 0, len(items))
	for _, c := range items {
		out = append(out, CandidateResponse{Worker: workerResponse(c.Worker), OpenCount: c.OpenCount})
	}
	return out
}

func strValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
