package fixlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fixline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Update is one ledger entry.
type Update struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment represents the API assignment model.
type Assignment struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Category       string    `json:"category"`
	Status         string    `json:"status"`
	WorkerID       *string   `json:"worker_id,omitempty"`
	RequestID      string    `json:"request_id"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Updates        []Update  `json:"updates"`
}

type Worker struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Specialty      string `json:"specialty"`
}

type Candidate struct {
	Worker    Worker `json:"worker"`
	OpenCount int    `json:"open_count"`
}

// Summary counts an organization's assignments per status.
type Summary struct {
	OrganizationID string         `json:"organization_id"`
	Counts         map[string]int `json:"counts"`
}

// Principal is the identity the server resolved from the bearer token.
type Principal struct {
	ActorID        string `json:"actor_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
	WorkerID       string `json:"worker_id,omitempty"`
}

// WorkRequest is the payload of SubmitRequest.
type WorkRequest struct {
	ID          string `json:"id,omitempty"`
	PropertyID  string `json:"property_id"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// APIError wraps non-2xx responses. Code is the error code of the response
// envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsClosed reports whether err rejected a mutation of a COMPLETED or
// CANCELLED assignment.
func IsClosed(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "assignment_closed"
}

// IsConflict reports whether err is an optimistic concurrency conflict. The
// caller should re-read the assignment before retrying.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "conflict"
}

func (c *Client) SubmitRequest(ctx context.Context, req WorkRequest) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "requests", req, &resp)
	return resp, err
}

func (c *Client) AssignmentForRequest(ctx context.Context, requestID string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%s/assignment", url.PathEscape(requestID)), nil, &resp)
	return resp, err
}

// Assignments lists the organization's assignments, newest first.
func (c *Client) Assignments(ctx context.Context, unassignedOnly bool) ([]Assignment, error) {
	endpoint := "assignments"
	if unassignedOnly {
		endpoint = "assignments/unassigned"
	}
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Assignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, "assignments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Assign links workerID. A non-zero version makes the call fail with a
// conflict when the assignment changed since it was read. With version 0
// concurrent calls all reassign and the last one wins.
func (c *Client) Assign(ctx context.Context, id, workerID string, version int64, note string) (Assignment, error) {
	body := map[string]any{"worker_id": workerID}
	if version > 0 {
		body["version"] = version
	}
	if note != "" {
		body["note"] = note
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("assignments/%s/assign", url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) UpdateStatus(ctx context.Context, id, status, note string) (Update, error) {
	return c.updateStatus(ctx, fmt.Sprintf("assignments/%s/status", url.PathEscape(id)), status, note)
}

// UpdateMyStatus is UpdateStatus for a worker token.
func (c *Client) UpdateMyStatus(ctx context.Context, id, status, note string) (Update, error) {
	return c.updateStatus(ctx, fmt.Sprintf("me/assignments/%s/status", url.PathEscape(id)), status, note)
}

func (c *Client) updateStatus(ctx context.Context, endpoint, status, note string) (Update, error) {
	body := map[string]any{"status": status}
	if note != "" {
		body["note"] = note
	}
	var resp Update
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]Update, error) {
	var resp struct {
		Items []Update `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("assignments/%s/updates", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

func (c *Client) Candidates(ctx context.Context, id string) ([]Candidate, error) {
	var resp struct {
		Items []Candidate `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("assignments/%s/candidates", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// MyAssignments lists the assignments of the calling worker.
func (c *Client) MyAssignments(ctx context.Context) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "me/assignments", nil, &resp)
	return resp.Items, err
}

// MyAssignment returns one assignment linked to the calling worker.
func (c *Client) MyAssignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, "me/assignments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "summary", nil, &resp)
	return resp, err
}

func (c *Client) WhoAmI(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Workers lists the organization's workers, optionally only one specialty.
func (c *Client) Workers(ctx context.Context, specialty string) ([]Worker, error) {
	endpoint := "workers"
	if specialty != "" {
		endpoint += "?specialty=" + url.QueryEscape(specialty)
	}
	var resp struct {
		Items []Worker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateWorker(ctx context.Context, w Worker) (Worker, error) {
	body := map[string]any{"name": w.Name, "specialty": w.Specialty}
	if w.ID != "" {
		body["id"] = w.ID
	}
	var resp Worker
	err := c.do(ctx, http.MethodPost, "workers", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
