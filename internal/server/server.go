package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/logging"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"assignment_closed"`
	Message string         `json:"message" example:"assignment a-1 is COMPLETED; a closed assignment cannot be modified"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"COMPLETED\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fixline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are reported as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(logging.Middleware(logger, "http"))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fixline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerRequests(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerWorkerAssignments(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve     *engine.ValidationError
		closed *engine.ErrAssignmentClosed
		trans  *engine.ErrTransitionNotAllowed
		infra  *engine.InfrastructureError
	)
	msg := err.Error()
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, map[string]any{"field": ve.Field})
	case errors.Is(err, engine.ErrInvalidStatus):
		return newAPIError(http.StatusBadRequest, "invalid_status", msg, map[string]any{"allowed": domain.StatusTags()})
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &closed):
		return newAPIError(http.StatusConflict, "assignment_closed", msg, nil)
	case errors.As(err, &trans):
		return newAPIError(http.StatusConflict, "transition_not_allowed", msg, nil)
	case errors.Is(err, engine.ErrOperationNotPermitted):
		return newAPIError(http.StatusConflict, "assignment_closed", msg, nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.As(err, &infra):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "storage unavailable", map[string]any{"retryable": infra.Retryable()})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once       sync.Once
		openAPIDoc []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			openAPIDoc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(openAPIDoc)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Fixline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:        p.ActorID,
			OrganizationID: p.OrganizationID,
			Role:           p.Role,
			WorkerID:       p.WorkerID,
		}}, nil
	})
}

type assignmentPath struct {
	ID string `path:"id"`
}

type assignmentBody struct {
	Body AssignmentResponse `json:"body"`
}

// orgAssignment loads an assignment of the caller's organization. Other
// organizations' assignments are reported as not found.
func orgAssignment(ctx context.Context, e engine.Engine, p Principal, id string) (domain.Assignment, huma.StatusError) {
	a, err := e.GetForOrganization(ctx, p.OrganizationID, id)
	if err != nil {
		return a, handleError(err)
	}
	return a, nil
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a work request and create its assignment",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestRequest `json:"body"`
	}) (*assignmentBody, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if p.Role != RoleAdmin && p.Role != RoleOwner {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "admin or owner role required", map[string]any{"role": p.Role})
		}
		a, err := e.SubmitRequest(ctx, engine.RequestCreateOptions{
			ID:             strValue(input.Body.ID),
			OrganizationID: p.OrganizationID,
			PropertyID:     input.Body.PropertyID,
			Description:    input.Body.Description,
			Category:       input.Body.Category,
			RequesterID:    p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentBody{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request-assignment",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/assignment",
		Summary:     "Assignment created for a work request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*assignmentBody, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetByRequestID(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.OrganizationID != p.OrganizationID {
			return nil, handleError(engine.NewErrResourceNotFound("assignment for request", input.RequestID))
		}
		return &assignmentBody{Body: assignmentResponse(a)}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments of the organization, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body assignmentList `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListForOrganization(ctx, p.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assignmentList `json:"body"`
		}{Body: assignmentList{Items: mapAssignments(list)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unassigned-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments/unassigned",
		Summary:     "List assignments never linked to a worker",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body assignmentList `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListUnassigned(ctx, p.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assignmentList `json:"body"`
		}{Body: assignmentList{Items: mapAssignments(list)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignment-summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Assignment counts per status",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.Summary(ctx, p.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make(map[string]int, len(counts))
		for s, n := range counts {
			out[s.String()] = n
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{OrganizationID: p.OrganizationID, Counts: out}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get assignment",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *assignmentPath) (*assignmentBody, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		a, herr := orgAssignment(ctx, e, p, input.ID)
		if herr != nil {
			return nil, herr
		}
		return &assignmentBody{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignment-updates",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/updates",
		Summary:     "Assignment ledger, oldest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body updateList `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if _, herr := orgAssignment(ctx, e, p, input.ID); herr != nil {
			return nil, herr
		}
		updates, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body updateList `json:"body"`
		}{Body: updateList{Items: mapUpdates(updates)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignment-candidates",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/candidates",
		Summary:     "Workers matching the assignment category, least loaded first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body candidateList `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if _, herr := orgAssignment(ctx, e, p, input.ID); herr != nil {
			return nil, herr
		}
		candidates, err := e.MatchWorkers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body candidateList `json:"body"`
		}{Body: candidateList{Items: mapCandidates(candidates)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/assign",
		Summary:     "Assign or reassign a worker",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*assignmentBody, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if _, herr := orgAssignment(ctx, e, p, input.ID); herr != nil {
			return nil, herr
		}
		a, err := e.Assign(ctx, engine.AssignOptions{
			AssignmentID:    input.ID,
			WorkerID:        input.Body.WorkerID,
			ExpectedVersion: input.Body.Version,
			Note:            input.Body.Note,
			ActorID:         p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentBody{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assignment-status",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/status",
		Summary:     "Set assignment status",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body UpdateResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := domain.ParseStatus(input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		if _, herr := orgAssignment(ctx, e, p, input.ID); herr != nil {
			return nil, herr
		}
		u, err := e.UpdateStatus(ctx, engine.StatusUpdateOptions{
			AssignmentID: input.ID,
			Status:       input.Body.Status,
			Note:         input.Body.Note,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResponse `json:"body"`
		}{Body: updateResponse(u)}, nil
	})
}

func registerWorkerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-my-assignments",
		Method:      http.MethodGet,
		Path:        "/me/assignments",
		Summary:     "Assignments linked to the calling worker",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body assignmentList `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.ListForWorker(ctx, p.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body assignmentList `json:"body"`
		}{Body: assignmentList{Items: mapAssignments(list)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-my-assignment",
		Method:      http.MethodGet,
		Path:        "/me/assignments/{id}",
		Summary:     "Get an assignment linked to the calling worker",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *assignmentPath) (*assignmentBody, error) {
		p, authErr := requireRole(ctx, RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetByWorkerAndID(ctx, p.WorkerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &assignmentBody{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-my-assignment-status",
		Method:      http.MethodPost,
		Path:        "/me/assignments/{id}/status",
		Summary:     "Set the status of an assignment linked to the calling worker",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body UpdateResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateStatusForWorker(ctx, p.WorkerID, engine.StatusUpdateOptions{
			AssignmentID: input.ID,
			Status:       input.Body.Status,
			Note:         input.Body.Note,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UpdateResponse `json:"body"`
		}{Body: updateResponse(u)}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkerRequest `json:"body"`
	}) (*struct {
		Body WorkerResponse `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RegisterWorker(ctx, engine.WorkerCreateOptions{
			ID:             strValue(input.Body.ID),
			OrganizationID: p.OrganizationID,
			Name:           input.Body.Name,
			Specialty:      input.Body.Specialty,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkerResponse `json:"body"`
		}{Body: workerResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers of the organization",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Specialty string `query:"specialty"`
	}) (*struct {
		Body workerList `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		workers, err := e.ListWorkers(ctx, p.OrganizationID, input.Specialty)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workerList `json:"body"`
		}{Body: workerList{Items: mapWorkers(workers)}}, nil
	})
}
