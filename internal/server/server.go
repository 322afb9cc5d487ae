package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pulseboard/internal/engine"
	"pulseboard/internal/llm"
	"pulseboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	Narrative *llm.Narrative
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// ForbiddenError is returned when a token lacks a required permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// New returns an HTTP handler exposing the Pulseboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pulseboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealthCheck(group)
	registerProjects(group, cfg.Engine)
	registerProjectHealth(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerRisks(group, cfg.Engine)
	registerAccomplishments(group, cfg.Engine)
	registerNarrative(group, cfg.Engine, cfg.Narrative)
	registerAdmin(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch {
	case errors.Is(err, llm.ErrDisabled), errors.Is(err, llm.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "llm_unavailable", err.Error(), nil)
	case errors.Is(err, llm.ErrTimeout):
		return newAPIError(http.StatusGatewayTimeout, "llm_timeout", err.Error(), nil)
	case errors.Is(err, llm.ErrInvalidOutput), errors.Is(err, llm.ErrRetryExhausted):
		return newAPIError(http.StatusBadGateway, "llm_bad_output", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// requirePermission checks the caller's token claims. API keys are
// service credentials and carry full access.
func requirePermission(ctx context.Context, perm string) error {
	principal, ok := principalFromContext(ctx)
	if !ok || principal.ActorID == "" {
		return errors.New("authentication required")
	}
	if principal.Source != "jwt" {
		return nil
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pulseboard API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealthCheck(api huma.API) {
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := requirePermission(ctx, "project.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProjectCreateOptions{
			Name:        input.Body.Name,
			Description: deref(input.Body.Description),
			Status:      deref(input.Body.Status),
			Owner:       deref(input.Body.Owner),
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ValueStatement != nil {
			opts.ValueStatement = *input.Body.ValueStatement
		}
		if input.Body.HealthCalculationType != nil {
			opts.HealthCalculationType = *input.Body.HealthCalculationType
		}
		if input.Body.ManualStatusColor != nil {
			opts.ManualStatusColor = *input.Body.ManualStatusColor
		}
		opts.BudgetAllocated = input.Body.BudgetAllocated
		opts.BudgetSpent = input.Body.BudgetSpent
		p, err := e.CreateProject(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "project.list"); err != nil {
			return nil, handleError(err)
		}
		f := repo.ProjectFilters{Status: input.Status, Limit: input.Limit}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt, f.CursorID = createdAt, id
		}
		items, err := e.Repo.ListProjects(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedProjects{Items: mapProjects(items)}
		if f.Limit > 0 && len(items) == f.Limit {
			last := items[len(items)-1]
			out.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "project.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, "project.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ID:                    input.ProjectID,
			Name:                  input.Body.Name,
			Description:           input.Body.Description,
			ValueStatement:        input.Body.ValueStatement,
			Status:                input.Body.Status,
			HealthCalculationType: input.Body.HealthCalculationType,
			ManualStatusColor:     input.Body.ManualStatusColor,
			BudgetAllocated:       input.Body.BudgetAllocated,
			BudgetSpent:           input.Body.BudgetSpent,
			Owner:                 input.Body.Owner,
			ActorID:               actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, "project.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "project.config.read"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status sheet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StatusSheetResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "project.status.read"); err != nil {
			return nil, handleError(err)
		}
		sheet, err := e.ProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusSheetResponse `json:"body"`
		}{Body: statusSheetResponse(sheet)}, nil
	})
}

func registerProjectHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-health",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/health",
		Summary:     "Project health classification",
		Description: "Classifies the project and refreshes the cached derived-date columns.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "project.health.read"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ProjectHealth(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: healthResponse(c)}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/milestones",
		Summary:       "Create milestone",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, "milestone.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MilestoneCreateOptions{
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			Date:      deref(input.Body.Date),
			Status:    deref(input.Body.Status),
			Notes:     deref(input.Body.Notes),
			Weight:    input.Body.Weight,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Completion != nil {
			opts.Completion = *input.Body.Completion
		}
		m, err := e.CreateMilestone(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/milestones",
		Summary:     "List milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []MilestoneResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "milestone.list"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMilestones(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MilestoneResponse `json:"body"`
		}{Body: mapMilestones(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-milestone",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/milestones/{milestone_id}",
		Summary:     "Update milestone",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID   string                 `path:"project_id"`
		MilestoneID string                 `path:"milestone_id"`
		Body        UpdateMilestoneRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, "milestone.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := milestoneInProject(ctx, e, input.ProjectID, input.MilestoneID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.UpdateMilestone(ctx, engine.MilestoneUpdateOptions{
			ID:         input.MilestoneID,
			Name:       input.Body.Name,
			Date:       input.Body.Date,
			Completion: input.Body.Completion,
			Weight:     input.Body.Weight,
			Status:     input.Body.Status,
			Notes:      input.Body.Notes,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-milestone",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/milestones/{milestone_id}",
		Summary:     "Delete milestone",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		MilestoneID string `path:"milestone_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, "milestone.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := milestoneInProject(ctx, e, input.ProjectID, input.MilestoneID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteMilestone(ctx, input.MilestoneID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func milestoneInProject(ctx context.Context, e engine.Engine, projectID, milestoneID string) error {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if m.ProjectID != projectID {
		return repo.ErrNotFound
	}
	return nil
}

func registerRisks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-risk",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/risks",
		Summary:       "Create risk",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateRiskRequest `json:"body"`
	}) (*struct {
		Body RiskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, "risk.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RiskCreateOptions{
			ProjectID:   input.ProjectID,
			Description: input.Body.Description,
			Impact:      deref(input.Body.Impact),
			Mitigation:  deref(input.Body.Mitigation),
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		rk, err := e.CreateRisk(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RiskResponse `json:"body"`
		}{Body: riskResponse(rk)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-risks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/risks",
		Summary:     "List risks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []RiskResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "risk.list"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRisks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RiskResponse `json:"body"`
		}{Body: mapRisks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-risk",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/risks/{risk_id}",
		Summary:     "Update risk",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		RiskID    string            `path:"risk_id"`
		Body      UpdateRiskRequest `json:"body"`
	}) (*struct {
		Body RiskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, "risk.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := riskInProject(ctx, e, input.ProjectID, input.RiskID); err != nil {
			return nil, handleError(err)
		}
		rk, err := e.UpdateRisk(ctx, engine.RiskUpdateOptions{
			ID:          input.RiskID,
			Description: input.Body.Description,
			Impact:      input.Body.Impact,
			Mitigation:  input.Body.Mitigation,
			Status:      input.Body.Status,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RiskResponse `json:"body"`
		}{Body: riskResponse(rk)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-risk",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/risks/{risk_id}",
		Summary:     "Delete risk",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RiskID    string `path:"risk_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, "risk.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := riskInProject(ctx, e, input.ProjectID, input.RiskID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRisk(ctx, input.RiskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func riskInProject(ctx context.Context, e engine.Engine, projectID, riskID string) error {
	rk, err := e.Repo.GetRisk(ctx, riskID)
	if err != nil {
		return err
	}
	if rk.ProjectID != projectID {
		return repo.ErrNotFound
	}
	return nil
}

func registerAccomplishments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-accomplishment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/accomplishments",
		Summary:       "Record accomplishment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                      `path:"project_id"`
		Body      CreateAccomplishmentRequest `json:"body"`
	}) (*struct {
		Body AccomplishmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, "accomplishment.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AddAccomplishment(ctx, input.ProjectID, input.Body.Description, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccomplishmentResponse `json:"body"`
		}{Body: accomplishmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accomplishments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/accomplishments",
		Summary:     "List accomplishments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []AccomplishmentResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "accomplishment.list"); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAccomplishments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AccomplishmentResponse `json:"body"`
		}{Body: mapAccomplishments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-accomplishment",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/accomplishments/{accomplishment_id}",
		Summary:     "Delete accomplishment",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID        string `path:"project_id"`
		AccomplishmentID string `path:"accomplishment_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, "accomplishment.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAccomplishment(ctx, input.ProjectID, input.AccomplishmentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNarrative(api huma.API, e engine.Engine, n *llm.Narrative) {
	generate := func(ctx context.Context, projectID string, fn func(sheet engine.StatusSheet) (string, error)) (string, error) {
		if n == nil || n.Client == nil {
			return "", llm.ErrDisabled
		}
		sheet, err := e.ProjectStatus(ctx, projectID)
		if err != nil {
			return "", err
		}
		return fn(sheet)
	}

	type narrativeInput struct {
		ProjectID string `path:"project_id"`
	}
	type narrativeOutput struct {
		Body NarrativeResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "generate-description",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/narrative/description",
		Summary:     "Draft project description",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway},
	}, func(ctx context.Context, input *narrativeInput) (*narrativeOutput, error) {
		if err := requirePermission(ctx, "narrative.generate"); err != nil {
			return nil, handleError(err)
		}
		text, err := generate(ctx, input.ProjectID, func(sheet engine.StatusSheet) (string, error) {
			return n.Description(ctx, sheet.Project, sheet.Milestones)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &narrativeOutput{Body: NarrativeResponse{Text: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-value-statement",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/narrative/value-statement",
		Summary:     "Draft value statement",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway},
	}, func(ctx context.Context, input *narrativeInput) (*narrativeOutput, error) {
		if err := requirePermission(ctx, "narrative.generate"); err != nil {
			return nil, handleError(err)
		}
		text, err := generate(ctx, input.ProjectID, func(sheet engine.StatusSheet) (string, error) {
			return n.ValueStatement(ctx, sheet.Project)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &narrativeOutput{Body: NarrativeResponse{Text: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-executive-summary",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/narrative/executive-summary",
		Summary:     "Draft executive summary",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway},
	}, func(ctx context.Context, input *narrativeInput) (*narrativeOutput, error) {
		if err := requirePermission(ctx, "narrative.generate"); err != nil {
			return nil, handleError(err)
		}
		text, err := generate(ctx, input.ProjectID, func(sheet engine.StatusSheet) (string, error) {
			return n.ExecutiveSummary(ctx, sheet.Project, sheet.Milestones, sheet.Risks, sheet.Accomplishments, sheet.Health)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &narrativeOutput{Body: NarrativeResponse{Text: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-milestones",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/narrative/milestone-suggestions",
		Summary:     "Suggest milestones",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway},
	}, func(ctx context.Context, input *narrativeInput) (*struct {
		Body MilestoneSuggestionsResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "narrative.generate"); err != nil {
			return nil, handleError(err)
		}
		if n == nil || n.Client == nil {
			return nil, handleError(llm.ErrDisabled)
		}
		sheet, err := e.ProjectStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		suggestions, err := n.SuggestMilestones(ctx, sheet.Project, sheet.Milestones)
		if err != nil {
			return nil, handleError(err)
		}
		out := MilestoneSuggestionsResponse{Suggestions: []MilestoneSuggestionResponse{}}
		for _, s := range suggestions {
			out.Suggestions = append(out.Suggestions, MilestoneSuggestionResponse(s))
		}
		return &struct {
			Body MilestoneSuggestionsResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recalculate-all",
		Method:      http.MethodPost,
		Path:        "/admin/recalculate",
		Summary:     "Recalculate health for all projects",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecalcResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "admin.recalculate"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecalculateAll(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecalcResponse `json:"body"`
		}{Body: RecalcResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "event.list"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = v
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, cursor, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: []EventResponse{}}
		for _, ev := range items {
			out.Items = append(out.Items, eventResponse(ev))
		}
		if len(items) == limit {
			out.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: out}, nil
	})
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
