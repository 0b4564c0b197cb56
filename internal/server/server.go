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

	"openbacklog/internal/domain"
	"openbacklog/internal/engine"
	"openbacklog/internal/engine/auth"
	"openbacklog/internal/repo"
	"openbacklog/internal/suggestion"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"3 suggestions are still unresolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"path\":\"initiative.INIT-1.title\"}"`
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

// New returns an HTTP handler exposing the OpenBacklog API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	hcfg := huma.DefaultConfig("OpenBacklog API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerWorkspaces(group, cfg.Engine)
	registerInitiatives(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, suggestion.ErrNotResolved) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var ne suggestion.NormalizationError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"identifier": ne.Identifier})
	}
	var re suggestion.EntityResolutionError
	if errors.As(err, &re) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"identifier": re.Identifier})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "not pending"),
		strings.Contains(lowered, "not completed"),
		strings.Contains(lowered, "has no result"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, workspaceID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, workspaceID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func requireGlobalPermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	if e.Config == nil {
		return auth.ForbiddenError{Permission: perm}
	}
	return requirePermission(ctx, e, e.Config.Workspace.ID, perm)
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>OpenBacklog API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		w, err := e.Repo.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.Repo.ListJobs(ctx, w.ID, "pending", 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"workspace_id": w.ID,
			"status":       w.Status,
			"task_counts":  counts,
			"pending_jobs": len(pending),
		}}, nil
	})
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "workspace.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.InitWorkspace(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkspaceResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListWorkspaces(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkspaceResponse, 0, len(items))
		for _, w := range items {
			res = append(res, workspaceResponse(w))
		}
		return &struct {
			Body []WorkspaceResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		w, err := e.Repo.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceResponse `json:"body"`
		}{Body: workspaceResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace-config",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/config",
		Summary:     "Get workspace config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body WorkspaceConfigResponse `json:"body"`
	}, error) {
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "workspace.manage"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetWorkspaceConfig(ctx, workspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkspaceConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerInitiatives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/initiatives",
		Summary:       "Create initiative",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                  `path:"workspace_id"`
		Body        CreateInitiativeRequest `json:"body"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "initiative.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InitiativeCreateOptions{
			WorkspaceID: workspaceID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorID,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		for _, t := range input.Body.Tasks {
			opts.Tasks = append(opts.Tasks, engine.TaskSeed{
				Title:       t.Title,
				Description: stringOrEmpty(t.Description),
			})
		}
		in, err := e.CreateInitiative(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/initiatives",
		Summary:     "List initiatives",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedInitiatives `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListInitiatives(ctx, repo.InitiativeFilters{
			WorkspaceID:     workspaceID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedInitiatives{Items: []InitiativeResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapInitiatives(items)
		return &struct {
			Body paginatedInitiatives `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/initiatives/{id}",
		Summary:     "Get initiative by id or INIT-n identifier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		in, err := findInitiative(ctx, e, workspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-initiative",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/initiatives/{id}",
		Summary:     "Update initiative",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                  `path:"workspace_id"`
		ID          string                  `path:"id"`
		Force       bool                    `query:"force"`
		Body        UpdateInitiativeRequest `json:"body"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "initiative.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := findInitiative(ctx, e, workspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.InitiativeUpdateOptions{
			ID:          in.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
			Force:       input.Force,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		updated, err := e.UpdateInitiative(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-initiative",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/initiatives/{id}",
		Summary:     "Delete initiative and its tasks",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct{}, error) {
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "initiative.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := findInitiative(ctx, e, workspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteInitiative(ctx, in.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.InitiativeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "initiative_id is required", nil)
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "task.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		parent, err := findInitiative(ctx, e, workspaceID, input.Body.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			InitiativeID: parent.ID,
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID  string `path:"workspace_id"`
		InitiativeID string `query:"initiative_id"`
		Status       string `query:"status"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID:     workspaceID,
			InitiativeID:    input.InitiativeID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapTasks(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks/{id}",
		Summary:     "Get task by id or TASK-n identifier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		t, err := findTask(ctx, e, workspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		ID          string            `path:"id"`
		Force       bool              `query:"force"`
		Body        UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "task.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := findTask(ctx, e, workspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskUpdateOptions{
			ID:          t.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			ActorID:     actorID,
			Force:       input.Force,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		updated, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/tasks/{id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct{}, error) {
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "task.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := findTask(ctx, e, workspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTask(ctx, t.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/jobs",
		Summary:       "Create improvement job",
		Description:   "With a prompt the job is created pending for a runner to pick up; with a result it is imported directly as completed.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string           `path:"workspace_id"`
		Body        CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Prompt == "" && len(input.Body.Result) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prompt or result is required", nil)
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		if err := requirePermission(ctx, e, workspaceID, "suggestion.apply"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.JobCreateOptions{
			WorkspaceID: workspaceID,
			Prompt:      input.Body.Prompt,
			ActorID:     actorID,
		}
		if len(input.Body.Result) > 0 {
			raw := string(input.Body.Result)
			opts.ResultJSON = &raw
		}
		j, err := e.CreateImprovementJob(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/jobs",
		Summary:     "List improvement jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		items, err := e.ListImprovementJobs(ctx, workspaceID, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: mapJobs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/jobs/{id}",
		Summary:     "Get improvement job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := jobInWorkspace(ctx, e, input.WorkspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/jobs/{id}/complete",
		Summary:     "Complete or fail a pending job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string             `path:"workspace_id"`
		ID          string             `path:"id"`
		Body        CompleteJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.Result) == 0 && input.Body.Error == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "result or error is required", nil)
		}
		j, err := jobInWorkspace(ctx, e, input.WorkspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, j.WorkspaceID, "suggestion.apply"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Error != "" {
			j, err = e.FailImprovementJob(ctx, j.ID, input.Body.Error, actorID)
		} else {
			j, err = e.CompleteImprovementJob(ctx, j.ID, string(input.Body.Result), actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-job",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/jobs/{id}/resolve",
		Summary:     "Mark a completed job resolved",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		j, err := jobInWorkspace(ctx, e, input.WorkspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, j.WorkspaceID, "suggestion.apply"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err = e.MarkJobResolved(ctx, j.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-job",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}/jobs/{id}",
		Summary:     "Delete improvement job",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct{}, error) {
		j, err := jobInWorkspace(ctx, e, input.WorkspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, j.WorkspaceID, "suggestion.apply"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteImprovementJob(ctx, j.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-suggestions",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/jobs/{id}/suggestions",
		Summary:     "Normalized suggestions of a completed job",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ID          string `path:"id"`
	}) (*struct {
		Body suggestionList `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := jobInWorkspace(ctx, e, input.WorkspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		set, _, err := e.JobSuggestions(ctx, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := suggestionList{JobID: j.ID, Items: []SuggestionResponse{}}
		for _, s := range set.All() {
			resp.Items = append(resp.Items, suggestionResponse(s))
		}
		return &struct {
			Body suggestionList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-job-suggestions",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/jobs/{id}/apply",
		Summary:     "Apply accepted suggestions",
		Description: "Rejects every suggestion, then accepts the listed path prefixes and replays the accepted changes. The job is marked resolved afterwards.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string          `path:"workspace_id"`
		ID          string          `path:"id"`
		Body        ApplyJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		j, err := jobInWorkspace(ctx, e, input.WorkspaceID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, j.WorkspaceID, "suggestion.apply"); err != nil {
			return nil, handleError(err)
		}
		if j.Status != "completed" {
			return nil, newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("job %s is %s, not completed", j.ID, j.Status), nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		set, snap, err := e.JobSuggestions(ctx, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tr := suggestion.NewTracker(set)
		tr.RejectAll("")
		for _, p := range input.Body.AcceptedPaths {
			tr.AcceptAll(p)
		}
		store := engine.Store{Engine: e, ActorID: actorID}
		saver := &suggestion.Saver{Entities: store, Jobs: store, WorkspaceID: j.WorkspaceID}
		if err := saver.Save(ctx, tr, snap, j.ID); err != nil {
			return nil, handleError(err)
		}
		j, err = e.GetImprovementJob(ctx, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		workspaceID := workspaceFromPathOrHeader(ctx, input.WorkspaceID, defaultWorkspaceID(e))
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, workspaceID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		Description:   "The plaintext key is returned once and never stored.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "workspace.manage"); err != nil {
			return nil, handleError(err)
		}
		key, rec, err := e.MintAPIKey(ctx, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := APIKeyResponse{
			ID:        rec.ID,
			ActorID:   rec.ActorID,
			Name:      rec.Name,
			Key:       key,
			CreatedAt: rec.CreatedAt,
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireGlobalPermission(ctx, e, "workspace.manage"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke API key",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireGlobalPermission(ctx, e, "workspace.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(perms) == 0 && e.Config != nil {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err == nil {
				defer tx.Rollback()
				if len(roles) == 0 {
					if r, err := e.Auth.ActorRoles(ctx, tx, e.Config.Workspace.ID, principal.ActorID); err == nil {
						roles = r
					}
				}
				if p, err := e.Auth.ActorPermissions(ctx, tx, e.Config.Workspace.ID, principal.ActorID); err == nil {
					perms = p
				}
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// findInitiative resolves a path segment that is either a row id or an INIT-n
// identifier scoped to the workspace.
func findInitiative(ctx context.Context, e engine.Engine, workspaceID, ref string) (domain.Initiative, error) {
	if strings.HasPrefix(ref, "INIT-") {
		return e.Repo.GetInitiativeByIdentifier(ctx, workspaceID, ref)
	}
	in, err := e.Repo.GetInitiative(ctx, ref)
	if err != nil {
		return in, err
	}
	if !workspaceMatches(workspaceID, in.WorkspaceID) {
		return in, repo.ErrNotFound
	}
	return in, nil
}

func findTask(ctx context.Context, e engine.Engine, workspaceID, ref string) (domain.Task, error) {
	if strings.HasPrefix(ref, "TASK-") {
		return e.Repo.GetTaskByIdentifier(ctx, workspaceID, ref)
	}
	t, err := e.Repo.GetTask(ctx, ref)
	if err != nil {
		return t, err
	}
	if workspaceID != "" {
		parent, err := e.Repo.GetInitiative(ctx, t.InitiativeID)
		if err != nil {
			return t, err
		}
		if !workspaceMatches(workspaceID, parent.WorkspaceID) {
			return t, repo.ErrNotFound
		}
	}
	return t, nil
}

func jobInWorkspace(ctx context.Context, e engine.Engine, pathWorkspaceID, jobID string) (domain.ImprovementJob, error) {
	workspaceID := workspaceFromPathOrHeader(ctx, pathWorkspaceID, "")
	j, err := e.GetImprovementJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if !workspaceMatches(workspaceID, j.WorkspaceID) {
		return j, repo.ErrNotFound
	}
	return j, nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func defaultWorkspaceID(e engine.Engine) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Workspace.ID
}

func workspaceFromPathOrHeader(ctx context.Context, pathWorkspaceID, fallback string) string {
	if pathWorkspaceID != "" {
		return pathWorkspaceID
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Workspace-Id")); v != "" {
			return v
		}
	}
	return fallback
}

func workspaceMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}
