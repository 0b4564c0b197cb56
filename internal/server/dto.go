package server

import (
	"encoding/json"

	"openbacklog/internal/config"
	"openbacklog/internal/domain"
	"openbacklog/internal/suggestion"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateInitiativeTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type CreateInitiativeRequest struct {
	Title       string                        `json:"title"`
	Description *string                       `json:"description,omitempty"`
	Status      *string                       `json:"status,omitempty" enum:"backlog,active,archived"`
	Tasks       []CreateInitiativeTaskRequest `json:"tasks,omitempty"`
}

type UpdateInitiativeRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"backlog,active,archived"`
}

type CreateTaskRequest struct {
	InitiativeID string  `json:"initiative_id"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in_progress,done,canceled"`
}

// CreateJobRequest either imports an existing result or stores a prompt for a
// runner to pick up.
type CreateJobRequest struct {
	Prompt string          `json:"prompt,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type CompleteJobRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ApplyJobRequest accepts the listed path prefixes and rejects every other
// suggestion before replaying the accepted set.
type ApplyJobRequest struct {
	AcceptedPaths []string `json:"accepted_paths"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type WorkspaceResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type InitiativeResponse struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"backlog,active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID           string `json:"id"`
	Identifier   string `json:"identifier"`
	InitiativeID string `json:"initiative_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status" enum:"todo,in_progress,done,canceled"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type JobResponse struct {
	ID           string          `json:"id"`
	WorkspaceID  string          `json:"workspace_id"`
	Status       string          `json:"status" enum:"pending,completed,resolved,failed"`
	Prompt       string          `json:"prompt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	ResolvedAt   *string         `json:"resolved_at,omitempty" format:"date-time"`
}

type SuggestionResponse struct {
	Path             string `json:"path"`
	Kind             string `json:"kind" enum:"entity,field"`
	Action           string `json:"action" enum:"CREATE,UPDATE,DELETE"`
	EntityIdentifier string `json:"entity_identifier"`
	FieldName        string `json:"field_name,omitempty"`
	OriginalValue    any    `json:"original_value,omitempty"`
	SuggestedValue   any    `json:"suggested_value,omitempty"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WorkspaceConfigResponse struct {
	Workspace workspaceConfigSection  `json:"workspace"`
	LLM       llmConfigSection        `json:"llm"`
	Webhooks  []webhookConfigSection  `json:"webhooks"`
	RBAC      map[string]rbacRoleBody `json:"rbac_roles"`
}

type workspaceConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type llmConfigSection struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

type webhookConfigSection struct {
	URL            string   `json:"url"`
	Events         []string `json:"events,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

type rbacRoleBody struct {
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type paginatedInitiatives struct {
	Items      []InitiativeResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type suggestionList struct {
	JobID string               `json:"job_id"`
	Items []SuggestionResponse `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Mapping helpers

func workspaceResponse(w domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse{ID: w.ID, Name: w.Name, Status: w.Status, CreatedAt: w.CreatedAt}
}

func initiativeResponse(in domain.Initiative) InitiativeResponse {
	return InitiativeResponse{
		ID:          in.ID,
		Identifier:  in.Identifier,
		WorkspaceID: in.WorkspaceID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
	}
}

func mapInitiatives(items []domain.Initiative) []InitiativeResponse {
	res := make([]InitiativeResponse, 0, len(items))
	for _, in := range items {
		res = append(res, initiativeResponse(in))
	}
	return res
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Identifier:   t.Identifier,
		InitiativeID: t.InitiativeID,
		Title:        t.Title,
		Description:  t.Description,
		Status:       t.Status,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func jobResponse(j domain.ImprovementJob) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		WorkspaceID:  j.WorkspaceID,
		Status:       j.Status,
		Prompt:       j.Prompt,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		ResolvedAt:   j.ResolvedAt,
	}
	if j.ResultJSON != nil && json.Valid([]byte(*j.ResultJSON)) {
		resp.Result = json.RawMessage(*j.ResultJSON)
	}
	return resp
}

func mapJobs(items []domain.ImprovementJob) []JobResponse {
	res := make([]JobResponse, 0, len(items))
	for _, j := range items {
		res = append(res, jobResponse(j))
	}
	return res
}

func suggestionResponse(s suggestion.Suggestion) SuggestionResponse {
	return SuggestionResponse{
		Path:             s.Path,
		Kind:             string(s.Kind),
		Action:           string(s.Action),
		EntityIdentifier: s.EntityIdentifier,
		FieldName:        s.FieldName,
		OriginalValue:    s.OriginalValue,
		SuggestedValue:   s.SuggestedValue,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		WorkspaceID: e.WorkspaceID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     payload,
	}
}

// configResponse intentionally omits webhook secrets.
func configResponse(cfg *config.Config) WorkspaceConfigResponse {
	res := WorkspaceConfigResponse{
		Workspace: workspaceConfigSection{ID: cfg.Workspace.ID, Name: cfg.Workspace.Name},
		LLM: llmConfigSection{
			Provider:  cfg.LLM.Provider,
			Model:     cfg.LLM.Model,
			BaseURL:   cfg.LLM.BaseURL,
			APIKeyEnv: cfg.LLM.APIKeyEnv,
		},
		Webhooks: []webhookConfigSection{},
		RBAC:     map[string]rbacRoleBody{},
	}
	for _, hook := range cfg.Webhooks {
		res.Webhooks = append(res.Webhooks, webhookConfigSection{
			URL:            hook.URL,
			Events:         nonNilSlice(hook.Events),
			TimeoutSeconds: hook.TimeoutSeconds,
			Enabled:        hook.Enabled,
		})
	}
	for name, role := range cfg.RBAC.Roles {
		res.RBAC[name] = rbacRoleBody{
			Description: role.Description,
			Permissions: nonNilSlice(role.Permissions),
		}
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
