// Package openbacklogsdk is a small HTTP client for the OpenBacklog API. It
// implements the suggestion entity store interfaces, so accepted suggestions
// can be replayed against a remote server the same way the engine replays them
// locally.
package openbacklogsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"openbacklog/internal/domain"
	"openbacklog/internal/suggestion"
)

// Client is a minimal OpenBacklog HTTP API client.
type Client struct {
	BaseURL     string
	WorkspaceID string
	APIKey      string
	BearerToken string
	ActorID     string // legacy X-Actor-Id header, used when no credential is set
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

// Job is the API improvement job model.
type Job struct {
	ID           string          `json:"id"`
	WorkspaceID  string          `json:"workspace_id"`
	Status       string          `json:"status"`
	Prompt       string          `json:"prompt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
	ResolvedAt   *string         `json:"resolved_at,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedInitiatives wraps list responses with cursors.
type PaginatedInitiatives struct {
	Items      []domain.Initiative `json:"items"`
	NextCursor string              `json:"next_cursor"`
}

type PaginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateInitiative creates an initiative with its nested tasks.
func (c *Client) CreateInitiative(ctx context.Context, p suggestion.CreateInitiativePayload) (domain.Initiative, error) {
	body := map[string]any{"title": p.Title}
	if p.Description != "" {
		body["description"] = p.Description
	}
	if len(p.Tasks) > 0 {
		tasks := make([]map[string]any, 0, len(p.Tasks))
		for _, t := range p.Tasks {
			task := map[string]any{"title": t.Title}
			if t.Description != "" {
				task["description"] = t.Description
			}
			tasks = append(tasks, task)
		}
		body["tasks"] = tasks
	}
	var resp domain.Initiative
	err := c.do(ctx, http.MethodPost, c.workspacePath("initiatives"), body, &resp)
	return resp, err
}

// UpdateInitiative patches title and description.
func (c *Client) UpdateInitiative(ctx context.Context, p suggestion.UpdateInitiativePayload) (domain.Initiative, error) {
	body := map[string]any{}
	if p.Title != nil {
		body["title"] = *p.Title
	}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	var resp domain.Initiative
	endpoint := c.workspacePath("initiatives/" + url.PathEscape(p.ID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

func (c *Client) DeleteInitiative(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath("initiatives/"+url.PathEscape(id)), nil, nil)
}

func (c *Client) CreateTask(ctx context.Context, p suggestion.CreateTaskPayload) (domain.Task, error) {
	body := map[string]any{
		"initiative_id": p.InitiativeID,
		"title":         p.Title,
	}
	if p.Description != "" {
		body["description"] = p.Description
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPost, c.workspacePath("tasks"), body, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, p suggestion.UpdateTaskPayload) (domain.Task, error) {
	body := map[string]any{}
	if p.Title != nil {
		body["title"] = *p.Title
	}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	var resp domain.Task
	endpoint := c.workspacePath("tasks/" + url.PathEscape(p.ID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath("tasks/"+url.PathEscape(id)), nil, nil)
}

// SetTaskStatus moves a task through its lifecycle.
func (c *Client) SetTaskStatus(ctx context.Context, id, status string, force bool) (domain.Task, error) {
	endpoint := c.workspacePath("tasks/" + url.PathEscape(id))
	if force {
		endpoint += "?force=true"
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) GetInitiative(ctx context.Context, ref string) (domain.Initiative, error) {
	var resp domain.Initiative
	err := c.do(ctx, http.MethodGet, c.workspacePath("initiatives/"+url.PathEscape(ref)), nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, ref string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, c.workspacePath("tasks/"+url.PathEscape(ref)), nil, &resp)
	return resp, err
}

// ListInitiatives returns one page of initiatives.
func (c *Client) ListInitiatives(ctx context.Context, status string, limit int, cursor string) (PaginatedInitiatives, error) {
	endpoint := c.workspacePath("initiatives") + listQuery(status, limit, cursor)
	var resp PaginatedInitiatives
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns one page of tasks, optionally scoped to an initiative.
func (c *Client) ListTasks(ctx context.Context, initiativeID, status string, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := c.workspacePath("tasks") + listQuery(status, limit, cursor)
	if initiativeID != "" {
		endpoint = appendQuery(endpoint, "initiative_id="+url.QueryEscape(initiativeID))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateJob creates a pending improvement job from a prompt.
func (c *Client) CreateJob(ctx context.Context, prompt string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.workspacePath("jobs"), map[string]any{"prompt": prompt}, &resp)
	return resp, err
}

// ImportJob creates a completed job from an existing result payload.
func (c *Client) ImportJob(ctx context.Context, result json.RawMessage) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.workspacePath("jobs"), map[string]any{"result": result}, &resp)
	return resp, err
}

// CompleteJob stores a runner result on a pending job.
func (c *Client) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) (Job, error) {
	var resp Job
	endpoint := c.workspacePath("jobs/" + url.PathEscape(jobID) + "/complete")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"result": result}, &resp)
	return resp, err
}

// FailJob records a runner failure on a pending job.
func (c *Client) FailJob(ctx context.Context, jobID, message string) (Job, error) {
	var resp Job
	endpoint := c.workspacePath("jobs/" + url.PathEscape(jobID) + "/complete")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"error": message}, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.workspacePath("jobs/"+url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	endpoint := c.workspacePath("jobs") + listQuery(status, limit, "")
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, c.workspacePath("jobs/"+url.PathEscape(jobID)), nil, nil)
}

// MarkJobResolved satisfies the save flow's job interface.
func (c *Client) MarkJobResolved(ctx context.Context, jobID string) error {
	endpoint := c.workspacePath("jobs/" + url.PathEscape(jobID) + "/resolve")
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// JobSuggestions returns the normalized suggestions of a completed job.
func (c *Client) JobSuggestions(ctx context.Context, jobID string) ([]suggestion.Suggestion, error) {
	var resp struct {
		JobID string                  `json:"job_id"`
		Items []suggestion.Suggestion `json:"items"`
	}
	endpoint := c.workspacePath("jobs/" + url.PathEscape(jobID) + "/suggestions")
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ApplyJob accepts the listed path prefixes and rejects everything else.
func (c *Client) ApplyJob(ctx context.Context, jobID string, acceptedPaths []string) (Job, error) {
	var resp Job
	endpoint := c.workspacePath("jobs/" + url.PathEscape(jobID) + "/apply")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"accepted_paths": acceptedPaths}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.workspacePath("events") + listQuery("", limit, cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	workspace := url.PathEscape(c.WorkspaceID)
	return fmt.Sprintf("v0/workspaces/%s/%s", workspace, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func listQuery(status string, limit int, cursor string) string {
	var parts []string
	if status != "" {
		parts = append(parts, "status="+url.QueryEscape(status))
	}
	if limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", limit))
	}
	if cursor != "" {
		parts = append(parts, "cursor="+url.QueryEscape(cursor))
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

func appendQuery(endpoint, kv string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + kv
}
