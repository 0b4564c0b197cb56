package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"openbacklog/internal/config"
	"openbacklog/internal/db"
	"openbacklog/internal/engine"
	"openbacklog/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("ws-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitWorkspace(context.Background(), "ws-1", "", "tester"); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workspaces/ws-1/initiatives", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q, want unauthorized", envelope.Error.Code)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "tester" {
		t.Fatalf("actor = %q, want tester", who.ActorID)
	}
	// tester holds the owner role from workspace init.
	found := false
	for _, p := range who.Permissions {
		if p == "suggestion.apply" {
			found = true
		}
	}
	if !found {
		t.Fatalf("owner permissions missing suggestion.apply: %v", who.Permissions)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/initiatives", map[string]any{
		"title": "Ship onboarding",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative status %d: %s", res.StatusCode, string(data))
	}
	var in InitiativeResponse
	if err := json.Unmarshal(data, &in); err != nil {
		t.Fatalf("unmarshal initiative: %v", err)
	}
	if in.Identifier != "INIT-1" {
		t.Fatalf("identifier = %q, want INIT-1", in.Identifier)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"initiative_id": "INIT-1",
		"title":         "Draft welcome email",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Identifier != "TASK-1" || task.Status != "todo" {
		t.Fatalf("task = %+v", task)
	}

	// todo -> done skips in_progress and must be rejected.
	res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+task.ID, map[string]any{
		"status": "done",
	}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid transition status %d: %s", res.StatusCode, string(data))
	}

	for _, status := range []string{"in_progress", "done"} {
		res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+task.ID, map[string]any{
			"status": status,
		}, asTester)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s status %d: %s", status, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/tasks/TASK-1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != "done" {
		t.Fatalf("status = %q, want done", task.Status)
	}
}

func TestSuggestionReviewFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/initiatives", map[string]any{
		"title":       "Improve retention",
		"description": "Old scope",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create initiative status %d: %s", res.StatusCode, string(data))
	}

	result := map[string]any{
		"managed_initiatives": []map[string]any{
			{
				"action":      "UPDATE",
				"identifier":  "INIT-1",
				"description": "Refined scope with churn analysis",
			},
			{
				"action": "CREATE",
				"title":  "Win-back campaign",
				"tasks": []map[string]any{
					{"action": "CREATE", "title": "Draft email sequence"},
				},
			},
		},
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/jobs", map[string]any{
		"result": result,
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import job status %d: %s", res.StatusCode, string(data))
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != "completed" {
		t.Fatalf("imported job status = %q, want completed", job.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/jobs/"+job.ID+"/suggestions", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggestions status %d: %s", res.StatusCode, string(data))
	}
	var list suggestionList
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal suggestions: %v", err)
	}
	paths := map[string]bool{}
	for _, s := range list.Items {
		paths[s.Path] = true
	}
	for _, want := range []string{
		"initiative.INIT-1",
		"initiative.INIT-1.description",
		"initiative.new-0",
		"initiative.new-0.tasks.new-task-0",
	} {
		if !paths[want] {
			t.Fatalf("missing suggestion path %s in %v", want, paths)
		}
	}

	// Accept only the INIT-1 update; the new initiative is rejected.
	res, data = doJSON(t, client, http.MethodPost, base+"/jobs/"+job.ID+"/apply", map[string]any{
		"accepted_paths": []string{"initiative.INIT-1"},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal applied job: %v", err)
	}
	if job.Status != "resolved" || job.ResolvedAt == nil {
		t.Fatalf("applied job = %+v, want resolved", job)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/initiatives/INIT-1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get initiative status %d: %s", res.StatusCode, string(data))
	}
	var in InitiativeResponse
	if err := json.Unmarshal(data, &in); err != nil {
		t.Fatalf("unmarshal initiative: %v", err)
	}
	if in.Description != "Refined scope with churn analysis" {
		t.Fatalf("description = %q", in.Description)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/initiatives", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list initiatives status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedInitiatives
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal initiatives: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("rejected CREATE still produced an initiative: %v", page.Items)
	}

	// A resolved job cannot be applied again.
	res, data = doJSON(t, client, http.MethodPost, base+"/jobs/"+job.ID+"/apply", map[string]any{
		"accepted_paths": []string{""},
	}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-apply status %d: %s", res.StatusCode, string(data))
	}
}

func TestPendingJobHasNoSuggestions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/workspaces/ws-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/jobs", map[string]any{
		"prompt": "split large initiatives",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != "pending" {
		t.Fatalf("job status = %q, want pending", job.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/jobs/"+job.ID+"/suggestions", nil, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("suggestions on pending job status %d: %s", res.StatusCode, string(data))
	}
}
