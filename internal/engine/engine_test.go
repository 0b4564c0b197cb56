package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"openbacklog/internal/config"
	"openbacklog/internal/db"
	"openbacklog/internal/engine"
	"openbacklog/internal/migrate"
	"openbacklog/internal/repo"
	"openbacklog/internal/suggestion"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitWorkspace(ctx, "ws-1", "Test Workspace", "tester"); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestCreateInitiativeAssignsSequence(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		WorkspaceID: "ws-1",
		Title:       "Payments",
		ActorID:     "tester",
		Tasks: []engine.TaskSeed{
			{Title: "Add retries"},
			{Title: "Add webhooks", Description: "Stripe events"},
		},
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	if first.Identifier != "INIT-1" {
		t.Fatalf("identifier = %s, want INIT-1", first.Identifier)
	}
	second, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		WorkspaceID: "ws-1", Title: "Onboarding", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Identifier != "INIT-2" {
		t.Fatalf("identifier = %s, want INIT-2", second.Identifier)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{InitiativeID: first.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("nested tasks = %d, want 2", len(tasks))
	}
	if tasks[0].Identifier != "TASK-1" || tasks[1].Identifier != "TASK-2" {
		t.Fatalf("task identifiers = %s, %s", tasks[0].Identifier, tasks[1].Identifier)
	}
	if tasks[0].Status != "todo" {
		t.Fatalf("task status = %s, want todo", tasks[0].Status)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{WorkspaceID: "ws-1", Title: "Work", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{InitiativeID: in.ID, Title: "Do work", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// valid path
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress", ActorID: "tester"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "done", ActorID: "tester"})
	if err != nil || task.Status != "done" {
		t.Fatalf("to done: %v", err)
	}
	// done is terminal without force
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "todo", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected transition error")
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "todo", ActorID: "tester", Force: true})
	if err != nil || task.Status != "todo" {
		t.Fatalf("forced to todo: %v", err)
	}
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "canceled", ActorID: "tester"})
	if err != nil || task.Status != "canceled" {
		t.Fatalf("to canceled: %v", err)
	}
}

func TestUpdateInitiativePartial(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		WorkspaceID: "ws-1", Title: "Payments", Description: "Card flows", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	title := "Payments v2"
	updated, err := env.Engine.UpdateInitiative(env.Ctx, engine.InitiativeUpdateOptions{ID: in.ID, Title: &title, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Payments v2" {
		t.Fatalf("title = %s", updated.Title)
	}
	if updated.Description != "Card flows" {
		t.Fatalf("description changed: %s", updated.Description)
	}
	empty := ""
	updated, err = env.Engine.UpdateInitiative(env.Ctx, engine.InitiativeUpdateOptions{ID: in.ID, Description: &empty, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != "" {
		t.Fatalf("description not cleared: %s", updated.Description)
	}
}

func TestDeleteInitiativeCascades(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		WorkspaceID: "ws-1", Title: "Doomed", ActorID: "tester",
		Tasks: []engine.TaskSeed{{Title: "also doomed"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{InitiativeID: in.ID})
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	if err := env.Engine.DeleteInitiative(env.Ctx, in.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetInitiative(env.Ctx, in.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("initiative still present: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, tasks[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task survived cascade: %v", err)
	}
}

func TestImprovementJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.CreateImprovementJob(env.Ctx, engine.JobCreateOptions{
		WorkspaceID: "ws-1", Prompt: "tighten the backlog", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != "pending" {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	// resolving before completion is refused
	if _, err := env.Engine.MarkJobResolved(env.Ctx, job.ID, "tester"); err == nil {
		t.Fatalf("expected resolve of pending job to fail")
	}
	job, err = env.Engine.CompleteImprovementJob(env.Ctx, job.ID, `{"managed_initiatives":[]}`, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != "completed" {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	job, err = env.Engine.MarkJobResolved(env.Ctx, job.ID, "tester")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if job.Status != "resolved" || job.ResolvedAt == nil {
		t.Fatalf("job not resolved: %+v", job)
	}
}

func TestApplyJobSuggestionsEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.CreateInitiative(env.Ctx, engine.InitiativeCreateOptions{
		WorkspaceID: "ws-1", Title: "Payments", Description: "Card flows", ActorID: "tester",
		Tasks: []engine.TaskSeed{{Title: "Add retries"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	result := `{"managed_initiatives":[
		{"action":"UPDATE","identifier":"INIT-1","title":"Payments v2"},
		{"action":"CREATE","title":"Observability","tasks":[{"action":"CREATE","title":"Dashboards"}]}
	]}`
	job, err := env.Engine.CreateImprovementJob(env.Ctx, engine.JobCreateOptions{
		WorkspaceID: "ws-1", ResultJSON: &result, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("import job: %v", err)
	}
	set, snap, err := env.Engine.JobSuggestions(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	tr := suggestion.NewTracker(set)
	tr.AcceptAll("")
	saver := &suggestion.Saver{
		Entities:    engine.Store{Engine: env.Engine, ActorID: "tester"},
		Jobs:        engine.Store{Engine: env.Engine, ActorID: "tester"},
		WorkspaceID: "ws-1",
	}
	if err := saver.Save(env.Ctx, tr, snap, job.ID); err != nil {
		t.Fatalf("save: %v", err)
	}
	updated, err := env.Engine.Repo.GetInitiative(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "Payments v2" {
		t.Fatalf("title = %s, want Payments v2", updated.Title)
	}
	created, err := env.Engine.Repo.GetInitiativeByIdentifier(env.Ctx, "ws-1", "INIT-2")
	if err != nil {
		t.Fatalf("created initiative: %v", err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{InitiativeID: created.ID})
	if len(tasks) != 1 || tasks[0].Title != "Dashboards" {
		t.Fatalf("nested task not created: %+v", tasks)
	}
	job, err = env.Engine.GetImprovementJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != "resolved" {
		t.Fatalf("job status = %s, want resolved", job.Status)
	}
}
