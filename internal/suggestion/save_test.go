package suggestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"openbacklog/internal/domain"
	"openbacklog/internal/suggestion"
)

type fakeEntityAPI struct {
	calls              []string
	createdInitiatives []suggestion.CreateInitiativePayload
	updatedInitiatives []suggestion.UpdateInitiativePayload
	deletedInitiatives []string
	createdTasks       []suggestion.CreateTaskPayload
	updatedTasks       []suggestion.UpdateTaskPayload
	deletedTasks       []string
	failOn             string
}

func (f *fakeEntityAPI) fail(call string) error {
	if f.failOn == call {
		return fmt.Errorf("%s failed", call)
	}
	return nil
}

func (f *fakeEntityAPI) CreateInitiative(_ context.Context, p suggestion.CreateInitiativePayload) (domain.Initiative, error) {
	f.calls = append(f.calls, "createInitiative")
	f.createdInitiatives = append(f.createdInitiatives, p)
	return domain.Initiative{ID: "created-initiative", Title: p.Title}, f.fail("createInitiative")
}

func (f *fakeEntityAPI) UpdateInitiative(_ context.Context, p suggestion.UpdateInitiativePayload) (domain.Initiative, error) {
	f.calls = append(f.calls, "updateInitiative")
	f.updatedInitiatives = append(f.updatedInitiatives, p)
	return domain.Initiative{ID: p.ID, Identifier: p.Identifier}, f.fail("updateInitiative")
}

func (f *fakeEntityAPI) DeleteInitiative(_ context.Context, id string) error {
	f.calls = append(f.calls, "deleteInitiative")
	f.deletedInitiatives = append(f.deletedInitiatives, id)
	return f.fail("deleteInitiative")
}

func (f *fakeEntityAPI) CreateTask(_ context.Context, p suggestion.CreateTaskPayload) (domain.Task, error) {
	f.calls = append(f.calls, "createTask")
	f.createdTasks = append(f.createdTasks, p)
	return domain.Task{ID: "created-task", Title: p.Title}, f.fail("createTask")
}

func (f *fakeEntityAPI) UpdateTask(_ context.Context, p suggestion.UpdateTaskPayload) (domain.Task, error) {
	f.calls = append(f.calls, "updateTask")
	f.updatedTasks = append(f.updatedTasks, p)
	return domain.Task{ID: p.ID, Identifier: p.Identifier}, f.fail("updateTask")
}

func (f *fakeEntityAPI) DeleteTask(_ context.Context, id string) error {
	f.calls = append(f.calls, "deleteTask")
	f.deletedTasks = append(f.deletedTasks, id)
	return f.fail("deleteTask")
}

type fakeJobAPI struct {
	resolved []string
}

func (f *fakeJobAPI) MarkJobResolved(_ context.Context, jobID string) error {
	f.resolved = append(f.resolved, jobID)
	return nil
}

func newSaveEnv(t *testing.T, result suggestion.JobResult) (*suggestion.Tracker, *fakeEntityAPI, *fakeJobAPI, *suggestion.Saver) {
	t.Helper()
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	tr := suggestion.NewTracker(set)
	api := &fakeEntityAPI{}
	jobs := &fakeJobAPI{}
	saver := &suggestion.Saver{Entities: api, Jobs: jobs, WorkspaceID: "ws-1"}
	return tr, api, jobs, saver
}

func TestSaveRequiresFullResolution(t *testing.T) {
	tr, api, jobs, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("v2"),
		}},
	})
	err := saver.Save(context.Background(), tr, testSnapshot(), "job-1")
	if !errors.Is(err, suggestion.ErrNotResolved) {
		t.Fatalf("expected ErrNotResolved, got %v", err)
	}
	if len(api.calls) != 0 {
		t.Fatalf("no API calls expected, got %v", api.calls)
	}
	if len(jobs.resolved) != 0 {
		t.Fatalf("job must not be resolved")
	}
}

func TestSaveUpdateTitleOnly(t *testing.T) {
	tr, api, jobs, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("Payments v2"),
		}},
	})
	tr.AcceptAll("")
	if err := saver.Save(context.Background(), tr, testSnapshot(), "job-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(api.calls) != 1 || api.calls[0] != "updateInitiative" {
		t.Fatalf("expected exactly one updateInitiative call, got %v", api.calls)
	}
	got := api.updatedInitiatives[0]
	if got.ID != "initiative-uuid-123" || got.Identifier != "INIT-123" {
		t.Fatalf("identifier not resolved to storage id: %+v", got)
	}
	if got.Title == nil || *got.Title != "Payments v2" || got.Description != nil {
		t.Fatalf("unexpected update payload %+v", got)
	}
	if len(jobs.resolved) != 1 || jobs.resolved[0] != "job-1" {
		t.Fatalf("job should be resolved after success, got %v", jobs.resolved)
	}
}

func TestSaveDeleteTaskSkipsEmptyInitiativeUpdate(t *testing.T) {
	tr, api, _, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionDelete, Identifier: "TASK-456"},
		},
	})
	tr.AcceptAll("")
	if err := saver.Save(context.Background(), tr, testSnapshot(), ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(api.calls) != 1 || api.calls[0] != "deleteTask" {
		t.Fatalf("expected only deleteTask, got %v", api.calls)
	}
	if api.deletedTasks[0] != "task-uuid-456" {
		t.Fatalf("expected resolved storage id, got %s", api.deletedTasks[0])
	}
}

func TestSaveCreateInitiativeWithNestedTasks(t *testing.T) {
	tr, api, _, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionCreate,
			Title:  strp("New initiative"),
			Tasks: []suggestion.ManagedTask{
				{Action: suggestion.ActionCreate, Title: strp("First")},
				{Action: suggestion.ActionCreate, Title: strp("Second")},
			},
		}},
	})
	tr.AcceptAll("")
	if err := saver.Save(context.Background(), tr, testSnapshot(), ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(api.calls) != 1 || api.calls[0] != "createInitiative" {
		t.Fatalf("nested tasks must ride the create call, got %v", api.calls)
	}
	payload := api.createdInitiatives[0]
	if payload.WorkspaceID != "ws-1" || payload.Title != "New initiative" {
		t.Fatalf("unexpected create payload %+v", payload)
	}
	if len(payload.Tasks) != 2 || payload.Tasks[0].Title != "First" || payload.Tasks[1].Title != "Second" {
		t.Fatalf("unexpected nested tasks %+v", payload.Tasks)
	}
}

func TestSaveTaskMutationsFollowInitiative(t *testing.T) {
	tr, api, _, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:     suggestion.ActionUpdate,
			Identifier: "INIT-123",
			Title:      strp("Payments v2"),
			Tasks: []suggestion.ManagedTask{
				{Action: suggestion.ActionCreate, InitiativeIdentifier: "INIT-123", Title: strp("Added")},
				{Action: suggestion.ActionUpdate, Identifier: "TASK-100", Title: strp("Checkout v2")},
			},
		}},
	})
	tr.AcceptAll("")
	if err := saver.Save(context.Background(), tr, testSnapshot(), ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	want := []string{"updateInitiative", "createTask", "updateTask"}
	if len(api.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, api.calls)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Fatalf("call order: expected %v, got %v", want, api.calls)
		}
	}
	if api.createdTasks[0].InitiativeID != "initiative-uuid-123" {
		t.Fatalf("task create must carry the resolved initiative id, got %+v", api.createdTasks[0])
	}
	if api.updatedTasks[0].ID != "task-uuid-100" {
		t.Fatalf("task update must carry the resolved task id, got %+v", api.updatedTasks[0])
	}
}

func TestSaveUnknownInitiativeIdentifier(t *testing.T) {
	tr, api, jobs, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionUpdate, Identifier: "INIT-999", Title: strp("Ghost"),
		}},
	})
	tr.AcceptAll("")
	err := saver.Save(context.Background(), tr, testSnapshot(), "job-1")
	var rerr suggestion.EntityResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected EntityResolutionError, got %v", err)
	}
	if rerr.Identifier != "INIT-999" || rerr.EntityType != "initiative" {
		t.Fatalf("unexpected error detail %+v", rerr)
	}
	if len(api.calls) != 0 {
		t.Fatalf("no API calls expected, got %v", api.calls)
	}
	if len(jobs.resolved) != 0 {
		t.Fatalf("job must stay unresolved after failure")
	}
}

func TestSaveStopsAtFirstFailure(t *testing.T) {
	tr, api, jobs, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{
			{Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("first")},
			{Action: suggestion.ActionUpdate, Identifier: "INIT-789", Title: strp("second")},
		},
	})
	api.failOn = "updateInitiative"
	tr.AcceptAll("")
	err := saver.Save(context.Background(), tr, testSnapshot(), "job-1")
	if err == nil {
		t.Fatalf("expected propagated failure")
	}
	// The first mutation was submitted and is not compensated; the second
	// change is never attempted.
	if len(api.updatedInitiatives) != 1 || api.updatedInitiatives[0].Identifier != "INIT-123" {
		t.Fatalf("expected exactly the first update, got %+v", api.updatedInitiatives)
	}
	if len(jobs.resolved) != 0 {
		t.Fatalf("job must stay unresolved after failure")
	}
}

func TestSaveRejectedEverythingIsNoOp(t *testing.T) {
	tr, api, jobs, saver := newSaveEnv(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionDelete, Identifier: "INIT-123",
		}},
	})
	tr.RejectAll("")
	if err := saver.Save(context.Background(), tr, testSnapshot(), "job-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(api.calls) != 0 {
		t.Fatalf("rejected set must produce no calls, got %v", api.calls)
	}
	if len(jobs.resolved) != 1 {
		t.Fatalf("a fully rejected job is still resolved, got %v", jobs.resolved)
	}
}
