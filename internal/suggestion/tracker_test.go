package suggestion_test

import (
	"testing"

	"openbacklog/internal/suggestion"
)

func normalizeForTest(t *testing.T, result suggestion.JobResult) *suggestion.Set {
	t.Helper()
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return set
}

func TestResolveRollbackRoundTrip(t *testing.T) {
	set := normalizeForTest(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("v2"),
		}},
	})
	tr := suggestion.NewTracker(set)
	path := "initiative.INIT-123.title"

	tr.Resolve(path, true)
	res := tr.ResolutionOf(path)
	if !res.Resolved || !res.Accepted || res.Value != "v2" {
		t.Fatalf("unexpected resolution %+v", res)
	}

	tr.Rollback(path)
	if got := tr.ResolutionOf(path); got != (suggestion.Resolution{}) {
		t.Fatalf("rollback must restore the zero state, got %+v", got)
	}
}

func TestResolveRejectRecordsOriginal(t *testing.T) {
	set := normalizeForTest(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("v2"),
		}},
	})
	tr := suggestion.NewTracker(set)
	tr.Resolve("initiative.INIT-123.title", false)
	res := tr.ResolutionOf("initiative.INIT-123.title")
	if !res.Resolved || res.Accepted || res.Value != "Payments" {
		t.Fatalf("expected original value on reject, got %+v", res)
	}
}

func TestResolutionOfUnknownPath(t *testing.T) {
	tr := suggestion.NewTracker(suggestion.NewSet())
	if got := tr.ResolutionOf("initiative.NOPE"); got != (suggestion.Resolution{}) {
		t.Fatalf("unknown paths must report the zero resolution, got %+v", got)
	}
}

func TestFullyResolvedVacuous(t *testing.T) {
	tr := suggestion.NewTracker(suggestion.NewSet())
	if !tr.FullyResolved("") {
		t.Fatalf("empty set must be fully resolved")
	}
	set := normalizeForTest(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("v2"),
		}},
	})
	tr = suggestion.NewTracker(set)
	if !tr.FullyResolved("initiative.INIT-404") {
		t.Fatalf("prefix matching nothing must be vacuously resolved")
	}
	// Bulk operations over an empty prefix match must not panic or resolve anything.
	tr.AcceptAll("initiative.INIT-404")
	tr.RollbackAll("initiative.INIT-404")
	if tr.FullyResolved("") {
		t.Fatalf("set with pending suggestions must not be fully resolved")
	}
}

func TestBulkPrefixSegmentBoundary(t *testing.T) {
	result := suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{
			{Action: suggestion.ActionUpdate, Identifier: "INIT-123", Title: strp("a")},
			{Action: suggestion.ActionUpdate, Identifier: "INIT-123-B", Title: strp("b")},
		},
	}
	snap := testSnapshot()
	normalized, err := suggestion.Normalize(result, snap)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	tr := suggestion.NewTracker(normalized)
	tr.AcceptAll("initiative.INIT-123")
	if !tr.FullyResolved("initiative.INIT-123") {
		t.Fatalf("prefix subtree should be resolved")
	}
	if tr.ResolutionOf("initiative.INIT-123-B").Resolved {
		t.Fatalf("sibling with shared string prefix must not be touched")
	}
}

func TestAcceptAllThenRollbackAll(t *testing.T) {
	set := normalizeForTest(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:     suggestion.ActionUpdate,
			Identifier: "INIT-123",
			Title:      strp("v2"),
			Tasks: []suggestion.ManagedTask{
				{Action: suggestion.ActionUpdate, Identifier: "TASK-100", Title: strp("t2")},
			},
		}},
	})
	tr := suggestion.NewTracker(set)
	tr.AcceptAll("")
	if !tr.FullyResolved("") {
		t.Fatalf("accept all must resolve everything")
	}
	tr.RollbackAll("initiative.INIT-123.tasks.TASK-100")
	if tr.FullyResolved("") {
		t.Fatalf("task subtree should be pending after rollback")
	}
	if !tr.FullyResolved("initiative.INIT-123.title") {
		t.Fatalf("field outside the rolled back subtree must stay resolved")
	}
}

func TestAcceptedChangesFieldSubset(t *testing.T) {
	set := normalizeForTest(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:      suggestion.ActionUpdate,
			Identifier:  "INIT-123",
			Title:       strp("Payments v2"),
			Description: strp("Rework"),
		}},
	})
	tr := suggestion.NewTracker(set)
	tr.Resolve("initiative.INIT-123", true)
	tr.Resolve("initiative.INIT-123.title", true)
	tr.Resolve("initiative.INIT-123.description", false)

	changes := tr.AcceptedChanges()
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %d", len(changes))
	}
	c := changes[0]
	if c.Identifier != "INIT-123" || c.Action != suggestion.ActionUpdate {
		t.Fatalf("unexpected change %+v", c)
	}
	if c.Title == nil || *c.Title != "Payments v2" {
		t.Fatalf("expected accepted title override, got %+v", c.Title)
	}
	if c.Description != nil {
		t.Fatalf("rejected field must not appear, got %v", *c.Description)
	}
}

func TestAcceptedChangesExcludesRejectedEntities(t *testing.T) {
	set := normalizeForTest(t, suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:     suggestion.ActionUpdate,
			Identifier: "INIT-123",
			Tasks: []suggestion.ManagedTask{
				{Action: suggestion.ActionUpdate, Identifier: "TASK-100", Title: strp("keep")},
				{Action: suggestion.ActionDelete, Identifier: "TASK-456"},
			},
		}},
		ManagedTasks: nil,
	})
	// TASK-456 belongs to INIT-789 in the snapshot, but embedded tasks are
	// addressed through the improvement that carries them.
	tr := suggestion.NewTracker(set)
	tr.AcceptAll("")
	tr.Resolve("initiative.INIT-123.tasks.TASK-456", false)

	changes := tr.AcceptedChanges()
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %d", len(changes))
	}
	tasks := changes[0].Tasks
	if len(tasks) != 1 || tasks[0].Identifier != "TASK-100" {
		t.Fatalf("rejected task must be excluded, got %+v", tasks)
	}
	if tasks[0].Title == nil || *tasks[0].Title != "keep" {
		t.Fatalf("accepted task field missing, got %+v", tasks[0])
	}

	// Rejecting the parent entity drops the whole change, accepted children included.
	tr.Resolve("initiative.INIT-123", false)
	if got := tr.AcceptedChanges(); len(got) != 0 {
		t.Fatalf("rejected parent must drop the change, got %+v", got)
	}
}
