package suggestion_test

import (
	"errors"
	"testing"

	"openbacklog/internal/domain"
	"openbacklog/internal/suggestion"
)

func strp(s string) *string { return &s }

func testSnapshot() suggestion.Snapshot {
	return suggestion.Snapshot{
		Initiatives: []domain.Initiative{
			{ID: "initiative-uuid-123", Identifier: "INIT-123", WorkspaceID: "ws-1", Title: "Payments", Description: "Payment flows", Status: "active"},
			{ID: "initiative-uuid-789", Identifier: "INIT-789", WorkspaceID: "ws-1", Title: "Onboarding", Status: "active"},
		},
		Tasks: []domain.Task{
			{ID: "task-uuid-456", Identifier: "TASK-456", InitiativeID: "initiative-uuid-789", Title: "Old step", Status: "todo"},
			{ID: "task-uuid-100", Identifier: "TASK-100", InitiativeID: "initiative-uuid-123", Title: "Checkout", Status: "todo"},
		},
	}
}

func TestNormalizeInitiativeUpdateFields(t *testing.T) {
	result := suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:      suggestion.ActionUpdate,
			Identifier:  "INIT-123",
			Title:       strp("Payments v2"),
			Description: strp("Rework payment flows"),
		}},
	}
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []string{
		"initiative.INIT-123",
		"initiative.INIT-123.title",
		"initiative.INIT-123.description",
	}
	paths := set.Paths()
	if len(paths) != len(want) {
		t.Fatalf("expected %d suggestions, got %v", len(want), paths)
	}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("path %d: expected %s, got %s", i, p, paths[i])
		}
	}
	titleSug, _ := set.Get("initiative.INIT-123.title")
	if titleSug.OriginalValue != "Payments" {
		t.Fatalf("expected original title from snapshot, got %v", titleSug.OriginalValue)
	}
	if titleSug.SuggestedValue != "Payments v2" {
		t.Fatalf("expected suggested title, got %v", titleSug.SuggestedValue)
	}
	entitySug, _ := set.Get("initiative.INIT-123")
	if entitySug.Kind != suggestion.KindEntity || entitySug.Action != suggestion.ActionUpdate {
		t.Fatalf("unexpected entity suggestion %+v", entitySug)
	}
	if _, ok := entitySug.OriginalValue.(domain.Initiative); !ok {
		t.Fatalf("expected original entity from snapshot, got %T", entitySug.OriginalValue)
	}
}

func TestNormalizeCreateInitiativeWithTasks(t *testing.T) {
	result := suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action: suggestion.ActionCreate,
			Title:  strp("New initiative"),
			Tasks: []suggestion.ManagedTask{
				{Action: suggestion.ActionCreate, Title: strp("First task")},
				{Action: suggestion.ActionCreate, Title: strp("Second task"), Description: strp("")},
			},
		}},
	}
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, p := range []string{
		"initiative.new-0",
		"initiative.new-0.title",
		"initiative.new-0.tasks.new-task-0",
		"initiative.new-0.tasks.new-task-0.title",
		"initiative.new-0.tasks.new-task-1",
		"initiative.new-0.tasks.new-task-1.title",
		"initiative.new-0.tasks.new-task-1.description",
	} {
		if _, ok := set.Get(p); !ok {
			t.Fatalf("expected suggestion at %s, have %v", p, set.Paths())
		}
	}
	// Empty string is a present value and produces a suggestion.
	descSug, _ := set.Get("initiative.new-0.tasks.new-task-1.description")
	if descSug.SuggestedValue != "" {
		t.Fatalf("expected empty suggested description, got %v", descSug.SuggestedValue)
	}
	if descSug.OriginalValue != nil {
		t.Fatalf("expected no original value for a new task, got %v", descSug.OriginalValue)
	}
}

func TestNormalizeNilFieldOmitted(t *testing.T) {
	result := suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:     suggestion.ActionUpdate,
			Identifier: "INIT-123",
			Title:      strp("Only title"),
		}},
	}
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if _, ok := set.Get("initiative.INIT-123.description"); ok {
		t.Fatalf("absent field must not produce a suggestion")
	}
}

func TestNormalizeStandaloneTaskDelete(t *testing.T) {
	result := suggestion.JobResult{
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionDelete, Identifier: "TASK-456"},
		},
	}
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected exactly two suggestions, got %v", set.Paths())
	}
	parent, ok := set.Get("initiative.INIT-789")
	if !ok {
		t.Fatalf("expected synthesized parent suggestion, have %v", set.Paths())
	}
	if parent.Action != suggestion.ActionUpdate {
		t.Fatalf("expected parent UPDATE, got %s", parent.Action)
	}
	imp, ok := parent.SuggestedValue.(suggestion.ManagedInitiative)
	if !ok || len(imp.Tasks) != 1 || imp.Tasks[0].Action != suggestion.ActionDelete || imp.Tasks[0].Identifier != "TASK-456" {
		t.Fatalf("unexpected synthesized improvement %+v", parent.SuggestedValue)
	}
	taskSug, ok := set.Get("initiative.INIT-789.tasks.TASK-456")
	if !ok || taskSug.Action != suggestion.ActionDelete {
		t.Fatalf("expected DELETE task suggestion, got %+v", taskSug)
	}
}

func TestNormalizeStandaloneTaskMergesIntoImprovement(t *testing.T) {
	result := suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{{
			Action:     suggestion.ActionUpdate,
			Identifier: "INIT-123",
			Title:      strp("Payments v2"),
		}},
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionUpdate, Identifier: "TASK-100", Title: strp("Checkout v2")},
		},
	}
	set, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	parent, _ := set.Get("initiative.INIT-123")
	imp, ok := parent.SuggestedValue.(suggestion.ManagedInitiative)
	if !ok || len(imp.Tasks) != 1 || imp.Tasks[0].Identifier != "TASK-100" {
		t.Fatalf("expected merged task in parent improvement, got %+v", parent.SuggestedValue)
	}
	if _, ok := set.Get("initiative.INIT-123.tasks.TASK-100.title"); !ok {
		t.Fatalf("expected task field suggestion, have %v", set.Paths())
	}
}

func TestNormalizeCreateTaskMissingParentRef(t *testing.T) {
	result := suggestion.JobResult{
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionCreate, Title: strp("Orphan")},
		},
	}
	_, err := suggestion.Normalize(result, testSnapshot())
	var nerr suggestion.NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
}

func TestNormalizeCreateTaskUnknownInitiative(t *testing.T) {
	result := suggestion.JobResult{
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionCreate, InitiativeIdentifier: "INIT-999", Title: strp("Orphan")},
		},
	}
	_, err := suggestion.Normalize(result, testSnapshot())
	var nerr suggestion.NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
	if nerr.Identifier != "INIT-999" {
		t.Fatalf("error should name the identifier, got %+v", nerr)
	}
}

func TestNormalizeUpdateUnknownTask(t *testing.T) {
	result := suggestion.JobResult{
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionUpdate, Identifier: "TASK-404", Title: strp("Ghost")},
		},
	}
	_, err := suggestion.Normalize(result, testSnapshot())
	var nerr suggestion.NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
	if nerr.Identifier != "TASK-404" {
		t.Fatalf("error should name the task, got %+v", nerr)
	}
}

func TestNormalizeDeterministicPaths(t *testing.T) {
	result := suggestion.JobResult{
		ManagedInitiatives: []suggestion.ManagedInitiative{
			{Action: suggestion.ActionCreate, Title: strp("A"), Tasks: []suggestion.ManagedTask{{Action: suggestion.ActionCreate, Title: strp("a1")}}},
			{Action: suggestion.ActionCreate, Title: strp("B")},
			{Action: suggestion.ActionUpdate, Identifier: "INIT-123", Description: strp("d")},
		},
		ManagedTasks: []suggestion.ManagedTask{
			{Action: suggestion.ActionDelete, Identifier: "TASK-456"},
		},
	}
	first, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, err := suggestion.Normalize(result, testSnapshot())
	if err != nil {
		t.Fatalf("normalize again: %v", err)
	}
	a, b := first.Paths(), second.Paths()
	if len(a) != len(b) {
		t.Fatalf("path count differs: %d vs %d", len(a), len(b))
	}
	seen := map[string]bool{}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("path order differs at %d: %s vs %s", i, a[i], b[i])
		}
		if seen[a[i]] {
			t.Fatalf("duplicate path %s", a[i])
		}
		seen[a[i]] = true
	}
}
