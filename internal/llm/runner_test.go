package llm

import (
	"strings"
	"testing"

	"openbacklog/internal/config"
	"openbacklog/internal/domain"
	"openbacklog/internal/suggestion"
)

func TestRenderBacklogNestsTasks(t *testing.T) {
	snap := suggestion.Snapshot{
		Initiatives: []domain.Initiative{
			{ID: "uuid-1", Identifier: "INIT-1", Title: "Payments", Status: "active"},
		},
		Tasks: []domain.Task{
			{ID: "uuid-t1", Identifier: "TASK-1", InitiativeID: "uuid-1", Title: "Add retries", Status: "todo"},
			{ID: "uuid-t2", Identifier: "TASK-2", InitiativeID: "orphan", Title: "Dangling", Status: "todo"},
		},
	}
	out, err := renderBacklog(snap)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, `"INIT-1"`) || !strings.Contains(out, `"TASK-1"`) {
		t.Fatalf("backlog missing entities:\n%s", out)
	}
	if strings.Contains(out, "Dangling") {
		t.Fatalf("task with unknown parent should be skipped:\n%s", out)
	}
}

func configWithEnv(env string) config.LLMConfig {
	return config.LLMConfig{APIKeyEnv: env}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENBACKLOG_TEST_KEY", "")
	if _, err := New(configWithEnv("OPENBACKLOG_TEST_KEY")); err == nil {
		t.Fatalf("expected missing key error")
	}
	t.Setenv("OPENBACKLOG_TEST_KEY", "sk-test")
	r, err := New(configWithEnv("OPENBACKLOG_TEST_KEY"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.Model() != "gpt-4o-mini" {
		t.Fatalf("default model = %s", r.Model())
	}
}
