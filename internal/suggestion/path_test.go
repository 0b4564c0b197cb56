package suggestion

import "testing"

func TestPathBuilding(t *testing.T) {
	if got := TaskFieldPath("INIT-1", "TASK-2", "title"); got != "initiative.INIT-1.tasks.TASK-2.title" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := InitiativePath("new-0"); got != "initiative.new-0" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestUnderPrefix(t *testing.T) {
	cases := []struct {
		path, prefix string
		want         bool
	}{
		{"initiative.INIT-1", "", true},
		{"initiative.INIT-1", "initiative.INIT-1", true},
		{"initiative.INIT-1.title", "initiative.INIT-1", true},
		{"initiative.INIT-1.tasks.TASK-2.title", "initiative.INIT-1.tasks.TASK-2", true},
		{"initiative.INIT-12", "initiative.INIT-1", false},
		{"initiative.INIT-1", "initiative.INIT-1.title", false},
	}
	for _, c := range cases {
		if got := UnderPrefix(c.path, c.prefix); got != c.want {
			t.Fatalf("UnderPrefix(%q, %q) = %v, want %v", c.path, c.prefix, got, c.want)
		}
	}
}
