package suggestion

import "strings"

// Resolution is the user's decision for one suggestion path. Accepted and
// Value are meaningful only while Resolved is true; the zero value means
// "not yet resolved".
type Resolution struct {
	Resolved bool `json:"resolved"`
	Accepted bool `json:"accepted"`
	Value    any  `json:"value,omitempty"`
}

// Tracker holds resolution state for one suggestion set. It is UI-session
// state: derived suggestions stay in the Set, decisions live here, and
// clearing a job discards the whole tracker.
type Tracker struct {
	set         *Set
	resolutions map[string]Resolution
}

func NewTracker(set *Set) *Tracker {
	return &Tracker{
		set:         set,
		resolutions: map[string]Resolution{},
	}
}

// Set returns the suggestion set under review.
func (t *Tracker) Set() *Set {
	return t.set
}

// Resolve marks a path accepted or rejected, recording the suggested value on
// accept and the original value on reject.
func (t *Tracker) Resolve(path string, accepted bool) {
	var value any
	if sug, ok := t.set.Get(path); ok {
		if accepted {
			value = sug.SuggestedValue
		} else {
			value = sug.OriginalValue
		}
	}
	t.ResolveWith(path, accepted, value)
}

// ResolveWith marks a path resolved with an explicit override value.
func (t *Tracker) ResolveWith(path string, accepted bool, value any) {
	t.resolutions[path] = Resolution{Resolved: true, Accepted: accepted, Value: value}
}

// Rollback reverts a path to unresolved, as if it had never been decided.
func (t *Tracker) Rollback(path string) {
	delete(t.resolutions, path)
}

// AcceptAll resolves every suggestion under prefix as accepted. An empty
// prefix covers the whole set; a prefix matching nothing is a no-op.
func (t *Tracker) AcceptAll(prefix string) {
	for _, p := range t.set.Under(prefix) {
		t.Resolve(p, true)
	}
}

// RejectAll resolves every suggestion under prefix as rejected.
func (t *Tracker) RejectAll(prefix string) {
	for _, p := range t.set.Under(prefix) {
		t.Resolve(p, false)
	}
}

// RollbackAll reverts every suggestion under prefix to unresolved.
func (t *Tracker) RollbackAll(prefix string) {
	for _, p := range t.set.Under(prefix) {
		t.Rollback(p)
	}
}

// ResolutionOf returns the resolution for a path. Unknown paths return the
// zero Resolution.
func (t *Tracker) ResolutionOf(path string) Resolution {
	return t.resolutions[path]
}

// FullyResolved reports whether every suggestion under prefix has been
// decided. A prefix matching no suggestions is vacuously resolved.
func (t *Tracker) FullyResolved(prefix string) bool {
	for _, p := range t.set.Under(prefix) {
		if !t.resolutions[p].Resolved {
			return false
		}
	}
	return true
}

// AcceptedChanges reconstructs the net accepted operations: one
// ManagedInitiative per accepted initiative suggestion, carrying only its
// accepted field overrides and the accepted nested task operations, in
// suggestion emission order.
func (t *Tracker) AcceptedChanges() []ManagedInitiative {
	var out []ManagedInitiative
	for _, sug := range t.set.All() {
		if sug.Kind != KindEntity {
			continue
		}
		if sug.Path != InitiativePath(sug.EntityIdentifier) {
			continue // task entity suggestion, handled under its parent
		}
		if !t.accepted(sug.Path) {
			continue
		}
		change := ManagedInitiative{
			Action:     sug.Action,
			Identifier: sug.EntityIdentifier,
		}
		if sug.Action != ActionDelete {
			change.Title = t.acceptedField(InitiativeFieldPath(sug.EntityIdentifier, fieldTitle))
			change.Description = t.acceptedField(InitiativeFieldPath(sug.EntityIdentifier, fieldDescription))
			change.Tasks = t.acceptedTasks(sug.EntityIdentifier)
		}
		out = append(out, change)
	}
	return out
}

func (t *Tracker) acceptedTasks(initiativeIdentifier string) []ManagedTask {
	var out []ManagedTask
	taskRoot := InitiativePath(initiativeIdentifier) + ".tasks."
	for _, sug := range t.set.All() {
		if sug.Kind != KindEntity || !strings.HasPrefix(sug.Path, taskRoot) {
			continue
		}
		if !t.accepted(sug.Path) {
			continue
		}
		proposed, ok := sug.SuggestedValue.(ManagedTask)
		if !ok {
			continue
		}
		taskIdentifier := sug.Path[len(taskRoot):]
		task := ManagedTask{
			Action:               sug.Action,
			Identifier:           taskIdentifier,
			InitiativeIdentifier: proposed.InitiativeIdentifier,
		}
		if sug.Action != ActionDelete {
			task.Title = t.acceptedField(TaskFieldPath(initiativeIdentifier, taskIdentifier, fieldTitle))
			task.Description = t.acceptedField(TaskFieldPath(initiativeIdentifier, taskIdentifier, fieldDescription))
		}
		out = append(out, task)
	}
	return out
}

func (t *Tracker) accepted(path string) bool {
	res := t.resolutions[path]
	return res.Resolved && res.Accepted
}

// acceptedField returns the resolved value of an accepted field suggestion,
// or nil when the field was rejected, unresolved, or never suggested.
func (t *Tracker) acceptedField(path string) *string {
	if !t.accepted(path) {
		return nil
	}
	if s, ok := t.resolutions[path].Value.(string); ok {
		return &s
	}
	return nil
}
