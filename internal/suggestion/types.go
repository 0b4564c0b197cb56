// Package suggestion normalizes AI-proposed backlog changes into a flat,
// path-addressed set of suggestions, tracks per-path accept/reject decisions,
// and replays the accepted subset against the entity API.
package suggestion

import (
	"openbacklog/internal/domain"
)

// EntityAction is the proposed operation on an entity.
type EntityAction string

const (
	ActionCreate EntityAction = "CREATE"
	ActionUpdate EntityAction = "UPDATE"
	ActionDelete EntityAction = "DELETE"
)

// Kind distinguishes whole-entity suggestions from single-field ones.
type Kind string

const (
	KindEntity Kind = "entity"
	KindField  Kind = "field"
)

// ManagedTask is one proposed task operation as produced by the model.
// Identifier is empty for CREATE until the normalizer assigns a synthetic one.
type ManagedTask struct {
	Action               EntityAction `json:"action" enum:"CREATE,UPDATE,DELETE"`
	Identifier           string       `json:"identifier,omitempty"`
	InitiativeIdentifier string       `json:"initiative_identifier,omitempty"`
	Title                *string      `json:"title,omitempty"`
	Description          *string      `json:"description,omitempty"`
}

// ManagedInitiative is one proposed initiative operation, optionally carrying
// nested task operations.
type ManagedInitiative struct {
	Action      EntityAction  `json:"action" enum:"CREATE,UPDATE,DELETE"`
	Identifier  string        `json:"identifier,omitempty"`
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Tasks       []ManagedTask `json:"tasks,omitempty"`
}

// JobResult is the raw payload of an improvement job.
type JobResult struct {
	ManagedInitiatives []ManagedInitiative `json:"managed_initiatives,omitempty"`
	ManagedTasks       []ManagedTask       `json:"managed_tasks,omitempty"`
}

// Suggestion is one normalized, path-addressed proposed change.
type Suggestion struct {
	Path             string       `json:"path"`
	Kind             Kind         `json:"kind" enum:"entity,field"`
	Action           EntityAction `json:"action" enum:"CREATE,UPDATE,DELETE"`
	EntityIdentifier string       `json:"entity_identifier"`
	FieldName        string       `json:"field_name,omitempty"`
	OriginalValue    any          `json:"original_value,omitempty"`
	SuggestedValue   any          `json:"suggested_value,omitempty"`
}

// Set is an ordered, path-keyed collection of suggestions. Iteration order is
// the order suggestions were emitted by the normalizer.
type Set struct {
	order  []string
	byPath map[string]Suggestion
}

func NewSet() *Set {
	return &Set{byPath: map[string]Suggestion{}}
}

// put inserts or replaces a suggestion, preserving its original position.
func (s *Set) put(sug Suggestion) {
	if _, ok := s.byPath[sug.Path]; !ok {
		s.order = append(s.order, sug.Path)
	}
	s.byPath[sug.Path] = sug
}

func (s *Set) Get(path string) (Suggestion, bool) {
	sug, ok := s.byPath[path]
	return sug, ok
}

func (s *Set) Len() int {
	return len(s.order)
}

// Paths returns all suggestion paths in emission order.
func (s *Set) Paths() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// All returns all suggestions in emission order.
func (s *Set) All() []Suggestion {
	out := make([]Suggestion, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.byPath[p])
	}
	return out
}

// Under returns the paths under prefix, in emission order. An empty prefix
// matches everything.
func (s *Set) Under(prefix string) []string {
	var out []string
	for _, p := range s.order {
		if UnderPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot is a read-only view of the live entity store, taken before
// normalization or save and not revalidated during either.
type Snapshot struct {
	Initiatives []domain.Initiative
	Tasks       []domain.Task
}

func (s Snapshot) InitiativeByIdentifier(identifier string) (domain.Initiative, bool) {
	for _, in := range s.Initiatives {
		if in.Identifier == identifier {
			return in, true
		}
	}
	return domain.Initiative{}, false
}

func (s Snapshot) InitiativeByID(id string) (domain.Initiative, bool) {
	for _, in := range s.Initiatives {
		if in.ID == id {
			return in, true
		}
	}
	return domain.Initiative{}, false
}

func (s Snapshot) TaskByIdentifier(identifier string) (domain.Task, bool) {
	for _, t := range s.Tasks {
		if t.Identifier == identifier {
			return t, true
		}
	}
	return domain.Task{}, false
}

func (s Snapshot) InitiativeIdentifiers() []string {
	out := make([]string, 0, len(s.Initiatives))
	for _, in := range s.Initiatives {
		out = append(out, in.Identifier)
	}
	return out
}

func (s Snapshot) TaskIdentifiers() []string {
	out := make([]string, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, t.Identifier)
	}
	return out
}
