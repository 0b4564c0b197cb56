package suggestion

import (
	"context"
	"fmt"
	"sync/atomic"

	"openbacklog/internal/domain"
)

// CreateInitiativePayload creates an initiative together with its nested
// tasks; the entity store creates the children atomically with the parent.
type CreateInitiativePayload struct {
	WorkspaceID string              `json:"workspace_id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Tasks       []CreateTaskPayload `json:"tasks,omitempty"`
}

type CreateTaskPayload struct {
	InitiativeID string `json:"initiative_id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
}

type UpdateInitiativePayload struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateTaskPayload struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// EntityAPI is the remote entity store the accepted changes are replayed
// against. Implemented by the engine locally and by the SDK client remotely.
type EntityAPI interface {
	CreateInitiative(ctx context.Context, p CreateInitiativePayload) (domain.Initiative, error)
	UpdateInitiative(ctx context.Context, p UpdateInitiativePayload) (domain.Initiative, error)
	DeleteInitiative(ctx context.Context, id string) error
	CreateTask(ctx context.Context, p CreateTaskPayload) (domain.Task, error)
	UpdateTask(ctx context.Context, p UpdateTaskPayload) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// JobAPI marks the originating improvement job resolved once every accepted
// change has been applied.
type JobAPI interface {
	MarkJobResolved(ctx context.Context, jobID string) error
}

// Saver replays accepted changes against the entity store, strictly
// sequentially and in suggestion order. Mutations already applied are not
// rolled back when a later one fails; the error is surfaced and the job left
// untouched for inspection.
type Saver struct {
	Entities    EntityAPI
	Jobs        JobAPI
	WorkspaceID string

	saving atomic.Bool
}

// Saving reports whether a save is in flight. Callers are expected to use it
// to gate re-entrant invocation; Save itself does not enforce it.
func (s *Saver) Saving() bool {
	return s.saving.Load()
}

// Save applies the accepted changes from a fully resolved tracker. The
// snapshot is read-only for identifier resolution and is not revalidated
// against concurrent external changes.
func (s *Saver) Save(ctx context.Context, tr *Tracker, snap Snapshot, jobID string) error {
	if !tr.FullyResolved("") {
		return ErrNotResolved
	}
	s.saving.Store(true)
	defer s.saving.Store(false)

	for _, change := range tr.AcceptedChanges() {
		if err := s.applyInitiative(ctx, change, snap); err != nil {
			return err
		}
	}
	if jobID != "" && s.Jobs != nil {
		return s.Jobs.MarkJobResolved(ctx, jobID)
	}
	return nil
}

func (s *Saver) applyInitiative(ctx context.Context, change ManagedInitiative, snap Snapshot) error {
	switch change.Action {
	case ActionCreate:
		payload := CreateInitiativePayload{
			WorkspaceID: s.WorkspaceID,
			Title:       deref(change.Title),
			Description: deref(change.Description),
		}
		for _, task := range change.Tasks {
			payload.Tasks = append(payload.Tasks, CreateTaskPayload{
				Title:       deref(task.Title),
				Description: deref(task.Description),
			})
		}
		_, err := s.Entities.CreateInitiative(ctx, payload)
		return err
	case ActionUpdate:
		cur, ok := snap.InitiativeByIdentifier(change.Identifier)
		if !ok {
			return EntityResolutionError{EntityType: "initiative", Identifier: change.Identifier, Known: snap.InitiativeIdentifiers()}
		}
		// An update carrying only task operations skips the initiative call.
		if change.Title != nil || change.Description != nil {
			_, err := s.Entities.UpdateInitiative(ctx, UpdateInitiativePayload{
				ID:          cur.ID,
				Identifier:  cur.Identifier,
				Title:       change.Title,
				Description: change.Description,
			})
			if err != nil {
				return err
			}
		}
		for _, task := range change.Tasks {
			if err := s.applyTask(ctx, cur, task, snap); err != nil {
				return err
			}
		}
		return nil
	case ActionDelete:
		cur, ok := snap.InitiativeByIdentifier(change.Identifier)
		if !ok {
			return EntityResolutionError{EntityType: "initiative", Identifier: change.Identifier, Known: snap.InitiativeIdentifiers()}
		}
		return s.Entities.DeleteInitiative(ctx, cur.ID)
	default:
		return fmt.Errorf("unknown action %q for initiative %s", change.Action, change.Identifier)
	}
}

func (s *Saver) applyTask(ctx context.Context, parent domain.Initiative, task ManagedTask, snap Snapshot) error {
	switch task.Action {
	case ActionCreate:
		// The human-facing initiative reference is replaced by the resolved
		// storage id of the parent.
		_, err := s.Entities.CreateTask(ctx, CreateTaskPayload{
			InitiativeID: parent.ID,
			Title:        deref(task.Title),
			Description:  deref(task.Description),
		})
		return err
	case ActionUpdate:
		cur, ok := snap.TaskByIdentifier(task.Identifier)
		if !ok {
			return EntityResolutionError{EntityType: "task", Identifier: task.Identifier, Known: snap.TaskIdentifiers()}
		}
		_, err := s.Entities.UpdateTask(ctx, UpdateTaskPayload{
			ID:          cur.ID,
			Identifier:  cur.Identifier,
			Title:       task.Title,
			Description: task.Description,
		})
		return err
	case ActionDelete:
		cur, ok := snap.TaskByIdentifier(task.Identifier)
		if !ok {
			return EntityResolutionError{EntityType: "task", Identifier: task.Identifier, Known: snap.TaskIdentifiers()}
		}
		return s.Entities.DeleteTask(ctx, cur.ID)
	default:
		return fmt.Errorf("unknown action %q for task %s", task.Action, task.Identifier)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
