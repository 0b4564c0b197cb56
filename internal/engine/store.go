package engine

import (
	"context"

	"openbacklog/internal/domain"
	"openbacklog/internal/suggestion"
)

// Store adapts the engine to the suggestion Saver's entity and job
// interfaces, binding the acting actor. A Saver wired with a Store applies
// accepted changes in-process; the SDK client is the remote equivalent.
type Store struct {
	Engine  Engine
	ActorID string
}

func (s Store) CreateInitiative(ctx context.Context, p suggestion.CreateInitiativePayload) (domain.Initiative, error) {
	opts := InitiativeCreateOptions{
		WorkspaceID: p.WorkspaceID,
		Title:       p.Title,
		Description: p.Description,
		ActorID:     s.ActorID,
	}
	for _, t := range p.Tasks {
		opts.Tasks = append(opts.Tasks, TaskSeed{Title: t.Title, Description: t.Description})
	}
	return s.Engine.CreateInitiative(ctx, opts)
}

func (s Store) UpdateInitiative(ctx context.Context, p suggestion.UpdateInitiativePayload) (domain.Initiative, error) {
	return s.Engine.UpdateInitiative(ctx, InitiativeUpdateOptions{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		ActorID:     s.ActorID,
	})
}

func (s Store) DeleteInitiative(ctx context.Context, id string) error {
	return s.Engine.DeleteInitiative(ctx, id, s.ActorID)
}

func (s Store) CreateTask(ctx context.Context, p suggestion.CreateTaskPayload) (domain.Task, error) {
	return s.Engine.CreateTask(ctx, TaskCreateOptions{
		InitiativeID: p.InitiativeID,
		Title:        p.Title,
		Description:  p.Description,
		ActorID:      s.ActorID,
	})
}

func (s Store) UpdateTask(ctx context.Context, p suggestion.UpdateTaskPayload) (domain.Task, error) {
	return s.Engine.UpdateTask(ctx, TaskUpdateOptions{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		ActorID:     s.ActorID,
	})
}

func (s Store) DeleteTask(ctx context.Context, id string) error {
	return s.Engine.DeleteTask(ctx, id, s.ActorID)
}

func (s Store) MarkJobResolved(ctx context.Context, jobID string) error {
	_, err := s.Engine.MarkJobResolved(ctx, jobID, s.ActorID)
	return err
}
