package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"openbacklog/internal/domain"
	"openbacklog/internal/events"
	"openbacklog/internal/repo"
	"openbacklog/internal/suggestion"
)

// JobCreateOptions are parameters for creating an improvement job. When
// ResultJSON is set the job is stored already completed (imported results);
// otherwise it is pending until a runner completes it.
type JobCreateOptions struct {
	ID          string
	WorkspaceID string
	Prompt      string
	ResultJSON  *string
	ActorID     string
}

func (e Engine) CreateImprovementJob(ctx context.Context, opts JobCreateOptions) (domain.ImprovementJob, error) {
	if opts.WorkspaceID == "" {
		return domain.ImprovementJob{}, errors.New("workspace is required")
	}
	if opts.Prompt == "" && opts.ResultJSON == nil {
		return domain.ImprovementJob{}, errors.New("prompt or result required")
	}
	status := "pending"
	if opts.ResultJSON != nil {
		if !json.Valid([]byte(*opts.ResultJSON)) {
			return domain.ImprovementJob{}, errors.New("result is not valid JSON")
		}
		status = "completed"
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.ImprovementJob{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	j := domain.ImprovementJob{
		ID:          id,
		WorkspaceID: opts.WorkspaceID,
		Status:      status,
		Prompt:      opts.Prompt,
		ResultJSON:  opts.ResultJSON,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ImprovementJob{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return domain.ImprovementJob{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.created", j.WorkspaceID, "job", j.ID, opts.ActorID, events.EventPayload{"status": j.Status}); err != nil {
		return domain.ImprovementJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ImprovementJob{}, err
	}
	return j, nil
}

// CompleteImprovementJob stores a runner result on a pending job.
func (e Engine) CompleteImprovementJob(ctx context.Context, jobID, resultJSON, actorID string) (domain.ImprovementJob, error) {
	if !json.Valid([]byte(resultJSON)) {
		return domain.ImprovementJob{}, errors.New("result is not valid JSON")
	}
	return e.finishJob(ctx, jobID, "completed", &resultJSON, nil, actorID)
}

// FailImprovementJob records a runner failure.
func (e Engine) FailImprovementJob(ctx context.Context, jobID, message, actorID string) (domain.ImprovementJob, error) {
	return e.finishJob(ctx, jobID, "failed", nil, &message, actorID)
}

func (e Engine) finishJob(ctx context.Context, jobID, status string, resultJSON, errMsg *string, actorID string) (domain.ImprovementJob, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status != "pending" {
		return j, fmt.Errorf("job %s is %s, not pending", jobID, j.Status)
	}
	j.Status = status
	if resultJSON != nil {
		j.ResultJSON = resultJSON
	}
	j.ErrorMessage = errMsg

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateJobTx(ctx, tx, j); err != nil {
		return j, err
	}
	evtType := "job.completed"
	if status == "failed" {
		evtType = "job.failed"
	}
	if err := e.Events.Append(ctx, tx, evtType, j.WorkspaceID, "job", j.ID, actorID, events.EventPayload{"status": j.Status}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

// MarkJobResolved flips a completed job to resolved after its accepted
// changes have all been applied.
func (e Engine) MarkJobResolved(ctx context.Context, jobID, actorID string) (domain.ImprovementJob, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status != "completed" {
		return j, fmt.Errorf("job %s is %s, not completed", jobID, j.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	j.Status = "resolved"
	j.ResolvedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return j, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateJobTx(ctx, tx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, tx, "job.resolved", j.WorkspaceID, "job", j.ID, actorID, events.EventPayload{}); err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	return j, nil
}

func (e Engine) GetImprovementJob(ctx context.Context, jobID string) (domain.ImprovementJob, error) {
	return e.Repo.GetJob(ctx, jobID)
}

func (e Engine) ListImprovementJobs(ctx context.Context, workspaceID, status string, limit int) ([]domain.ImprovementJob, error) {
	return e.Repo.ListJobs(ctx, workspaceID, status, limit)
}

func (e Engine) DeleteImprovementJob(ctx context.Context, jobID, actorID string) error {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM improvement_jobs WHERE id=?`, jobID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "job.deleted", j.WorkspaceID, "job", j.ID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// Snapshot loads the current backlog for a workspace as the read-only view
// normalization and identifier resolution run against.
func (e Engine) Snapshot(ctx context.Context, workspaceID string) (suggestion.Snapshot, error) {
	initiatives, err := e.Repo.ListInitiatives(ctx, repo.InitiativeFilters{WorkspaceID: workspaceID})
	if err != nil {
		return suggestion.Snapshot{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{WorkspaceID: workspaceID})
	if err != nil {
		return suggestion.Snapshot{}, err
	}
	return suggestion.Snapshot{Initiatives: initiatives, Tasks: tasks}, nil
}

// JobSuggestions normalizes a completed job's result against the current
// backlog.
func (e Engine) JobSuggestions(ctx context.Context, jobID string) (*suggestion.Set, suggestion.Snapshot, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, suggestion.Snapshot{}, err
	}
	if j.ResultJSON == nil {
		return nil, suggestion.Snapshot{}, fmt.Errorf("job %s has no result", jobID)
	}
	var result suggestion.JobResult
	if err := json.Unmarshal([]byte(*j.ResultJSON), &result); err != nil {
		return nil, suggestion.Snapshot{}, fmt.Errorf("parse job result: %w", err)
	}
	snap, err := e.Snapshot(ctx, j.WorkspaceID)
	if err != nil {
		return nil, suggestion.Snapshot{}, err
	}
	set, err := suggestion.Normalize(result, snap)
	if err != nil {
		return nil, suggestion.Snapshot{}, err
	}
	return set, snap, nil
}
