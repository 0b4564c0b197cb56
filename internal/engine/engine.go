package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"openbacklog/internal/config"
	"openbacklog/internal/domain"
	"openbacklog/internal/engine/auth"
	"openbacklog/internal/events"
	"openbacklog/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitWorkspace initializes a new workspace with migrations already run. It
// seeds the workspace config and the RBAC roles it declares, and grants the
// creating actor the owner role.
func (e Engine) InitWorkspace(ctx context.Context, workspaceID, name, actorID string) (domain.Workspace, error) {
	if name == "" {
		name = workspaceID
	}
	if actorID == "" {
		actorID = "local-user"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	w := domain.Workspace{
		ID:        workspaceID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO workspaces(id,name,status,created_at) VALUES (?,?,?,?)`,
		w.ID, w.Name, w.Status, w.CreatedAt); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	seedCfg := e.Config
	if seedCfg == nil {
		seedCfg = config.Default(workspaceID)
	}
	if err := e.Repo.UpsertWorkspaceConfigTx(ctx, tx, workspaceID, seedCfg); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace config: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Workspace{}, fmt.Errorf("ensure actor: %w", err)
	}
	for roleID, role := range seedCfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return domain.Workspace{}, err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return domain.Workspace{}, err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return domain.Workspace{}, err
			}
		}
	}
	if err := e.Repo.AssignRole(ctx, tx, workspaceID, actorID, "owner"); err != nil {
		return domain.Workspace{}, fmt.Errorf("assign owner role: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "workspace.init", w.ID, "workspace", w.ID, actorID, events.EventPayload{"name": w.Name}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// TaskSeed is a nested task payload created together with its initiative.
type TaskSeed struct {
	Title       string
	Description string
}

// InitiativeCreateOptions are parameters for creating an initiative.
type InitiativeCreateOptions struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Status      string
	Tasks       []TaskSeed
	ActorID     string
}

// CreateInitiative assigns the next INIT-n identifier from the workspace
// sequence and creates the initiative together with any nested tasks in a
// single transaction.
func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	if opts.Title == "" {
		return domain.Initiative{}, errors.New("title is required")
	}
	if opts.WorkspaceID == "" {
		return domain.Initiative{}, errors.New("workspace is required")
	}
	if opts.Status == "" {
		opts.Status = "backlog"
	}
	if !validInitiativeStatus(opts.Status) {
		return domain.Initiative{}, fmt.Errorf("invalid initiative status %s", opts.Status)
	}
	for _, seed := range opts.Tasks {
		if seed.Title == "" {
			return domain.Initiative{}, errors.New("nested task title is required")
		}
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Initiative{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	seq, err := e.Repo.NextInitiativeSeq(ctx, tx, opts.WorkspaceID)
	if err != nil {
		return domain.Initiative{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	in := domain.Initiative{
		ID:          id,
		Identifier:  fmt.Sprintf("INIT-%d", seq),
		WorkspaceID: opts.WorkspaceID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      opts.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertInitiativeTx(ctx, tx, in); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.created", in.WorkspaceID, "initiative", in.ID, opts.ActorID, events.EventPayload{
		"identifier": in.Identifier,
		"title":      in.Title,
	}); err != nil {
		return domain.Initiative{}, err
	}
	for _, seed := range opts.Tasks {
		if _, err := e.createTaskTx(ctx, tx, in, seed, "", opts.ActorID, now); err != nil {
			return domain.Initiative{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, err
	}
	return in, nil
}

func (e Engine) createTaskTx(ctx context.Context, tx *sql.Tx, parent domain.Initiative, seed TaskSeed, id, actorID, now string) (domain.Task, error) {
	seq, err := e.Repo.NextTaskSeq(ctx, tx, parent.WorkspaceID)
	if err != nil {
		return domain.Task{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.Task{
		ID:           id,
		Identifier:   fmt.Sprintf("TASK-%d", seq),
		InitiativeID: parent.ID,
		Title:        seed.Title,
		Description:  seed.Description,
		Status:       "todo",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", parent.WorkspaceID, "task", t.ID, actorID, events.EventPayload{
		"identifier": t.Identifier,
		"initiative": parent.Identifier,
		"title":      t.Title,
	}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// InitiativeUpdateOptions encapsulates allowed updates. Nil pointers leave
// the field untouched.
type InitiativeUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	ActorID     string
	Force       bool
}

func (e Engine) UpdateInitiative(ctx context.Context, opts InitiativeUpdateOptions) (domain.Initiative, error) {
	in, err := e.Repo.GetInitiative(ctx, opts.ID)
	if err != nil {
		return in, err
	}
	original := in
	if opts.Title != nil {
		if *opts.Title == "" {
			return in, errors.New("title cannot be empty")
		}
		in.Title = *opts.Title
	}
	if opts.Description != nil {
		in.Description = *opts.Description
	}
	if opts.Status != "" && opts.Status != in.Status {
		if !validInitiativeStatus(opts.Status) {
			return in, fmt.Errorf("invalid initiative status %s", opts.Status)
		}
		if err := ensureInitiativeTransition(in.Status, opts.Status, opts.Force); err != nil {
			return in, err
		}
		in.Status = opts.Status
	}
	in.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateInitiativeTx(ctx, tx, in); err != nil {
		return in, err
	}
	if err := e.Events.Append(ctx, tx, "initiative.updated", in.WorkspaceID, "initiative", in.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   in.Status,
	}); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	return in, nil
}

// DeleteInitiative removes the initiative; its tasks cascade.
func (e Engine) DeleteInitiative(ctx context.Context, id, actorID string) error {
	in, err := e.Repo.GetInitiative(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteInitiativeTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "initiative.deleted", in.WorkspaceID, "initiative", in.ID, actorID, events.EventPayload{
		"identifier": in.Identifier,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task under an existing
// initiative.
type TaskCreateOptions struct {
	ID           string
	InitiativeID string
	Title        string
	Description  string
	ActorID      string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.InitiativeID == "" {
		return domain.Task{}, errors.New("initiative is required")
	}
	parent, err := e.Repo.GetInitiative(ctx, opts.InitiativeID)
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	t, err := e.createTaskTx(ctx, tx, parent, TaskSeed{Title: opts.Title, Description: opts.Description}, opts.ID, opts.ActorID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions encapsulates allowed updates. Nil pointers leave the
// field untouched.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	ActorID     string
	Force       bool
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	parent, err := e.Repo.GetInitiative(ctx, t.InitiativeID)
	if err != nil {
		return t, err
	}
	original := t
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, errors.New("title cannot be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Status != "" && opts.Status != t.Status {
		if !validTaskStatus(opts.Status) {
			return t, fmt.Errorf("invalid task status %s", opts.Status)
		}
		if err := ensureTaskTransition(t.Status, opts.Status, opts.Force); err != nil {
			return t, err
		}
		t.Status = opts.Status
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", parent.WorkspaceID, "task", t.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	parent, err := e.Repo.GetInitiative(ctx, t.InitiativeID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteTaskTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", parent.WorkspaceID, "task", t.ID, actorID, events.EventPayload{
		"identifier": t.Identifier,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func validInitiativeStatus(s string) bool {
	switch s {
	case "backlog", "active", "archived":
		return true
	}
	return false
}

func validTaskStatus(s string) bool {
	switch s {
	case "todo", "in_progress", "done", "canceled":
		return true
	}
	return false
}

func ensureInitiativeTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "backlog":
		if newStatus == "active" || newStatus == "archived" {
			return nil
		}
	case "active":
		if newStatus == "archived" || newStatus == "backlog" {
			return nil
		}
	}
	return fmt.Errorf("invalid initiative status transition %s -> %s", oldStatus, newStatus)
}

func ensureTaskTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "todo":
		if newStatus == "in_progress" || newStatus == "canceled" {
			return nil
		}
	case "in_progress":
		if newStatus == "done" || newStatus == "canceled" || newStatus == "todo" {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}
