package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"openbacklog/internal/config"
	"openbacklog/internal/repo"
)

// ResolveWorkspaceAndConfig picks the active workspace and ensures a
// workspace + config exist in DB, seeding defaults if missing. It prefers
// overrides, then single-workspace DB. If the workspace does not exist, it is
// created on the fly.
func ResolveWorkspaceAndConfig(ctx context.Context, workspaceOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	workspaceID := workspaceOverride
	if workspaceID == "" {
		if w, err := r.SingleWorkspace(ctx); err == nil {
			workspaceID = w.ID
		} else {
			return "", nil, fmt.Errorf("workspace not specified; use --workspace-id or run obl workspace init")
		}
	}
	seedCfg := config.Default(workspaceID)

	if _, err := r.GetWorkspace(ctx, workspaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createWorkspace(ctx, r, workspaceID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertWorkspaceConfig(ctx, workspaceID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed workspace config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Workspace.ID = workspaceID
	return workspaceID, cfg, nil
}

// createWorkspace inserts a minimal workspace/rbac footprint using the seed config.
func createWorkspace(ctx context.Context, r repo.Repo, workspaceID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(workspaceID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Workspace.Name
	if name == "" {
		name = workspaceID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO workspaces(id,name,status,created_at) VALUES (?,?,?,?)`,
		workspaceID, name, "active", now); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	if err := r.UpsertWorkspaceConfigTx(ctx, tx, workspaceID, seedCfg); err != nil {
		return fmt.Errorf("insert workspace config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, workspaceID, actorID, "owner"); err != nil {
		return fmt.Errorf("assign owner role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
