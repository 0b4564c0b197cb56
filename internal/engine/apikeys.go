package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"openbacklog/internal/domain"
	"openbacklog/internal/events"
	"openbacklog/internal/repo"
)

// MintAPIKey generates a new API key for the actor. The plaintext key is
// returned once; only its hash is stored.
func (e Engine) MintAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, fmt.Errorf("actor_id is required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "obl_" + hex.EncodeToString(buf)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: now,
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "apikey", key.ID, actorID, events.EventPayload{
		"key_actor": key.ActorID,
		"name":      key.Name,
	}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// RevokeAPIKey deletes the key; the next request using it fails auth.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "apikey.revoked", "", "apikey", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
