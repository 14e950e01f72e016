package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestPersistentTokenStoreIntegration runs all integration tests for
// PersistentTokenStore.
func TestPersistentTokenStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupTestDatabase(ctx, t)

	store, err := NewPersistentTokenStore(conn)
	if err != nil {
		t.Fatalf("NewPersistentTokenStore() error = %v", err)
	}

	newToken := func(actorID string, permissions ...string) *Token {
		plaintext, err := GenerateToken(actorID)
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}

		return &Token{
			ID:          uuid.New().String(),
			Token:       plaintext,
			ActorID:     actorID,
			Name:        "integration token",
			Permissions: permissions,
			CreatedAt:   time.Now().UTC(),
			Active:      true,
		}
	}

	t.Run("AddAndFind", func(t *testing.T) {
		token := newToken("actor-add", "events:write")
		plaintext := token.Token

		if err := store.Add(ctx, token); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		found, ok := store.FindByToken(ctx, plaintext)
		if !ok {
			t.Fatal("FindByToken() not found after Add()")
		}

		if found.ActorID != "actor-add" || !found.HasPermission("events:write") {
			t.Errorf("found = %+v, want actor-add with events:write", found)
		}

		// The plaintext and hash never come back.
		if found.Token == plaintext || found.Token == "" {
			t.Errorf("FindByToken() returned unmasked token %q", found.Token)
		}

		if _, ok := store.FindByToken(ctx, "fleetlog_tk_"+"0000000000000000000000000000000000000000000000000000000000000000"); ok {
			t.Error("FindByToken() matched an unknown token")
		}
	})

	t.Run("AddDuplicate", func(t *testing.T) {
		token := newToken("actor-dup")
		if err := store.Add(ctx, token); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		duplicate := *token
		duplicate.ID = uuid.New().String()

		if err := store.Add(ctx, &duplicate); !errors.Is(err, ErrTokenAlreadyExists) {
			t.Errorf("duplicate Add() error = %v, want ErrTokenAlreadyExists", err)
		}
	})

	t.Run("UpdateAndDelete", func(t *testing.T) {
		token := newToken("actor-upd", "events:write")
		plaintext := token.Token

		if err := store.Add(ctx, token); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		token.Permissions = []string{"events:write", "dlq:admin"}
		if err := store.Update(ctx, token); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		found, _ := store.FindByToken(ctx, plaintext)
		if found == nil || !found.HasPermission("dlq:admin") {
			t.Error("Update() did not persist new permissions")
		}

		if err := store.Delete(ctx, token.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		// Soft delete: the token no longer validates.
		if _, ok := store.FindByToken(ctx, plaintext); ok {
			t.Error("FindByToken() matched a deleted token")
		}

		if err := store.Delete(ctx, token.ID); !errors.Is(err, ErrTokenNotFound) {
			t.Errorf("second Delete() error = %v, want ErrTokenNotFound", err)
		}
	})

	t.Run("ListByActor", func(t *testing.T) {
		first := newToken("actor-list")
		second := newToken("actor-list")

		if err := store.Add(ctx, first); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		if err := store.Add(ctx, second); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		tokens, err := store.ListByActor(ctx, "actor-list")
		if err != nil {
			t.Fatalf("ListByActor() error = %v", err)
		}

		if len(tokens) != 2 {
			t.Errorf("ListByActor() returned %d tokens, want 2", len(tokens))
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		token := newToken("actor-audit")
		if err := store.Add(ctx, token); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		if err := store.Delete(ctx, token.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		var operations int

		err := conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM actor_token_audit_log WHERE token_id = $1`, token.ID,
		).Scan(&operations)
		if err != nil {
			t.Fatalf("audit query error = %v", err)
		}

		if operations != 2 {
			t.Errorf("audit rows = %d, want 2 (created + deleted)", operations)
		}
	})
}
