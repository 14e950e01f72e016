package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fleetlog-io/fleetlog/internal/config"
)

const (
	tokenCreated = "created"
	tokenUpdated = "updated"
	tokenDeleted = "deleted"
)

// PersistentTokenStore implements TokenStore with a PostgreSQL backend.
//
// Tokens are stored as a bcrypt hash plus an indexed SHA-256 lookup digest:
// validation resolves the digest with one indexed query, then confirms with
// a single bcrypt comparison.
type PersistentTokenStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ TokenStore = (*PersistentTokenStore)(nil)

// NewPersistentTokenStore creates a PostgreSQL-backed actor token store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewPersistentTokenStore(conn *Connection) (*PersistentTokenStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentTokenStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// FindByToken retrieves a token by its plaintext value.
// Returns (nil, false) if the token is unknown, inactive, or fails the
// bcrypt comparison.
func (s *PersistentTokenStore) FindByToken(ctx context.Context, token string) (*Token, bool) {
	if token == "" {
		return nil, false
	}

	query := `
		SELECT id, token_hash, actor_id, name, permissions, created_at, expires_at, active
		FROM actor_tokens
		WHERE lookup_digest = $1 AND active = TRUE
	`

	var (
		found           Token
		permissionsJSON []byte
	)

	err := s.conn.QueryRowContext(ctx, query, LookupDigest(token)).Scan(
		&found.ID,
		&found.Token, // bcrypt hash, used for comparison then masked
		&found.ActorID,
		&found.Name,
		&permissionsJSON,
		&found.CreatedAt,
		&found.ExpiresAt,
		&found.Active,
	)
	if err != nil {
		return nil, false
	}

	if !CompareTokenHash(found.Token, token) {
		// Digest collision or stale row. Treat as unknown.
		return nil, false
	}

	if err := json.Unmarshal(permissionsJSON, &found.Permissions); err != nil {
		s.logger.Error("failed to parse token permissions",
			slog.String("token_id", found.ID),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	// Never return the hash to callers.
	found.Token = MaskToken(token)

	return &found, true
}

// Add stores a new actor token with bcrypt hashing and audit logging.
func (s *PersistentTokenStore) Add(ctx context.Context, token *Token) error {
	if token == nil {
		return ErrTokenNil
	}

	if _, found := s.FindByToken(ctx, token.Token); found {
		return ErrTokenAlreadyExists
	}

	tokenHash, err := HashToken(token.Token)
	if err != nil {
		return fmt.Errorf("failed to hash actor token: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(token.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO actor_tokens (id, token_hash, lookup_digest, actor_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		token.ID,
		tokenHash,
		LookupDigest(token.Token),
		token.ActorID,
		token.Name,
		permissionsJSON,
		token.CreatedAt,
		token.ExpiresAt,
		token.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert actor token: %w", err)
	}

	s.logAudit(ctx, tokenCreated, token)

	return nil
}

// Update modifies name, permissions, active status, and expiration.
// The token hash itself cannot be updated; rotate by issuing a new token.
func (s *PersistentTokenStore) Update(ctx context.Context, token *Token) error {
	if token == nil {
		return ErrTokenNil
	}

	if token.ID == "" {
		return ErrTokenNotFound
	}

	permissionsJSON, err := permissionsToJSON(token.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE actor_tokens
		SET name = $1, permissions = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(ctx, query,
		token.Name, permissionsJSON, token.Active, token.ExpiresAt, token.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update actor token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrTokenNotFound
	}

	s.logAudit(ctx, tokenUpdated, token)

	return nil
}

// Delete performs a soft delete by setting active=FALSE. Rows are never
// physically removed; the token table is part of the compliance audit trail.
func (s *PersistentTokenStore) Delete(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return ErrTokenNotFound
	}

	query := `
		UPDATE actor_tokens
		SET active = FALSE
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete actor token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrTokenNotFound
	}

	s.logAudit(ctx, tokenDeleted, &Token{ID: tokenID})

	return nil
}

// ListByActor returns all active tokens for an actor, hashes masked.
func (s *PersistentTokenStore) ListByActor(ctx context.Context, actorID string) ([]*Token, error) {
	if actorID == "" {
		return nil, ErrActorIDEmpty
	}

	query := `
		SELECT id, actor_id, name, permissions, created_at, expires_at, active
		FROM actor_tokens
		WHERE actor_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query actor tokens: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	tokens := []*Token{}

	for rows.Next() {
		var (
			token           Token
			permissionsJSON []byte
		)

		err := rows.Scan(
			&token.ID,
			&token.ActorID,
			&token.Name,
			&permissionsJSON,
			&token.CreatedAt,
			&token.ExpiresAt,
			&token.Active,
		)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &token.Permissions); err != nil {
			continue
		}

		tokens = append(tokens, &token)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tokens, nil
}

// permissionsToJSON converts a permissions slice to JSON for JSONB storage.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// logAudit writes an audit row for a token operation. Best-effort: a failed
// audit write is logged but does not fail the operation.
func (s *PersistentTokenStore) logAudit(ctx context.Context, operation string, token *Token) {
	query := `
		INSERT INTO actor_token_audit_log (token_id, operation, actor_id)
		VALUES ($1, $2, $3)
	`

	if _, err := s.conn.ExecContext(ctx, query, token.ID, operation, token.ActorID); err != nil {
		s.logger.Error("failed to write token audit log entry",
			slog.String("operation", operation),
			slog.String("token_id", token.ID),
			slog.String("error", err.Error()),
		)
	}
}
