// Package storage provides the PostgreSQL persistence layer for FleetLog.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Actor token format constants.
	tokenPrefix     = "fleetlog_tk_"
	randomBytesSize = 32
	tokenLength     = 76 // "fleetlog_tk_" + 64 hex chars
	prefixLen       = 16 // Show "fleetlog_tk_1234"
	suffixLen       = 4  // Show last 4 chars
)

var (
	// ErrTokenAlreadyExists is returned when attempting to add a token that already exists.
	ErrTokenAlreadyExists = errors.New("actor token already exists")
	// ErrTokenNotFound is returned when attempting to operate on a non-existent token.
	ErrTokenNotFound = errors.New("actor token not found")
	// ErrTokenNil is returned when a nil token is provided.
	ErrTokenNil = errors.New("actor token cannot be nil")
	// ErrActorIDEmpty is returned when the actor ID is empty during token generation.
	ErrActorIDEmpty = errors.New("actor ID cannot be empty")
	// ErrTokenStringEmpty is returned when the token string is empty during parsing.
	ErrTokenStringEmpty = errors.New("token string cannot be empty")
	// ErrInvalidTokenFormat is returned when a token doesn't match the expected format.
	ErrInvalidTokenFormat = errors.New("invalid actor token format")
	// ErrInvalidTokenLength is returned when a token length is incorrect.
	ErrInvalidTokenLength = errors.New("invalid actor token length")
)

// Token represents an actor credential with identification and permissions.
//
// An actor is whoever submits events: a telematics gateway, a carrier back
// office integration, or an admin operator. Permissions gate the admin
// surface ("dlq:admin") on top of the baseline ingest access.
type Token struct {
	ID          string     `json:"id"`
	Token       string     `json:"token"`
	ActorID     string     `json:"actorId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// TokenStore defines the interface for actor token storage and retrieval.
type TokenStore interface {
	// FindByToken retrieves a token by its plaintext value
	FindByToken(ctx context.Context, token string) (*Token, bool)
	// Add stores a new token
	Add(ctx context.Context, token *Token) error
	// Update modifies an existing token
	Update(ctx context.Context, token *Token) error
	// Delete removes a token
	Delete(ctx context.Context, tokenID string) error
	// ListByActor returns all tokens for a specific actor
	ListByActor(ctx context.Context, actorID string) ([]*Token, error)
}

// Usable reports whether the token is active and unexpired.
func (t *Token) Usable() bool {
	if !t.Active {
		return false
	}

	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return false
	}

	return true
}

// HasPermission checks if the token carries a specific permission.
func (t *Token) HasPermission(permission string) bool {
	for _, p := range t.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	// If lengths differ, still perform a comparison to keep timing flat,
	// but the result is always false.
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskToken masks an actor token for logging by showing only the prefix and suffix.
// Designed for the 76-character format "fleetlog_tk_" + 64 hex chars.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}

	tokenLen := len(token)

	if tokenLen == tokenLength {
		maskedLen := tokenLen - prefixLen - suffixLen

		return token[:prefixLen] + strings.Repeat("*", maskedLen) + token[tokenLen-suffixLen:]
	}

	// Anything off-format (test fixtures, truncated input) is masked completely.
	return strings.Repeat("*", tokenLen)
}

// GenerateToken creates a new secure actor token.
func GenerateToken(actorID string) (string, error) {
	if actorID == "" {
		return "", ErrActorIDEmpty
	}

	// 32 random bytes (256 bits)
	randomBytes := make([]byte, randomBytesSize)

	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return tokenPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseToken extracts the actor token from an Authorization header value.
func ParseToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrTokenStringEmpty
	}

	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	if !strings.HasPrefix(tokenString, tokenPrefix) {
		return "", ErrInvalidTokenFormat
	}

	if len(tokenString) != tokenLength {
		return "", ErrInvalidTokenLength
	}

	return tokenString, nil
}
