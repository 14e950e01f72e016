package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash. Can be raised to 12 (~250ms) once token
	// validation results are cached per connection.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashToken generates a bcrypt hash of an actor token for storage.
// Tokens are never stored in plaintext.
//
// Bcrypt has a 72-byte input limit and our tokens are 76 bytes, so the token
// is pre-hashed with SHA-256 before bcrypt. The same preparation must be
// applied on comparison.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash actor token: %w", err)
	}

	return string(hash), nil
}

// CompareTokenHash checks an actor token against its stored bcrypt hash.
// Returns false for any error condition (empty inputs, malformed hash).
func CompareTokenHash(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(token)) == nil
}

// LookupDigest returns the SHA-256 hex digest of a token.
//
// Stored alongside the bcrypt hash and indexed, so token validation is one
// indexed equality lookup followed by a single bcrypt comparison instead of
// a bcrypt scan over every active token.
func LookupDigest(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

// bcryptInput pre-hashes inputs longer than bcrypt's 72-byte limit.
func bcryptInput(token string) []byte {
	if len(token) > bcryptLimit {
		sum := sha256.Sum256([]byte(token))

		return sum[:]
	}

	return []byte(token)
}
