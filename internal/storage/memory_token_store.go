package storage

import (
	"context"
	"sync"
)

// InMemoryTokenStore provides thread-safe in-memory storage for actor
// tokens. Used in tests and local development where no database is wired.
type InMemoryTokenStore struct {
	// tokens maps plaintext token strings to Token structs for fast lookup
	tokens map[string]*Token
	// tokensByID maps token IDs to Token structs for ID-based operations
	tokensByID map[string]*Token
	// tokensByActor maps actor IDs to slices of Token structs for filtering
	tokensByActor map[string][]*Token
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

var _ TokenStore = (*InMemoryTokenStore)(nil)

// NewInMemoryTokenStore creates a new thread-safe in-memory token store.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{
		tokens:        make(map[string]*Token),
		tokensByID:    make(map[string]*Token),
		tokensByActor: make(map[string][]*Token),
	}
}

// FindByToken retrieves a token by its plaintext value.
func (s *InMemoryTokenStore) FindByToken(_ context.Context, token string) (*Token, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	found, exists := s.tokens[token]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	tokenCopy := *found

	return &tokenCopy, true
}

// Add stores a new actor token.
func (s *InMemoryTokenStore) Add(_ context.Context, token *Token) error {
	if token == nil {
		return ErrTokenNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.tokensByID[token.ID]; exists {
		return ErrTokenAlreadyExists
	}

	if _, exists := s.tokens[token.Token]; exists {
		return ErrTokenAlreadyExists
	}

	tokenCopy := *token

	s.tokens[tokenCopy.Token] = &tokenCopy
	s.tokensByID[tokenCopy.ID] = &tokenCopy
	s.tokensByActor[tokenCopy.ActorID] = append(s.tokensByActor[tokenCopy.ActorID], &tokenCopy)

	return nil
}

// Update modifies an existing actor token.
func (s *InMemoryTokenStore) Update(_ context.Context, token *Token) error {
	if token == nil {
		return ErrTokenNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.tokensByID[token.ID]
	if !exists {
		return ErrTokenNotFound
	}

	s.removeFromActorMap(existing.ActorID, existing.ID)

	if existing.Token != token.Token {
		delete(s.tokens, existing.Token)
	}

	tokenCopy := *token

	s.tokens[tokenCopy.Token] = &tokenCopy
	s.tokensByID[tokenCopy.ID] = &tokenCopy
	s.tokensByActor[tokenCopy.ActorID] = append(s.tokensByActor[tokenCopy.ActorID], &tokenCopy)

	return nil
}

// Delete removes an actor token.
func (s *InMemoryTokenStore) Delete(_ context.Context, tokenID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.tokensByID[tokenID]
	if !exists {
		return ErrTokenNotFound
	}

	delete(s.tokens, existing.Token)
	delete(s.tokensByID, tokenID)
	s.removeFromActorMap(existing.ActorID, tokenID)

	return nil
}

// ListByActor returns all tokens for a specific actor.
func (s *InMemoryTokenStore) ListByActor(_ context.Context, actorID string) ([]*Token, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tokens, exists := s.tokensByActor[actorID]
	if !exists {
		return []*Token{}, nil
	}

	result := make([]*Token, len(tokens))
	for i, token := range tokens {
		tokenCopy := *token
		result[i] = &tokenCopy
	}

	return result, nil
}

// removeFromActorMap removes a token from the actor map by token ID.
// Caller must hold write lock.
func (s *InMemoryTokenStore) removeFromActorMap(actorID, tokenID string) {
	tokens := s.tokensByActor[actorID]
	for i, token := range tokens {
		if token.ID == tokenID {
			s.tokensByActor[actorID] = append(tokens[:i], tokens[i+1:]...)

			break
		}
	}

	if len(s.tokensByActor[actorID]) == 0 {
		delete(s.tokensByActor, actorID)
	}
}
