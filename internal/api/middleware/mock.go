// Package middleware provides HTTP middleware components for the FleetLog API.
package middleware

import (
	"context"

	"github.com/fleetlog-io/fleetlog/internal/storage"
)

// MockTokenStore is a function-backed storage.TokenStore for tests.
type MockTokenStore struct {
	FindByTokenFunc func(ctx context.Context, token string) (*storage.Token, bool)
	AddFunc         func(ctx context.Context, token *storage.Token) error
	UpdateFunc      func(ctx context.Context, token *storage.Token) error
	DeleteFunc      func(ctx context.Context, tokenID string) error
	ListByActorFunc func(ctx context.Context, actorID string) ([]*storage.Token, error)
}

var _ storage.TokenStore = (*MockTokenStore)(nil)

// FindByToken implements storage.TokenStore.
func (m *MockTokenStore) FindByToken(ctx context.Context, token string) (*storage.Token, bool) {
	if m.FindByTokenFunc != nil {
		return m.FindByTokenFunc(ctx, token)
	}

	return nil, false
}

// Add implements storage.TokenStore.
func (m *MockTokenStore) Add(ctx context.Context, token *storage.Token) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, token)
	}

	return nil
}

// Update implements storage.TokenStore.
func (m *MockTokenStore) Update(ctx context.Context, token *storage.Token) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, token)
	}

	return nil
}

// Delete implements storage.TokenStore.
func (m *MockTokenStore) Delete(ctx context.Context, tokenID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, tokenID)
	}

	return nil
}

// ListByActor implements storage.TokenStore.
func (m *MockTokenStore) ListByActor(ctx context.Context, actorID string) ([]*storage.Token, error) {
	if m.ListByActorFunc != nil {
		return m.ListByActorFunc(ctx, actorID)
	}

	return []*storage.Token{}, nil
}
