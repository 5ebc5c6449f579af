package storage

import (
	"context"
	"sync"

	"oidcbroker/internal/oidc"
)

// MemorySessionStore is an in-memory SessionStore. It is thread-safe and
// suitable for tests and single-run invocations that do not need the session
// to survive a restart.
type MemorySessionStore struct {
	mu    sync.Mutex
	state SessionState
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (s *MemorySessionStore) Current(_ context.Context) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

func (s *MemorySessionStore) Replace(_ context.Context, state *SessionState) error {
	if state == nil {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = *state.Clone()
	return nil
}

func (s *MemorySessionStore) UpdateAfterAuthorization(_ context.Context, resp *oidc.AuthorizationResponse, authErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.applyAuthorization(resp, authErr)
	return nil
}

func (s *MemorySessionStore) UpdateAfterTokenResponse(_ context.Context, resp *oidc.TokenResponse, tokenErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.applyTokenResponse(resp, tokenErr)
	return nil
}
