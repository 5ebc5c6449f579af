// Package storage persists the broker's single mutable session state across
// launches.
package storage

import (
	"context"
	"errors"
	"time"

	"oidcbroker/internal/oidc"
)

// Storage errors.
var (
	// ErrInvalidState indicates a nil or malformed session state.
	ErrInvalidState = errors.New("invalid session state")
)

// TokenExpirySkew is subtracted from the access-token expiry when deciding
// whether a refresh is needed, so a token is never handed out moments before
// it lapses.
const TokenExpirySkew = time.Minute

// SessionState is the persisted record of the current provider
// configuration, tokens, and authorization outcome. It is owned exclusively
// by the session manager; mutations go through a SessionStore.
type SessionState struct {
	Provider *oidc.ProviderConfiguration `json:"provider,omitempty"`

	AuthorizationCode string    `json:"authorization_code,omitempty"`
	AccessToken       string    `json:"access_token,omitempty"`
	RefreshToken      string    `json:"refresh_token,omitempty"`
	IDToken           string    `json:"id_token,omitempty"`
	AccessTokenExpiry time.Time `json:"access_token_expiry,omitempty"`

	// LastError records the most recent authorization, discovery, or token
	// failure for diagnostics. It is never surfaced as a flow error.
	LastError string `json:"last_error,omitempty"`
}

// IsAuthorized reports whether the session has completed an authorization
// and holds an access token.
func (s *SessionState) IsAuthorized() bool {
	return s.Provider != nil && s.AccessToken != ""
}

// NeedsRefresh reports whether the access token is missing or within the
// expiry skew of lapsing. A token without a recorded expiry never needs a
// refresh.
func (s *SessionState) NeedsRefresh() bool {
	if s.AccessToken == "" {
		return true
	}
	if s.AccessTokenExpiry.IsZero() {
		return false
	}
	return time.Now().After(s.AccessTokenExpiry.Add(-TokenExpirySkew))
}

// applyAuthorization records the outcome of the authorization step.
func (s *SessionState) applyAuthorization(resp *oidc.AuthorizationResponse, err error) {
	if err != nil {
		s.LastError = err.Error()
	}
	if resp != nil {
		s.AuthorizationCode = resp.Code
		s.LastError = ""
	}
}

// applyTokenResponse records the outcome of a code exchange or refresh. A
// successful response without a rotated refresh token keeps the existing one.
func (s *SessionState) applyTokenResponse(resp *oidc.TokenResponse, err error) {
	if err != nil {
		s.LastError = err.Error()
		return
	}
	if resp == nil {
		return
	}
	s.AccessToken = resp.AccessToken
	s.IDToken = resp.IDToken
	s.AccessTokenExpiry = resp.Expiry
	if resp.RefreshToken != "" {
		s.RefreshToken = resp.RefreshToken
	}
	s.AuthorizationCode = ""
	s.LastError = ""
}

// Clone returns a deep copy so callers never alias the stored record.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	cpy := *s
	if s.Provider != nil {
		provider := *s.Provider
		cpy.Provider = &provider
	}
	return &cpy
}

// SessionStore persists the session state. Implementations serialize all
// mutations so no two updates interleave.
type SessionStore interface {
	// Current returns the stored state, or an empty unauthenticated state
	// when nothing has been stored yet.
	Current(ctx context.Context) (*SessionState, error)

	// Replace resets the stored state wholesale.
	Replace(ctx context.Context, state *SessionState) error

	// UpdateAfterAuthorization records an authorization redirect outcome.
	UpdateAfterAuthorization(ctx context.Context, resp *oidc.AuthorizationResponse, authErr error) error

	// UpdateAfterTokenResponse records a code-exchange or refresh outcome.
	UpdateAfterTokenResponse(ctx context.Context, resp *oidc.TokenResponse, tokenErr error) error
}
