package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"oidcbroker/internal/oidc"
)

func TestSessionState_NeedsRefresh(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		state SessionState
		want  bool
	}{
		{"no token", SessionState{}, true},
		{"fresh token", SessionState{AccessToken: "at", AccessTokenExpiry: now.Add(time.Hour)}, false},
		{"expired token", SessionState{AccessToken: "at", AccessTokenExpiry: now.Add(-time.Minute)}, true},
		{"inside expiry skew", SessionState{AccessToken: "at", AccessTokenExpiry: now.Add(TokenExpirySkew / 2)}, true},
		{"no recorded expiry", SessionState{AccessToken: "at"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.NeedsRefresh(); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionState_IsAuthorized(t *testing.T) {
	provider := &oidc.ProviderConfiguration{TokenEndpoint: "https://idp.example.com/token"}

	tests := []struct {
		name  string
		state SessionState
		want  bool
	}{
		{"empty", SessionState{}, false},
		{"provider only", SessionState{Provider: provider}, false},
		{"token without provider", SessionState{AccessToken: "at"}, false},
		{"provider and token", SessionState{Provider: provider, AccessToken: "at"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsAuthorized(); got != tt.want {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemorySessionStore_UpdateAfterAuthorization(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	// Error outcome is recorded.
	authErr := errors.New("access_denied: user cancelled")
	if err := store.UpdateAfterAuthorization(ctx, nil, authErr); err != nil {
		t.Fatalf("UpdateAfterAuthorization: %v", err)
	}
	state, _ := store.Current(ctx)
	if state.LastError == "" {
		t.Error("authorization error should be recorded")
	}

	// A successful response records the code and clears the error.
	if err := store.UpdateAfterAuthorization(ctx, &oidc.AuthorizationResponse{Code: "c", State: "s"}, nil); err != nil {
		t.Fatalf("UpdateAfterAuthorization: %v", err)
	}
	state, _ = store.Current(ctx)
	if state.AuthorizationCode != "c" {
		t.Errorf("AuthorizationCode = %q, want %q", state.AuthorizationCode, "c")
	}
	if state.LastError != "" {
		t.Errorf("LastError = %q, want cleared", state.LastError)
	}
}

func TestMemorySessionStore_UpdateAfterTokenResponse(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	expiry := time.Now().Add(time.Hour).UTC()
	resp := &oidc.TokenResponse{
		AccessToken:  "at",
		RefreshToken: "rt",
		IDToken:      "idt",
		Expiry:       expiry,
	}
	if err := store.UpdateAfterTokenResponse(ctx, resp, nil); err != nil {
		t.Fatalf("UpdateAfterTokenResponse: %v", err)
	}
	state, _ := store.Current(ctx)
	if state.AccessToken != "at" || state.RefreshToken != "rt" || state.IDToken != "idt" {
		t.Errorf("unexpected state after token response: %+v", state)
	}
	if !state.AccessTokenExpiry.Equal(expiry) {
		t.Errorf("AccessTokenExpiry = %v, want %v", state.AccessTokenExpiry, expiry)
	}

	// A refresh without a rotated refresh token keeps the old one.
	if err := store.UpdateAfterTokenResponse(ctx, &oidc.TokenResponse{AccessToken: "at2"}, nil); err != nil {
		t.Fatalf("UpdateAfterTokenResponse: %v", err)
	}
	state, _ = store.Current(ctx)
	if state.AccessToken != "at2" {
		t.Errorf("AccessToken = %q, want %q", state.AccessToken, "at2")
	}
	if state.RefreshToken != "rt" {
		t.Errorf("RefreshToken = %q, want kept %q", state.RefreshToken, "rt")
	}

	// A failed exchange records the error and keeps the tokens.
	if err := store.UpdateAfterTokenResponse(ctx, nil, errors.New("invalid_grant")); err != nil {
		t.Fatalf("UpdateAfterTokenResponse: %v", err)
	}
	state, _ = store.Current(ctx)
	if state.LastError != "invalid_grant" {
		t.Errorf("LastError = %q", state.LastError)
	}
	if state.AccessToken != "at2" {
		t.Error("failed exchange must not drop the existing token")
	}
}

func TestMemorySessionStore_CurrentReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	provider := &oidc.ProviderConfiguration{ClientID: "abc"}
	if err := store.Replace(ctx, &SessionState{Provider: provider}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	state, _ := store.Current(ctx)
	state.Provider.ClientID = "mutated"
	state.AccessToken = "mutated"

	again, _ := store.Current(ctx)
	if again.Provider.ClientID != "abc" || again.AccessToken != "" {
		t.Error("Current must return a copy that does not alias the stored state")
	}
}

func TestMemorySessionStore_ReplaceNil(t *testing.T) {
	store := NewMemorySessionStore()
	if err := store.Replace(context.Background(), nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Replace(nil) = %v, want ErrInvalidState", err)
	}
}
