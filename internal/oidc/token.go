package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ClientAuthMethod selects how the client authenticates against the token
// endpoint.
type ClientAuthMethod string

// Supported client authentication methods.
const (
	// ClientAuthNone is a public client: client_id only, no secret.
	ClientAuthNone ClientAuthMethod = "none"
	// ClientAuthBasic sends the credentials in an Authorization header.
	ClientAuthBasic ClientAuthMethod = "basic"
	// ClientAuthPost sends the credentials in the request body.
	ClientAuthPost ClientAuthMethod = "post"
)

// ErrUnsupportedClientAuth indicates a locally misconfigured client
// authentication method; no token request is sent in that case.
var ErrUnsupportedClientAuth = errors.New("unsupported client authentication method")

// Validate reports whether the method is one the client can perform.
func (m ClientAuthMethod) Validate() error {
	_, err := m.authStyle()
	return err
}

// authStyle maps the method onto the oauth2 package's auth styles.
// The empty method defaults to a public client.
func (m ClientAuthMethod) authStyle() (oauth2.AuthStyle, error) {
	switch m {
	case ClientAuthNone, "":
		return oauth2.AuthStyleInParams, nil
	case ClientAuthBasic:
		return oauth2.AuthStyleInHeader, nil
	case ClientAuthPost:
		return oauth2.AuthStyleInParams, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedClientAuth, string(m))
	}
}

// TokenResponse holds the tokens returned by a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// Error is a provider-reported OAuth2 error (RFC 6749 section 5.2).
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

// ProviderErrorCode extracts the provider-supplied error code from a token
// endpoint failure, or "" when none is present.
func ProviderErrorCode(err error) string {
	var oidcErr *Error
	if errors.As(err, &oidcErr) {
		return oidcErr.Code
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode
	}
	return ""
}

// TokenClient performs code-exchange and refresh requests against a
// provider's token endpoint.
type TokenClient struct {
	// HTTPClient is the transport for token requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// ClientSecret authenticates confidential clients; empty for public
	// clients using ClientAuthNone.
	ClientSecret string
}

// Exchange redeems an authorization code for tokens using the PKCE verifier
// from the originating request.
func (c *TokenClient) Exchange(ctx context.Context, p *ProviderConfiguration, resp *AuthorizationResponse, verifier string, method ClientAuthMethod) (*TokenResponse, error) {
	cfg, ctx, err := c.oauthConfig(ctx, p, method)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(ctx, resp.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

// Refresh obtains a fresh access token using a refresh grant.
func (c *TokenClient) Refresh(ctx context.Context, p *ProviderConfiguration, refreshToken string, method ClientAuthMethod) (*TokenResponse, error) {
	cfg, ctx, err := c.oauthConfig(ctx, p, method)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

func (c *TokenClient) oauthConfig(ctx context.Context, p *ProviderConfiguration, method ClientAuthMethod) (*oauth2.Config, context.Context, error) {
	style, err := method.authStyle()
	if err != nil {
		return nil, ctx, err
	}
	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	cfg := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  p.RedirectURI,
		Scopes:       strings.Fields(p.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthorizationEndpoint,
			TokenURL:  p.TokenEndpoint,
			AuthStyle: style,
		},
	}
	return cfg, ctx, nil
}

// fromOAuth2Token converts an oauth2 token, lifting the id_token extra.
func fromOAuth2Token(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = raw
	}
	return resp
}
