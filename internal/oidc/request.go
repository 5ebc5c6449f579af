package oidc

import (
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// AuthorizationRequest is a pending authorization-code request. At most one
// request is outstanding at a time; building a new one invalidates any
// previous request.
type AuthorizationRequest struct {
	State         string
	CodeVerifier  string
	CodeChallenge string

	ClientID              string
	AuthorizationEndpoint string
	RedirectURI           string
	Scope                 string
}

// NewAuthorizationRequest builds an authorization-code request for the given
// provider with a random state and a fresh PKCE verifier/challenge pair.
func NewAuthorizationRequest(p *ProviderConfiguration) *AuthorizationRequest {
	verifier := oauth2.GenerateVerifier()
	return &AuthorizationRequest{
		State:                 uuid.NewString(),
		CodeVerifier:          verifier,
		CodeChallenge:         oauth2.S256ChallengeFromVerifier(verifier),
		ClientID:              p.ClientID,
		AuthorizationEndpoint: p.AuthorizationEndpoint,
		RedirectURI:           p.RedirectURI,
		Scope:                 p.Scope,
	}
}

// URL renders the launch descriptor: the authorization endpoint URL an
// external browser opens to start the flow.
func (r *AuthorizationRequest) URL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", r.ClientID)
	q.Set("redirect_uri", r.RedirectURI)
	if r.Scope != "" {
		q.Set("scope", r.Scope)
	}
	q.Set("state", r.State)
	q.Set("code_challenge", r.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	return r.AuthorizationEndpoint + "?" + q.Encode()
}

// AuthorizationResponse is the redirect result delivered by the external
// browser after the user completes (or abandons) the authorization step.
type AuthorizationResponse struct {
	Code  string
	State string
}

// ParseAuthorizationResponse extracts the redirect result from callback
// query parameters. Provider-reported errors are returned as an *Error so
// the caller can record them; the response is nil in that case.
func ParseAuthorizationResponse(q url.Values) (*AuthorizationResponse, error) {
	if code := q.Get("error"); code != "" {
		return nil, &Error{Code: code, Description: q.Get("error_description")}
	}
	return &AuthorizationResponse{
		Code:  q.Get("code"),
		State: q.Get("state"),
	}, nil
}
