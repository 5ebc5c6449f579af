// Package session coordinates the OAuth2/OIDC authorization lifecycle: it
// reconciles provider configuration, bootstraps the session statically or
// via discovery, drives the authorization-code flow, and hands out bearer
// tokens with transparent refresh.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"oidcbroker/internal/config"
	"oidcbroker/internal/observability"
	"oidcbroker/internal/oidc"
	"oidcbroker/internal/storage"
)

// ErrSessionNotEstablished indicates an operation that needs a provider
// configuration was called before bootstrap established one.
var ErrSessionNotEstablished = errors.New("session not established")

// Discoverer fetches OIDC provider metadata.
type Discoverer interface {
	Fetch(ctx context.Context, discoveryURI string) (*oidc.ProviderConfiguration, error)
}

// TokenExchanger performs code-exchange and refresh requests.
type TokenExchanger interface {
	Exchange(ctx context.Context, p *oidc.ProviderConfiguration, resp *oidc.AuthorizationResponse, verifier string, method oidc.ClientAuthMethod) (*oidc.TokenResponse, error)
	Refresh(ctx context.Context, p *oidc.ProviderConfiguration, refreshToken string, method oidc.ClientAuthMethod) (*oidc.TokenResponse, error)
}

// Manager is the session orchestrator. All operations are serialized by a
// single mutex, including the network call they trigger, so no two
// completions ever interleave their session-state writes and every caller
// suspends until its own operation finishes.
//
// Flow failures (discovery, denied authorization, rejected exchange) are
// recorded in the session state and the configuration store rather than
// returned; returned errors are limited to store I/O.
type Manager struct {
	mu        sync.Mutex
	cfg       config.Store
	states    storage.SessionStore
	discovery Discoverer
	tokens    TokenExchanger
	logger    observability.Logger

	// clientID is the resolved client identity, cached once per
	// configuration epoch.
	clientID string

	// pending is the single outstanding authorization request. Building a
	// new request overwrites it; only the most recent one can be redeemed.
	pending *oidc.AuthorizationRequest

	loginRequired atomic.Bool
}

// NewManager constructs a Manager from its collaborators. There is no
// process-wide instance; callers own the lifecycle.
func NewManager(cfg config.Store, states storage.SessionStore, discovery Discoverer, tokens TokenExchanger, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Manager{
		cfg:       cfg,
		states:    states,
		discovery: discovery,
		tokens:    tokens,
		logger:    logger.WithComponent("session"),
	}
}

// ReconcileConfiguration compares the active configuration source against
// the persisted snapshot. Any difference (or a missing snapshot) is a hard
// reset: the session state is discarded wholesale and the new snapshot
// persisted, because an authorization obtained under a stale provider
// configuration is invalid. Must run before any operation that depends on
// the session state. Calling it again with no further changes is a no-op.
func (m *Manager) ReconcileConfiguration(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.cfg.CurrentSource()
	snap, err := m.cfg.StoredSnapshot()
	if err != nil {
		return err
	}
	if snap != nil && *snap == src {
		return nil
	}

	if err := m.states.Replace(ctx, &storage.SessionState{}); err != nil {
		return err
	}
	m.clientID = ""
	m.pending = nil
	if err := m.cfg.Persist(src); err != nil {
		return err
	}
	m.logger.Info("configuration changed; session reset", "client_id", src.ClientID)
	return nil
}

// IsSessionEstablished reports whether the configuration is unchanged and
// the session state holds a provider configuration. Callers use it to decide
// whether to start a fresh login.
func (m *Manager) IsSessionEstablished(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.cfg.StoredSnapshot()
	if err != nil || snap == nil || *snap != m.cfg.CurrentSource() {
		return false
	}
	state, err := m.states.Current(ctx)
	if err != nil {
		return false
	}
	return state.Provider != nil
}

// LastConfigurationError returns the most recent discovery or configuration
// failure, or nil.
func (m *Manager) LastConfigurationError() error {
	return m.cfg.LastError()
}

// Bootstrap resolves the client identity and provider configuration.
// Exactly one of three paths runs: the session is already established (no
// side effects, no network), the source is static (no network), or a
// discovery fetch is issued and the caller suspends until it completes.
// Discovery failures are recorded, never returned.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.cfg.CurrentSource()
	state, err := m.states.Current(ctx)
	if err != nil {
		return err
	}

	switch {
	case state.Provider != nil:
		// Already established.
		m.clientID = src.ClientID
		return nil

	case src.DiscoveryURI == "":
		provider := &oidc.ProviderConfiguration{
			AuthorizationEndpoint: src.AuthorizationEndpoint,
			TokenEndpoint:         src.TokenEndpoint,
			RegistrationEndpoint:  src.RegistrationEndpoint,
			EndSessionEndpoint:    src.EndSessionEndpoint,
			ClientID:              src.ClientID,
			RedirectURI:           src.RedirectURI,
			Scope:                 src.Scope,
			HTTPSRequired:         src.HTTPSRequired,
		}
		return m.installProvider(ctx, src, provider)

	default:
		provider, err := m.discovery.Fetch(ctx, src.DiscoveryURI)
		if err != nil {
			return m.recordConfigError(ctx, err)
		}
		provider.ClientID = src.ClientID
		provider.RedirectURI = src.RedirectURI
		provider.Scope = src.Scope
		provider.HTTPSRequired = src.HTTPSRequired
		return m.installProvider(ctx, src, provider)
	}
}

// installProvider replaces the session state with a fresh one wrapping the
// provider and resolves the client identity.
func (m *Manager) installProvider(ctx context.Context, src config.Source, provider *oidc.ProviderConfiguration) error {
	if err := provider.RequireHTTPS(); err != nil {
		return m.recordConfigError(ctx, err)
	}
	if err := m.states.Replace(ctx, &storage.SessionState{Provider: provider}); err != nil {
		return err
	}
	m.cfg.SetLastError(nil)
	m.clientID = src.ClientID
	m.logger.Debug("session bootstrapped",
		"client_id", src.ClientID,
		"token_endpoint", provider.TokenEndpoint,
	)
	return nil
}

// recordConfigError leaves the session unauthenticated and records the
// failure in both diagnostic slots. The error is observable via
// LastConfigurationError, not via the return value.
func (m *Manager) recordConfigError(ctx context.Context, cause error) error {
	m.cfg.SetLastError(cause)
	if err := m.states.Replace(ctx, &storage.SessionState{LastError: cause.Error()}); err != nil {
		return err
	}
	m.logger.Warn("provider configuration failed", "error", cause)
	return nil
}

// BuildAuthorizationRequest constructs an authorization-code request for
// the external browser to present. Returns ErrSessionNotEstablished when no
// provider configuration exists. A new request silently invalidates the
// previous pending one; only the most recent request can be redeemed.
func (m *Manager) BuildAuthorizationRequest(ctx context.Context) (*oidc.AuthorizationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.states.Current(ctx)
	if err != nil {
		return nil, err
	}
	if state.Provider == nil {
		return nil, ErrSessionNotEstablished
	}

	req := oidc.NewAuthorizationRequest(state.Provider)
	m.pending = req
	return req, nil
}

// OnAuthorizationResult consumes the redirect outcome of the authorization
// step. The raw (resp, authErr) pair is always recorded first. A response
// that matches the pending request is redeemed immediately: the code is
// exchanged for tokens and the outcome recorded. Responses for stale or
// unknown requests are recorded but never exchanged.
func (m *Manager) OnAuthorizationResult(ctx context.Context, resp *oidc.AuthorizationResponse, authErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.states.UpdateAfterAuthorization(ctx, resp, authErr); err != nil {
		return err
	}
	if authErr != nil {
		m.logger.Info("authorization not completed", "error", authErr)
	}
	if resp == nil {
		return nil
	}

	pending := m.pending
	if pending == nil || pending.State != resp.State {
		m.logger.Warn("authorization response does not match pending request; ignoring", "state", resp.State)
		return nil
	}
	m.pending = nil // consumed exactly once

	state, err := m.states.Current(ctx)
	if err != nil {
		return err
	}
	if state.Provider == nil {
		// A configuration reset raced the redirect.
		return nil
	}

	method := oidc.ClientAuthMethod(m.cfg.CurrentSource().ClientAuthMethod)
	if err := method.Validate(); err != nil {
		m.logger.Error("client authentication misconfigured; token request not sent", "error", err)
		return nil
	}

	tokenResp, exchangeErr := m.tokens.Exchange(ctx, state.Provider, resp, pending.CodeVerifier, method)
	if err := m.states.UpdateAfterTokenResponse(ctx, tokenResp, exchangeErr); err != nil {
		return err
	}
	if exchangeErr != nil {
		if code := oidc.ProviderErrorCode(exchangeErr); code != "" {
			m.logger.Warn("token exchange rejected", "provider_error", code)
		} else {
			m.logger.Warn("token exchange failed", "error", exchangeErr)
		}
		return nil
	}

	m.loginRequired.Store(false)
	m.logger.Info("session authorized", "client_id", state.Provider.ClientID)
	return nil
}

// BearerToken returns the current access token, refreshing it first when it
// is stale and a refresh token is available. At most one refresh attempt is
// made per call; if the token is still stale afterwards the login-required
// signal is raised. Returns "" when no token exists.
func (m *Manager) BearerToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.states.Current(ctx)
	if err != nil {
		return "", err
	}

	if state.NeedsRefresh() && state.IsAuthorized() && state.RefreshToken != "" {
		if err := m.refreshLocked(ctx, state); err != nil {
			return "", err
		}
		if state, err = m.states.Current(ctx); err != nil {
			return "", err
		}
	}

	if state.NeedsRefresh() {
		m.loginRequired.Store(true)
	}
	return state.AccessToken, nil
}

func (m *Manager) refreshLocked(ctx context.Context, state *storage.SessionState) error {
	method := oidc.ClientAuthMethod(m.cfg.CurrentSource().ClientAuthMethod)
	if err := method.Validate(); err != nil {
		m.logger.Error("client authentication misconfigured; refresh not sent", "error", err)
		return nil
	}

	tokenResp, refreshErr := m.tokens.Refresh(ctx, state.Provider, state.RefreshToken, method)
	if err := m.states.UpdateAfterTokenResponse(ctx, tokenResp, refreshErr); err != nil {
		return err
	}
	if refreshErr != nil {
		if code := oidc.ProviderErrorCode(refreshErr); code != "" {
			m.logger.Warn("token refresh rejected", "provider_error", code)
		} else {
			m.logger.Warn("token refresh failed", "error", refreshErr)
		}
	}
	return nil
}

// LoginRequired reports whether the caller must re-initiate the
// authorization flow. The signal is level-triggered: it stays raised until a
// fresh successful authorization or an explicit ClearLoginRequired.
func (m *Manager) LoginRequired() bool {
	return m.loginRequired.Load()
}

// ClearLoginRequired lowers the login-required signal. Callers invoke it
// when they re-initiate the authorization flow.
func (m *Manager) ClearLoginRequired() {
	m.loginRequired.Store(false)
}

// ClientID returns the client identity resolved by the last bootstrap, or
// "" before one completes.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}
