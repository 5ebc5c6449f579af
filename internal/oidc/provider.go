// Package oidc provides the identity-provider plumbing for oidcbroker:
// provider configuration, OIDC discovery, authorization requests, and the
// OAuth2 token endpoint client.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// WellKnownPath is the standard suffix of an OIDC discovery URI.
const WellKnownPath = "/.well-known/openid-configuration"

// ErrInsecureEndpoint indicates a discovered endpoint is not HTTPS while the
// configuration requires TLS.
var ErrInsecureEndpoint = errors.New("discovered endpoint is not https")

// ProviderConfiguration describes the identity provider used for the
// authorization-code flow. It is immutable once resolved; a new discovery
// replaces it wholesale.
type ProviderConfiguration struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	DiscoveryURI          string `json:"discovery_uri,omitempty"`
	ClientID              string `json:"client_id"`
	RedirectURI           string `json:"redirect_uri"`
	Scope                 string `json:"scope"`
	HTTPSRequired         bool   `json:"https_required"`
}

// DiscoveryClient fetches OIDC provider metadata.
type DiscoveryClient struct {
	// HTTPClient is the transport used for the discovery document and JWKS
	// fetches. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// SandboxHost, when non-empty, replaces the loopback host of discovered
	// endpoints. Sandbox environments run the provider on the host machine
	// while the broker resolves loopback to itself.
	SandboxHost string
}

// discoveryClaims holds the discovery-document fields go-oidc does not
// surface through Endpoint().
type discoveryClaims struct {
	RegistrationEndpoint string `json:"registration_endpoint"`
	EndSessionEndpoint   string `json:"end_session_endpoint"`
}

// Fetch retrieves the discovery document at discoveryURI and returns the
// endpoint fields of a ProviderConfiguration. Client identity fields
// (ClientID, RedirectURI, Scope) are left for the caller to fill in.
func (c *DiscoveryClient) Fetch(ctx context.Context, discoveryURI string) (*ProviderConfiguration, error) {
	issuer := issuerFromDiscoveryURI(discoveryURI)

	if c.HTTPClient != nil {
		ctx = gooidc.ClientContext(ctx, c.HTTPClient)
	}
	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	var claims discoveryClaims
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode discovery claims: %w", err)
	}

	endpoint := provider.Endpoint()
	cfg := &ProviderConfiguration{
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		RegistrationEndpoint:  claims.RegistrationEndpoint,
		EndSessionEndpoint:    claims.EndSessionEndpoint,
		DiscoveryURI:          discoveryURI,
	}

	if c.SandboxHost != "" {
		cfg.AuthorizationEndpoint = rewriteLoopbackHost(cfg.AuthorizationEndpoint, c.SandboxHost)
		cfg.TokenEndpoint = rewriteLoopbackHost(cfg.TokenEndpoint, c.SandboxHost)
		cfg.RegistrationEndpoint = rewriteLoopbackHost(cfg.RegistrationEndpoint, c.SandboxHost)
		cfg.EndSessionEndpoint = rewriteLoopbackHost(cfg.EndSessionEndpoint, c.SandboxHost)
	}

	return cfg, nil
}

// RequireHTTPS validates that the configuration's mandatory endpoints use
// TLS. It is a no-op when HTTPSRequired is false.
func (p *ProviderConfiguration) RequireHTTPS() error {
	if !p.HTTPSRequired {
		return nil
	}
	for _, endpoint := range []string{p.AuthorizationEndpoint, p.TokenEndpoint} {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parse endpoint %q: %w", endpoint, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("%w: %s", ErrInsecureEndpoint, endpoint)
		}
	}
	return nil
}

// issuerFromDiscoveryURI derives the issuer URL go-oidc expects. A URI that
// does not end in the well-known path is treated as the issuer itself.
func issuerFromDiscoveryURI(discoveryURI string) string {
	issuer := strings.TrimSuffix(discoveryURI, WellKnownPath)
	return strings.TrimSuffix(issuer, "/")
}

// rewriteLoopbackHost replaces a loopback hostname in endpoint with host,
// preserving the port. Non-loopback endpoints pass through unchanged.
func rewriteLoopbackHost(endpoint, host string) string {
	if endpoint == "" {
		return endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
	default:
		return endpoint
	}
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u.String()
}
