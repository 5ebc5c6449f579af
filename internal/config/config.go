// Package config holds the identity-provider configuration source and the
// persisted snapshot used for change detection.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrMissingClientID    = errors.New("client_id is required")
	ErrMissingRedirectURI = errors.New("redirect_uri is required")
	ErrMissingEndpoints   = errors.New("either discovery_uri or static authorization/token endpoints are required")
)

// Source is the active provider configuration, supplied statically or
// pointing at a discovery document. It is compared by value against the
// stored snapshot to detect configuration changes, so every field must be
// comparable.
type Source struct {
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	RedirectURI      string `yaml:"redirect_uri"`
	Scope            string `yaml:"scope"`
	ClientAuthMethod string `yaml:"client_auth_method"`

	// DiscoveryURI selects discovery-based bootstrap. When empty, the static
	// endpoints below are used instead.
	DiscoveryURI          string `yaml:"discovery_uri"`
	AuthorizationEndpoint string `yaml:"authorization_endpoint"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	RegistrationEndpoint  string `yaml:"registration_endpoint"`
	EndSessionEndpoint    string `yaml:"end_session_endpoint"`

	HTTPSRequired bool `yaml:"https_required"`

	// SandboxHost rewrites loopback hosts in discovered endpoints to an
	// address reachable from inside a sandbox environment. Empty disables
	// rewriting.
	SandboxHost string `yaml:"sandbox_host"`
}

// Validate checks the source is complete enough to bootstrap from.
func (s Source) Validate() error {
	if s.ClientID == "" {
		return ErrMissingClientID
	}
	if s.RedirectURI == "" {
		return ErrMissingRedirectURI
	}
	if s.DiscoveryURI == "" && (s.AuthorizationEndpoint == "" || s.TokenEndpoint == "") {
		return ErrMissingEndpoints
	}
	return nil
}

// Load reads a Source from a YAML file and applies environment overrides.
// Environment variables win over file values.
func Load(path string) (Source, error) {
	var src Source
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return src, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &src); err != nil {
			return src, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&src)
	return src, nil
}

func applyEnv(src *Source) {
	for env, field := range map[string]*string{
		"OIDCBROKER_CLIENT_ID":              &src.ClientID,
		"OIDCBROKER_CLIENT_SECRET":          &src.ClientSecret,
		"OIDCBROKER_REDIRECT_URI":           &src.RedirectURI,
		"OIDCBROKER_SCOPE":                  &src.Scope,
		"OIDCBROKER_CLIENT_AUTH_METHOD":     &src.ClientAuthMethod,
		"OIDCBROKER_DISCOVERY_URI":          &src.DiscoveryURI,
		"OIDCBROKER_AUTHORIZATION_ENDPOINT": &src.AuthorizationEndpoint,
		"OIDCBROKER_TOKEN_ENDPOINT":         &src.TokenEndpoint,
		"OIDCBROKER_SANDBOX_HOST":           &src.SandboxHost,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
	if v := os.Getenv("OIDCBROKER_HTTPS_REQUIRED"); v != "" {
		src.HTTPSRequired = v == "1" || v == "true"
	}
}
