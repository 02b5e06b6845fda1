package config

import "strings"

// TokenIssuerConfig identifies an OIDC issuer whose bearer tokens are accepted.
// An empty IssuerURL disables verification.
type TokenIssuerConfig struct {
	IssuerURL string `env:"ISSUER"`
	Audience  string `env:"AUDIENCE"`
}

// Enabled reports whether bearer tokens must be verified.
func (c TokenIssuerConfig) Enabled() bool {
	return c.IssuerURL != ""
}

func (c *TokenIssuerConfig) sanitize() {
	c.IssuerURL = strings.TrimSpace(c.IssuerURL)
	c.Audience = strings.TrimSpace(c.Audience)
}

// AuthConfig groups all authentication-related configuration.
type AuthConfig struct {
	// Agent tokens are checked on the websocket upgrade.
	Agent TokenIssuerConfig `envPrefix:"AGENT_AUTH_"`

	// Ops tokens are checked on the /api/v1 operations routes.
	Ops TokenIssuerConfig `envPrefix:"OPS_AUTH_"`
}

// Sanitize trims issuer settings.
func (a *AuthConfig) Sanitize() {
	a.Agent.sanitize()
	a.Ops.sanitize()
}
