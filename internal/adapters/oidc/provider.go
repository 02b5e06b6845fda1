// Package oidc verifies agent bearer tokens and issues client-credential tokens for agents.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Identity is the verified principal behind a bearer token.
type Identity struct {
	Subject   string
	ClientID  string
	ExpiresAt time.Time
}

// VerifierConfig holds configuration for bearer token verification.
type VerifierConfig struct {
	IssuerURL  string
	Audience   string
	HTTPClient *http.Client // Optional, defaults to a 30s-timeout client
}

// Verifier validates JWT bearer tokens against an OIDC issuer's published keys.
type Verifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewVerifier performs issuer discovery and returns a Verifier.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	op, err := discover(ctx, cfg.IssuerURL, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		verifier: op.Verifier(&gooidc.Config{
			ClientID:          cfg.Audience,
			SkipClientIDCheck: cfg.Audience == "",
		}),
	}, nil
}

type tokenClaims struct {
	ClientID string `json:"client_id"`
	AZP      string `json:"azp"`
}

// Verify checks the token signature, issuer, audience and expiry.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, fmt.Errorf("verify bearer token: %w", err)
	}
	var claims tokenClaims
	if err := tok.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("decode token claims: %w", err)
	}
	clientID := claims.ClientID
	if clientID == "" {
		clientID = claims.AZP
	}
	return Identity{Subject: tok.Subject, ClientID: clientID, ExpiresAt: tok.Expiry}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// ClientCredentialsConfig configures an agent's token source.
type ClientCredentialsConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Audience     string
	HTTPClient   *http.Client
}

// TokenSource discovers the issuer's token endpoint and returns a caching
// client-credentials token source.
func TokenSource(ctx context.Context, cfg ClientCredentialsConfig) (oauth2.TokenSource, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("client ID and secret are required")
	}
	op, err := discover(ctx, cfg.IssuerURL, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     op.Endpoint().TokenURL,
		Scopes:       cfg.Scopes,
	}
	if cfg.Audience != "" {
		cc.EndpointParams = map[string][]string{"audience": {cfg.Audience}}
	}
	return cc.TokenSource(clientContext(ctx, cfg.HTTPClient)), nil
}

func discover(ctx context.Context, issuer string, client *http.Client) (*gooidc.Provider, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")
	op, err := gooidc.NewProvider(clientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuer, err)
	}
	return op, nil
}

func clientContext(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
