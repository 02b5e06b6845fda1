package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/adapters/oidc"
)

// Verifiers holds the bearer token verifiers for the agent endpoint and the operations API.
// A nil verifier leaves its surface unauthenticated.
type Verifiers struct {
	Agent *oidc.Verifier
	Ops   *oidc.Verifier
}

// BuildVerifiers performs issuer discovery for every configured issuer.
func BuildVerifiers(ctx context.Context, cfg config.AuthConfig, logger *slog.Logger) (Verifiers, error) {
	var v Verifiers
	var err error
	if v.Agent, err = buildVerifier(ctx, "agent", cfg.Agent, logger); err != nil {
		return Verifiers{}, err
	}
	if v.Ops, err = buildVerifier(ctx, "ops", cfg.Ops, logger); err != nil {
		return Verifiers{}, err
	}
	return v, nil
}

func buildVerifier(ctx context.Context, surface string, cfg config.TokenIssuerConfig, logger *slog.Logger) (*oidc.Verifier, error) {
	if !cfg.Enabled() {
		logger.WarnContext(ctx, "bearer verification disabled", "surface", surface)
		return nil, nil
	}
	v, err := oidc.NewVerifier(ctx, oidc.VerifierConfig{IssuerURL: cfg.IssuerURL, Audience: cfg.Audience})
	if err != nil {
		return nil, fmt.Errorf("%s token verifier: %w", surface, err)
	}
	logger.InfoContext(ctx, "bearer verification enabled", "surface", surface, "issuer", cfg.IssuerURL)
	return v, nil
}
