package httpx

import (
	"context"

	"github.com/target/backup-coordinator/internal/adapters/oidc"
)

// identityKey is an unexported context key type to avoid collisions across packages.
type identityKey struct{}

// SetIdentityInContext returns a child context that carries the verified operator identity.
func SetIdentityInContext(ctx context.Context, id oidc.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the operator identity and whether one was set.
func IdentityFromContext(ctx context.Context) (oidc.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(oidc.Identity)
	return id, ok
}

// actor names the caller for audit logs.
func actor(ctx context.Context) string {
	id, ok := IdentityFromContext(ctx)
	switch {
	case !ok:
		return "anonymous"
	case id.ClientID != "":
		return id.ClientID
	}
	return id.Subject
}
