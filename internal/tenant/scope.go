// Package tenant provides token validation and request-scoped tenant identity.
// Every storage read and write downstream of the HTTP layer carries a Scope;
// rows outside the scope are indistinguishable from rows that do not exist.
package tenant

import (
	"context"

	"github.com/atelier-ai/atelier/internal/common/apperr"
)

// Scope identifies the tenant a request acts on behalf of.
type Scope struct {
	UserID string
}

// Owns reports whether a row owned by ownerID is visible to this scope.
func (s Scope) Owns(ownerID string) bool {
	return s.UserID != "" && s.UserID == ownerID
}

type scopeKey struct{}

// WithScope returns a context carrying the tenant scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext extracts the tenant scope from the context.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// MustFromContext extracts the tenant scope or returns an unauthorized error.
// Handlers behind the auth middleware can rely on the scope being present;
// this guards internal callers that reach storage without one.
func MustFromContext(ctx context.Context) (Scope, error) {
	s, ok := FromContext(ctx)
	if !ok || s.UserID == "" {
		return Scope{}, apperr.New(apperr.KindUnauthorized, "missing tenant scope")
	}
	return s, nil
}
