package api

import (
	"context"
	"net/http"
)

// Principal is the authenticated identity attached to a request's context
// once Authenticator accepts it.
type Principal struct {
	UserID string
	Role   string
}

// Authenticator verifies the bearer credential on an inbound request and
// resolves it to a Principal. JWT verification, refresh and revocation are
// named as an external collaborator in spec.md §6's "Out of scope" list;
// this router only consumes the interface, it never implements it.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

const principalKey contextKey = "principal"

// PrincipalFromContext returns the authenticated principal, if any request
// middleware installed one.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// requireAuth rejects any request the Authenticator can't resolve to a
// Principal before it reaches a domain handler.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r)
		if err != nil {
			RespondError(w, http.StatusUnauthorized, "auth_failed", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
