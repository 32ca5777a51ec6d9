package api

import (
	"context"
	"net/http"

	"termshare/internal/auth"
	"termshare/internal/authz"
)

type contextKey string

const principalContextKey contextKey = "principal"

// RequireAuth validates the bearer token and attaches the principal to the
// request context.
func RequireAuth(verifier *auth.Verifier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := verifier.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next(w, r.WithContext(ctx))
	}
}

// RequireRole layers an authority check on top of RequireAuth.
func RequireRole(verifier *auth.Verifier, action authz.Action, next http.HandlerFunc) http.HandlerFunc {
	return RequireAuth(verifier, func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r.Context())
		if !authz.Allows(p.Role, action) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r)
	})
}

// PrincipalFrom returns the authenticated principal stored by RequireAuth.
func PrincipalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalContextKey).(auth.Principal)
	return p
}
