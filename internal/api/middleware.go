package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/vaultline/escrow/internal/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// requireAuth resolves the bearer token through the Identity Gate and
// attaches the principal to the request context. Identity is resolved
// once here; nothing downstream reads ambient state.
func requireAuth(gate auth.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			principal, err := gate.Resolve(strings.TrimSpace(token))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callerFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey).(auth.Principal)
	return p
}
