// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tomtom215/threadline/internal/logging"
)

type contextKey string

const principalContextKey contextKey = "principal"

// AuthenticatedPrincipal is the verified identity of a request. Code that
// receives one trusts it and does not re-check its fields.
type AuthenticatedPrincipal struct {
	UserID   int64
	Username string
}

// ContextWithPrincipal stores p in ctx.
func ContextWithPrincipal(ctx context.Context, p *AuthenticatedPrincipal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (*AuthenticatedPrincipal, bool) {
	p, ok := ctx.Value(principalContextKey).(*AuthenticatedPrincipal)
	return p, ok && p != nil
}

// Middleware rejects requests without a valid bearer token.
type Middleware struct {
	verifier *JWTVerifier
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(verifier *JWTVerifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Authenticate verifies the token and stores the principal in the request
// context. Failures get 401.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.verifier.Verify(extractToken(r))
		if err != nil {
			if !errors.Is(err, ErrNoCredentials) {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("Token validation failed")
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="threadline"`)
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the Authorization header, then the token query
// parameter. Browsers cannot set headers on a websocket upgrade.
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
