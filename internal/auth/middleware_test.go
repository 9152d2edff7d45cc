// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware_Authenticate(t *testing.T) {
	t.Parallel()
	mw := NewMiddleware(newTestVerifier(t))
	token := issue(t, testJWTConfig(), time.Hour, 9, "bob")

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
	}{
		{"bearer header", "Bearer " + token, "", http.StatusOK},
		{"lowercase scheme", "bearer " + token, "", http.StatusOK},
		{"query token", "", token, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"basic scheme", "Basic Zm9vOmJhcg==", token, http.StatusUnauthorized},
		{"invalid token", "Bearer nope", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got *AuthenticatedPrincipal
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = PrincipalFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.Authenticate(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && (got == nil || got.UserID != 9) {
				t.Errorf("principal = %+v", got)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestPrincipalFromContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("empty context has a principal")
	}
	ctx := ContextWithPrincipal(context.Background(), &AuthenticatedPrincipal{UserID: 3})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID != 3 {
		t.Errorf("PrincipalFromContext() = %+v, %v", p, ok)
	}
	if _, ok := PrincipalFromContext(ContextWithPrincipal(context.Background(), nil)); ok {
		t.Error("nil principal reported as present")
	}
}
