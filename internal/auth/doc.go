// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package auth verifies bearer tokens and carries the resulting principal.

Tokens are HS256 JWTs whose subject is the decimal user id and which carry a
username claim. Issuance belongs to an external identity service; TokenIssuer
exists only for tests and the dev "token" command.

Usage:

	verifier, err := auth.NewJWTVerifier(&cfg.Security)
	mw := auth.NewMiddleware(verifier)
	r.With(mw.Authenticate).Get("/ws", endpoint.ServeHTTP)

	// downstream
	p, _ := auth.PrincipalFromContext(r.Context())
*/
package auth
