// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/store"
)

// Config wires the router.
type Config struct {
	Store      store.Store
	Authorizer *authz.Authorizer

	// Authenticate rejects requests without a verified token and puts the
	// principal on the context.
	Authenticate func(http.Handler) http.Handler

	// WebSocket serves GET /ws. Nil leaves the route unregistered.
	WebSocket http.Handler

	Checks     []Check
	Middleware MiddlewareConfig
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Store == nil || cfg.Authorizer == nil || cfg.Authenticate == nil {
		return nil, errors.New("api: store, authorizer and authenticate are required")
	}
	h := &Handler{
		store:      cfg.Store,
		authorizer: cfg.Authorizer,
		checks:     cfg.Checks,
		startTime:  time.Now(),
	}
	mw := NewMiddleware(cfg.Middleware)

	r := chi.NewRouter()
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())
	r.Use(Metrics())

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if cfg.WebSocket != nil {
		r.With(mw.RateLimit(), cfg.Authenticate).Method(http.MethodGet, "/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit())
		r.Use(SecurityHeaders())
		r.Use(cfg.Authenticate)

		r.Get("/threads/{id}/unread", h.ThreadUnread)
		r.Get("/threads/{id}/deliveries", h.ThreadDeliveries)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("no such route")
	})
	return r, nil
}
