// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/threadline/internal/auth"
	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

const (
	defaultDeliveryLimit = 100
	maxDeliveryLimit     = 500
)

// Handler serves the REST endpoints.
type Handler struct {
	store      store.Store
	authorizer *authz.Authorizer
	checks     []Check
	startTime  time.Time
}

// UnreadCount is the body of GET /api/v1/threads/{id}/unread.
type UnreadCount struct {
	ThreadID      int64      `json:"thread_id"`
	Unread        int        `json:"unread"`
	LastMessageID *int64     `json:"last_message_id,omitempty"`
	LastOffsetAt  *time.Time `json:"last_offset_at,omitempty"`
}

// Delivery is one delivery row with its derived state.
type Delivery struct {
	models.DeliveryStatus
	State models.DeliveryState `json:"state"`
}

// StaleDeliveries is the body of GET /api/v1/threads/{id}/deliveries.
type StaleDeliveries struct {
	ThreadID   int64      `json:"thread_id"`
	Deliveries []Delivery `json:"deliveries"`
}

// ThreadUnread counts messages after the caller's read cursor, excluding
// the caller's own. Without a cursor every message counts.
func (h *Handler) ThreadUnread(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	threadID, userID, ok := h.threadAccess(rw, r)
	if !ok {
		return
	}

	body := UnreadCount{ThreadID: threadID}
	var after store.Cursor
	switch off, err := h.store.GetThreadOffset(r.Context(), threadID, userID); {
	case err == nil:
		after = store.CursorOf(off)
		body.LastMessageID = off.LastMessageID
		body.LastOffsetAt = &off.LastOffsetAt
	case !store.IsNotFound(err):
		rw.InternalError(err)
		return
	}

	n, err := h.store.CountMessagesAfter(r.Context(), threadID, after, userID)
	if err != nil {
		rw.InternalError(err)
		return
	}
	body.Unread = n
	rw.Success(body)
}

// ThreadDeliveries lists the caller's unacknowledged deliveries in the
// thread, oldest first. ?limit caps the page (default 100, max 500).
func (h *Handler) ThreadDeliveries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			rw.BadRequest("limit must be a positive integer")
			return
		}
		limit = min(n, maxDeliveryLimit)
	}

	threadID, userID, ok := h.threadAccess(rw, r)
	if !ok {
		return
	}

	rows, err := h.store.ListStaleDeliveries(r.Context(), userID, threadID, limit)
	if err != nil {
		rw.InternalError(err)
		return
	}
	body := StaleDeliveries{ThreadID: threadID, Deliveries: make([]Delivery, 0, len(rows))}
	for i := range rows {
		body.Deliveries = append(body.Deliveries, Delivery{DeliveryStatus: rows[i], State: rows[i].State()})
	}
	rw.Success(body)
}

// threadAccess resolves the {id} parameter and requires the caller to be
// allowed to read the thread. It writes the error response itself.
func (h *Handler) threadAccess(rw *ResponseWriter, r *http.Request) (threadID, userID int64, ok bool) {
	p, found := auth.PrincipalFromContext(r.Context())
	if !found {
		rw.Error(http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return 0, 0, false
	}
	threadID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || threadID <= 0 {
		rw.BadRequest("thread id must be a positive integer")
		return 0, 0, false
	}

	_, err = h.authorizer.Authorize(r.Context(), h.store, threadID, p.UserID, authz.ObjectConversation, authz.ActionRead)
	switch {
	case err == nil:
		return threadID, p.UserID, true
	case errors.Is(err, authz.ErrNotParticipant):
		rw.Forbidden("not a participant of the thread")
	case errors.Is(err, authz.ErrForbidden):
		rw.Forbidden("action not permitted")
	default:
		rw.InternalError(err)
	}
	return 0, 0, false
}

// Check is one readiness probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Healthz reports liveness. It never touches dependencies.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"alive":  true,
		"uptime": time.Since(h.startTime).Seconds(),
	})
}

// Readyz runs every check with its own timeout and returns 503 when any
// fails. The body lists each component.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(h.checks))
	ready := true
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Run(ctx)
		cancel()
		if err != nil {
			ready = false
			components[c.Name] = err.Error()
			continue
		}
		components[c.Name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	NewResponseWriter(w, r).Status(status, map[string]interface{}{
		"ready":      ready,
		"components": components,
		"uptime":     time.Since(h.startTime).Seconds(),
	})
}
