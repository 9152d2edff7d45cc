// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

/*
Package api is the gateway's HTTP surface, routed with chi.

	GET /ws                              websocket upgrade (bearer token)
	GET /api/v1/threads/{id}/unread      unread count for the caller
	GET /api/v1/threads/{id}/deliveries  the caller's unacknowledged deliveries
	GET /healthz                         liveness
	GET /readyz                          component readiness
	GET /metrics                         Prometheus exposition

Every route gets a request id that is also placed on the logging context.
The /ws and /api/v1 routes require a verified token; the thread routes
additionally require the caller to be a participant of the thread.

JSON responses share one envelope:

	{"success": true, "data": {...}, "meta": {"request_id": "...", "timestamp": "..."}}
	{"success": false, "error": {"code": "FORBIDDEN", "message": "..."}}
*/
package api
