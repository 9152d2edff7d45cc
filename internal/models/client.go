// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package models

// ErrorCode classifies an error event sent to a client.
type ErrorCode string

const (
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeNotFound       ErrorCode = "not_found"
	CodeForbidden      ErrorCode = "forbidden"
	CodeInvalidRequest ErrorCode = "invalid_request"
	CodeInternal       ErrorCode = "internal"
)

// ErrorEvent is the data of an "error" client event.
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Event is the inbound client event that failed, when known.
	Event string `json:"event,omitempty"`
	AckID string `json:"ack_id,omitempty"`
}
