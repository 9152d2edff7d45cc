// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"errors"
	"fmt"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
	"github.com/tomtom215/threadline/internal/validation"
)

// ErrUnknownEvent is returned for a frame type nothing handles.
var ErrUnknownEvent = errors.New("unknown client event")

// Rejection is a request the caller got wrong. It is reported to the
// caller's connection and nothing is published.
type Rejection struct {
	Code    models.ErrorCode
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func rejectf(code models.ErrorCode, format string, a ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, a...)}
}

// classify maps err to the error event sent to the client. internal is true
// when the failure is ours rather than the caller's.
func classify(err error) (code models.ErrorCode, message string, internal bool) {
	var (
		rej *Rejection
		ve  *validation.RequestValidationError
	)
	switch {
	case errors.As(err, &rej):
		return rej.Code, rej.Message, false
	case errors.As(err, &ve):
		return models.CodeInvalidRequest, ve.Error(), false
	case errors.Is(err, broker.ErrInvalidIntent):
		return models.CodeInvalidRequest, "malformed payload", false
	case errors.Is(err, ErrUnknownEvent):
		return models.CodeInvalidRequest, err.Error(), false
	case errors.Is(err, authz.ErrNotParticipant):
		return models.CodeForbidden, "not a participant of this thread", false
	case errors.Is(err, authz.ErrForbidden):
		return models.CodeForbidden, "action not permitted", false
	case errors.Is(err, store.ErrNotFound):
		return models.CodeNotFound, "not found", false
	}
	return models.CodeInternal, "request could not be processed", true
}

// lookup turns a missing target into a not_found rejection.
func lookup(what string, err error) error {
	if store.IsNotFound(err) {
		return rejectf(models.CodeNotFound, "%s not found", what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
