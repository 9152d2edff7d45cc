// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package dispatch

import (
	"errors"
	"fmt"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
	"github.com/tomtom215/threadline/internal/validation"
)

// Sentinels shared with the request handlers.
var (
	ErrNotParticipant = authz.ErrNotParticipant
	ErrForbidden      = authz.ErrForbidden
	ErrInvalidRequest = errors.New("invalid request")
)

// BusinessError is a failure the acting user caused. It is reported to the
// actor's room as an error event and the intent is acknowledged. Every other
// error is an infrastructure failure and dead-letters the intent.
type BusinessError struct {
	Code    models.ErrorCode
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func notFound(what string, err error) *BusinessError {
	return &BusinessError{Code: models.CodeNotFound, Message: what + " not found", Err: err}
}

// lookup classifies a failed read of a target aggregate.
func lookup(what string, err error) error {
	if store.IsNotFound(err) {
		return notFound(what, err)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func invalid(format string, a ...any) *BusinessError {
	return &BusinessError{Code: models.CodeInvalidRequest, Message: fmt.Sprintf(format, a...), Err: ErrInvalidRequest}
}

// AsBusiness classifies err. It returns nil for infrastructure failures.
func AsBusiness(err error) *BusinessError {
	if err == nil {
		return nil
	}
	var be *BusinessError
	switch {
	case errors.As(err, &be):
		return be
	case errors.Is(err, authz.ErrNotParticipant):
		return &BusinessError{Code: models.CodeForbidden, Message: "not a participant of this thread", Err: err}
	case errors.Is(err, authz.ErrForbidden):
		return &BusinessError{Code: models.CodeForbidden, Message: "action not permitted", Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &BusinessError{Code: models.CodeNotFound, Message: "not found", Err: err}
	case errors.Is(err, broker.ErrInvalidIntent), errors.Is(err, ErrInvalidRequest):
		msg := "invalid request"
		var ve *validation.RequestValidationError
		if errors.As(err, &ve) {
			msg = ve.Error()
		}
		return &BusinessError{Code: models.CodeInvalidRequest, Message: msg, Err: err}
	case errors.Is(err, store.ErrDuplicateReaction):
		return &BusinessError{Code: models.CodeInvalidRequest, Message: "already reacted to this message", Err: err}
	case errors.Is(err, store.ErrDuplicateParticipant):
		return &BusinessError{Code: models.CodeInvalidRequest, Message: "user is already a participant", Err: err}
	}
	return nil
}
