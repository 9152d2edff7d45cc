// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/validation"
)

// Metadata keys set on every intent message.
const (
	MetadataRoutingKey    = "routing_key"
	MetadataCorrelationID = "correlation_id"
)

// ErrInvalidIntent wraps envelope and payload decoding failures.
var ErrInvalidIntent = errors.New("invalid intent")

// Actor is the authenticated user an intent acts for.
type Actor struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Username string `json:"username"`
}

// Intent is a validated request that has not been applied yet. Dispatchers
// re-resolve the actor and every target from the store; the envelope only
// says what was asked.
type Intent struct {
	ID            string          `json:"id"`
	RoutingKey    string          `json:"routing_key"`
	Actor         Actor           `json:"actor"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewIntent validates payload and wraps it. The correlation id is taken from
// ctx, or generated when ctx has none.
func NewIntent(ctx context.Context, actor Actor, payload interface{}) (*Intent, error) {
	if err := validation.Validate(&actor); err != nil {
		return nil, fmt.Errorf("%w: actor: %w", ErrInvalidIntent, err)
	}
	if err := validation.Validate(payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal intent payload: %w", err)
	}

	correlationID := logging.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
	}

	return &Intent{
		ID:            uuid.New().String(),
		Actor:         actor,
		Data:          data,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v and validates it.
func (in *Intent) Decode(v interface{}) error {
	if len(in.Data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidIntent)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}
	if err := validation.Validate(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}
	return nil
}

// Context returns ctx carrying the intent's correlation id.
func (in *Intent) Context(ctx context.Context) context.Context {
	if in.CorrelationID == "" {
		return ctx
	}
	return logging.ContextWithCorrelationID(ctx, in.CorrelationID)
}

// Message encodes the intent as a Watermill message whose UUID is the intent id.
func (in *Intent) Message() (*message.Message, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal intent: %w", err)
	}
	msg := message.NewMessage(in.ID, data)
	msg.Metadata.Set(MetadataRoutingKey, in.RoutingKey)
	if in.CorrelationID != "" {
		msg.Metadata.Set(MetadataCorrelationID, in.CorrelationID)
	}
	return msg, nil
}

// IntentFromMessage decodes the envelope of msg.
func IntentFromMessage(msg *message.Message) (*Intent, error) {
	return DecodeIntent(msg.Payload, msg.Metadata.Get(MetadataRoutingKey))
}

// DecodeIntent decodes an encoded envelope. fallbackKey fills an empty routing key.
func DecodeIntent(data []byte, fallbackKey string) (*Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIntent, err)
	}
	if in.RoutingKey == "" {
		in.RoutingKey = fallbackKey
	}
	if in.ID == "" || in.RoutingKey == "" {
		return nil, fmt.Errorf("%w: missing id or routing key", ErrInvalidIntent)
	}
	return &in, nil
}
