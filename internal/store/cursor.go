// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package store

import (
	"time"

	"github.com/tomtom215/threadline/internal/models"
)

// Cursor is a position in a thread's message order, which sorts by
// created_at and then by id. Messages sharing a timestamp are told apart by
// MessageID. The zero Cursor precedes every message.
type Cursor struct {
	At        time.Time
	MessageID int64
}

// CursorOf returns the position of a read offset.
func CursorOf(o *models.ThreadOffset) Cursor {
	c := Cursor{At: o.LastOffsetAt}
	if o.LastMessageID != nil {
		c.MessageID = *o.LastMessageID
	}
	return c
}

// Before reports whether c sorts strictly before d.
func (c Cursor) Before(d Cursor) bool {
	if c.At.Equal(d.At) {
		return c.MessageID < d.MessageID
	}
	return c.At.Before(d.At)
}

// Passes reports whether m sorts strictly after c.
func (c Cursor) Passes(m *models.Message) bool {
	return c.Before(Cursor{At: m.CreatedAt, MessageID: m.ID})
}
