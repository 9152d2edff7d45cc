// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

// Package validation provides struct validation using go-playground/validator v10.
//
// A single validator instance is shared by the gateway (inbound client
// payloads) and the broker (intent payloads), so both sides agree on what a
// well-formed request is. Field names in errors use the json tag, which is
// what clients see on the wire.
//
// # Custom tags
//
//   - emojihex: one or more hex code points joined by '-' (e.g. "1f44d", "1f468-200d-1f469")
//   - uniqueids: a []int64 without repeated values
//
// # Usage
//
//	type ReactionIntent struct {
//	    MessageID int64  `json:"message_id" validate:"required,gt=0"`
//	    EmojiHex  string `json:"emoji_hex" validate:"required,emojihex"`
//	}
//
//	if verr := validation.ValidateStruct(&in); verr != nil {
//	    return verr // verr.Error() is safe to show to the caller
//	}
package validation
