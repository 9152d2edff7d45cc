// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"testing"

	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/models"
)

type frameCase struct {
	name  string
	user  int64
	event string
	data  any
	// key is the expected routing key; empty means the frame is rejected
	// with code.
	key  string
	code models.ErrorCode
}

// runFrames sends every case from a fresh session of its user and checks
// that accepted frames publish exactly once and rejected frames never do.
func runFrames(t *testing.T, f *fixture, tests []frameCase) {
	t.Helper()
	for _, tt := range tests {
		s, conn := f.open(tt.user, "user")
		ok := f.send(s, tt.event, tt.data)
		published := f.publisher.take()

		if tt.key == "" {
			if ok {
				t.Errorf("%s: frame accepted", tt.name)
			}
			if got, _ := conn.lastError(); got.Code != tt.code {
				t.Errorf("%s: error code = %q, want %q", tt.name, got.Code, tt.code)
			}
			if len(published) != 0 {
				t.Errorf("%s: rejected frame published %d intents", tt.name, len(published))
			}
			continue
		}
		if !ok {
			got, _ := conn.lastError()
			t.Errorf("%s: frame rejected: %+v", tt.name, got)
			continue
		}
		if len(published) != 1 || published[0].RoutingKey != tt.key {
			t.Errorf("%s: published %d intents, want one on %s", tt.name, len(published), tt.key)
			continue
		}
		if published[0].Actor.ID != tt.user {
			t.Errorf("%s: intent actor = %d", tt.name, published[0].Actor.ID)
		}
	}
}

func TestMessageHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	elsewhere := f.group(3)
	mine := f.message(1, thread.ID, "hi")
	theirs := f.message(2, thread.ID, "yo")
	foreign := f.message(3, elsewhere.ID, "far")

	text := map[string]any{"text": "edited"}
	runFrames(t, f, []frameCase{
		{"create", 1, "create_message", map[string]any{"thread_id": thread.ID, "content": text}, models.KeyMessageCreated, ""},
		{"create reply", 2, "create_message", map[string]any{"thread_id": thread.ID, "content": text, "reply_to_id": mine.ID}, models.KeyMessageCreated, ""},
		{"create non-participant", 3, "create_message", map[string]any{"thread_id": thread.ID, "content": text}, "", models.CodeForbidden},
		{"create reply elsewhere", 1, "create_message", map[string]any{"thread_id": thread.ID, "content": text, "reply_to_id": foreign.ID}, "", models.CodeInvalidRequest},
		{"create reply missing", 1, "create_message", map[string]any{"thread_id": thread.ID, "content": text, "reply_to_id": 999}, "", models.CodeNotFound},
		{"create empty content", 1, "create_message", map[string]any{"thread_id": thread.ID, "content": map[string]any{}}, "", models.CodeInvalidRequest},

		{"update own", 1, "update_message", map[string]any{"message_id": mine.ID, "content": text}, models.KeyMessageUpdated, ""},
		{"update other's", 1, "update_message", map[string]any{"message_id": theirs.ID, "content": text}, "", models.CodeForbidden},
		{"update missing", 1, "update_message", map[string]any{"message_id": 999, "content": text}, "", models.CodeNotFound},

		{"delete own", 2, "delete_message", map[string]any{"message_id": theirs.ID}, models.KeyMessageDeleted, ""},
		{"delete other's", 2, "delete_message", map[string]any{"message_id": mine.ID}, "", models.CodeForbidden},
		{"delete non-participant", 1, "delete_message", map[string]any{"message_id": foreign.ID}, "", models.CodeForbidden},

		{"bulk own", 1, "delete_message_in_bulk", map[string]any{"thread_id": thread.ID, "message_ids": []int64{mine.ID}}, models.KeyMessageBulkDeleted, ""},
		{"bulk mixed", 1, "delete_message_in_bulk", map[string]any{"thread_id": thread.ID, "message_ids": []int64{mine.ID, theirs.ID}}, "", models.CodeForbidden},
		{"bulk wrong thread", 3, "delete_message_in_bulk", map[string]any{"thread_id": elsewhere.ID, "message_ids": []int64{foreign.ID, mine.ID}}, "", models.CodeInvalidRequest},
		{"bulk missing", 1, "delete_message_in_bulk", map[string]any{"thread_id": thread.ID, "message_ids": []int64{mine.ID, 999}}, "", models.CodeNotFound},
		{"bulk duplicate ids", 1, "delete_message_in_bulk", map[string]any{"thread_id": thread.ID, "message_ids": []int64{mine.ID, mine.ID}}, "", models.CodeInvalidRequest},
	})
}

func TestMessageHandler_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	s, _ := f.open(1, "xavier")

	if !f.send(s, "create_message", broker.CreateMessageIntent{ThreadID: thread.ID, Content: models.MessageContent{"text": "hello"}}) {
		t.Fatal("create_message rejected")
	}
	f.flush()

	msg, err := f.store.LastMessage(f.ctx, thread.ID)
	if err != nil || msg.SenderID != 1 || msg.Content["text"] != "hello" {
		t.Fatalf("LastMessage() = %+v, %v", msg, err)
	}
	for _, u := range []int64{1, 2} {
		got := f.emitter.to(models.UserRoom(u))
		if len(got) != 1 || got[0].Event != "message_created" {
			t.Errorf("emits to user-%d = %+v", u, got)
		}
	}
}

func TestReactionHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	msg := f.message(1, thread.ID, "hi")
	r, err := f.store.CreateReaction(f.ctx, &models.Reaction{MessageID: msg.ID, ConversationID: thread.ID, UserID: 2, EmojiHex: "1f44d"})
	if err != nil {
		t.Fatalf("CreateReaction() error = %v", err)
	}

	runFrames(t, f, []frameCase{
		{"add", 1, "add_reaction", map[string]any{"message_id": msg.ID, "emoji_hex": "2764"}, models.KeyReactionAdded, ""},
		{"add twice", 2, "add_reaction", map[string]any{"message_id": msg.ID, "emoji_hex": "2764"}, "", models.CodeInvalidRequest},
		{"add bad emoji", 1, "add_reaction", map[string]any{"message_id": msg.ID, "emoji_hex": "smile"}, "", models.CodeInvalidRequest},
		{"add non-participant", 3, "add_reaction", map[string]any{"message_id": msg.ID, "emoji_hex": "2764"}, "", models.CodeForbidden},
		{"add missing message", 1, "add_reaction", map[string]any{"message_id": 999, "emoji_hex": "2764"}, "", models.CodeNotFound},
		{"remove own", 2, "remove_reaction", map[string]any{"reaction_id": r.ID}, models.KeyReactionRemoved, ""},
		{"remove other's", 1, "remove_reaction", map[string]any{"reaction_id": r.ID}, "", models.CodeForbidden},
		{"remove missing", 1, "remove_reaction", map[string]any{"reaction_id": 999}, "", models.CodeNotFound},
	})
}

func TestAttachmentHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	thread := f.group(1, 2)
	mine := f.message(1, thread.ID, "photo")
	theirs := f.message(2, thread.ID, "doc")
	as, err := f.store.CreateAttachments(f.ctx, []models.Attachment{
		{MessageID: mine.ID, UploaderID: 1, FileType: models.FileImage, URL: "https://cdn.example.com/a.png"},
		{MessageID: theirs.ID, UploaderID: 2, FileType: models.FileDocument, URL: "https://cdn.example.com/b.pdf"},
	})
	if err != nil {
		t.Fatalf("CreateAttachments() error = %v", err)
	}
	file := []map[string]any{{"file_type": "image", "url": "https://cdn.example.com/c.png"}}

	runFrames(t, f, []frameCase{
		{"add to own", 1, "add_attachments", map[string]any{"message_id": mine.ID, "attachments": file}, models.KeyAttachmentAdded, ""},
		{"add to other's", 1, "add_attachments", map[string]any{"message_id": theirs.ID, "attachments": file}, "", models.CodeForbidden},
		{"add bad url", 1, "add_attachments", map[string]any{"message_id": mine.ID, "attachments": []map[string]any{{"file_type": "image", "url": "not a url"}}}, "", models.CodeInvalidRequest},
		{"remove own", 1, "remove_attachments", map[string]any{"message_id": mine.ID, "attachment_ids": []int64{as[0].ID}}, models.KeyAttachmentRemoved, ""},
		{"remove other's", 1, "remove_attachments", map[string]any{"message_id": theirs.ID, "attachment_ids": []int64{as[1].ID}}, "", models.CodeForbidden},
		{"remove wrong message", 1, "remove_attachments", map[string]any{"message_id": mine.ID, "attachment_ids": []int64{as[1].ID}}, "", models.CodeInvalidRequest},
		{"remove missing", 1, "remove_attachments", map[string]any{"message_id": mine.ID, "attachment_ids": []int64{999}}, "", models.CodeNotFound},
		{"remove non-participant", 3, "remove_attachments", map[string]any{"message_id": mine.ID, "attachment_ids": []int64{as[0].ID}}, "", models.CodeForbidden},
	})
}
