// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"testing"

	"github.com/tomtom215/threadline/internal/models"
)

func TestConversationHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	team := f.group(1, 2)
	dm, err := f.store.CreateConversation(f.ctx, &models.Conversation{Type: models.ConversationDirect, CreatedBy: 1})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := f.store.AddParticipants(f.ctx, dm.ID, []int64{1, 2}, models.RoleAdmin, f.clock()); err != nil {
		t.Fatalf("AddParticipants() error = %v", err)
	}
	// A group administered by 2 but created by 1.
	handed := f.group(1, 2)
	if _, err := f.store.RemoveParticipants(f.ctx, handed.ID, []int64{1, 2}); err != nil {
		t.Fatalf("RemoveParticipants() error = %v", err)
	}
	if _, err := f.store.AddParticipants(f.ctx, handed.ID, []int64{2}, models.RoleAdmin, f.clock()); err != nil {
		t.Fatalf("AddParticipants() error = %v", err)
	}

	name := "renamed"
	runFrames(t, f, []frameCase{
		{"dm", 1, "create_dm_conversation", map[string]any{"participant_ids": []int64{3}}, models.KeyConversationCreatedDM, ""},
		{"dm listing self", 1, "create_dm_conversation", map[string]any{"participant_ids": []int64{1, 3}}, models.KeyConversationCreatedDM, ""},
		{"dm exists", 1, "create_dm_conversation", map[string]any{"participant_ids": []int64{2}}, "", models.CodeInvalidRequest},
		{"dm only self", 1, "create_dm_conversation", map[string]any{"participant_ids": []int64{1}}, "", models.CodeInvalidRequest},
		{"dm two others", 1, "create_dm_conversation", map[string]any{"participant_ids": []int64{2, 3}}, "", models.CodeInvalidRequest},
		{"dm unknown user", 1, "create_dm_conversation", map[string]any{"participant_ids": []int64{77}}, "", models.CodeNotFound},

		{"group", 1, "create_grp_conversation", map[string]any{"name": "ops", "participant_ids": []int64{2, 3}}, models.KeyConversationCreatedGrp, ""},
		{"group no name", 1, "create_grp_conversation", map[string]any{"name": "  ", "participant_ids": []int64{2}}, "", models.CodeInvalidRequest},
		{"group unknown user", 1, "create_grp_conversation", map[string]any{"name": "ops", "participant_ids": []int64{77}}, "", models.CodeNotFound},

		{"update as admin", 1, "update_group_conversation", map[string]any{"thread_id": team.ID, "name": name}, models.KeyConversationUpdatedGrp, ""},
		{"update as member", 2, "update_group_conversation", map[string]any{"thread_id": team.ID, "name": name}, "", models.CodeForbidden},
		{"update nothing", 1, "update_group_conversation", map[string]any{"thread_id": team.ID}, "", models.CodeInvalidRequest},
		{"update dm", 1, "update_group_conversation", map[string]any{"thread_id": dm.ID, "name": name}, "", models.CodeInvalidRequest},

		{"delete as creator", 1, "delete_conversation", map[string]any{"thread_id": team.ID}, models.KeyConversationDeleted, ""},
		{"delete as member", 2, "delete_conversation", map[string]any{"thread_id": team.ID}, "", models.CodeForbidden},
		{"delete as admin not creator", 2, "delete_conversation", map[string]any{"thread_id": handed.ID}, "", models.CodeForbidden},
		{"delete non-participant", 3, "delete_conversation", map[string]any{"thread_id": team.ID}, "", models.CodeForbidden},

		{"add", 1, "add_thread_participant", map[string]any{"thread_id": team.ID, "user_id": 3}, models.KeyParticipantAdded, ""},
		{"add as member", 2, "add_thread_participant", map[string]any{"thread_id": team.ID, "user_id": 3}, "", models.CodeForbidden},
		{"add existing", 1, "add_thread_participant", map[string]any{"thread_id": team.ID, "user_id": 2}, "", models.CodeInvalidRequest},
		{"add unknown", 1, "add_thread_participant", map[string]any{"thread_id": team.ID, "user_id": 77}, "", models.CodeNotFound},
		{"add to dm", 1, "add_thread_participant", map[string]any{"thread_id": dm.ID, "user_id": 3}, "", models.CodeInvalidRequest},
		{"add bad role", 1, "add_thread_participant", map[string]any{"thread_id": team.ID, "user_id": 3, "role": "owner"}, "", models.CodeInvalidRequest},
		{"add many", 1, "add_multiple_participant", map[string]any{"thread_id": team.ID, "user_ids": []int64{3}}, models.KeyParticipantMultipleAdd, ""},
		{"add many with existing", 1, "add_multiple_participant", map[string]any{"thread_id": team.ID, "user_ids": []int64{3, 2}}, "", models.CodeInvalidRequest},

		{"remove as admin", 1, "remove_thread_participant", map[string]any{"thread_id": team.ID, "user_ids": []int64{2}}, models.KeyParticipantRemoved, ""},
		{"remove self", 2, "remove_thread_participant", map[string]any{"thread_id": team.ID, "user_ids": []int64{2}}, models.KeyParticipantRemoved, ""},
		{"remove other as member", 2, "remove_thread_participant", map[string]any{"thread_id": team.ID, "user_ids": []int64{1}}, "", models.CodeForbidden},
		{"remove non-member", 1, "remove_thread_participant", map[string]any{"thread_id": team.ID, "user_ids": []int64{3}}, "", models.CodeNotFound},
	})
}

func TestUserHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	runFrames(t, f, []frameCase{
		{"display name", 1, "update_profile", map[string]any{"display_name": "X"}, models.KeyUserProfileUpdated, ""},
		{"avatar", 1, "update_profile", map[string]any{"avatar_url": "https://cdn.example.com/x.png"}, models.KeyUserProfileUpdated, ""},
		{"nothing", 1, "update_profile", map[string]any{}, "", models.CodeInvalidRequest},
		{"bad avatar", 1, "update_profile", map[string]any{"avatar_url": "x"}, "", models.CodeInvalidRequest},
	})
}
