// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package sqlstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

const userColumns = `id, username, display_name, avatar_url, created_at, updated_at`

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt = u.CreatedAt.UTC(), u.UpdatedAt.UTC()
	return &u, nil
}

// UpsertUser inserts or refreshes a user. Empty profile fields keep their
// stored value.
func (r *repo) UpsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	id := u.ID
	if id == 0 {
		if err := r.q.QueryRowContext(ctx, `SELECT nextval('users_id_seq')`).Scan(&id); err != nil {
			return nil, wrap(err, nil, "allocate user id")
		}
	}
	now := r.stamp(u.UpdatedAt)
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			display_name = CASE WHEN excluded.display_name = '' THEN users.display_name ELSE excluded.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url = '' THEN users.avatar_url ELSE excluded.avatar_url END,
			updated_at = excluded.updated_at
		RETURNING `+userColumns,
		id, u.Username, u.DisplayName, u.AvatarURL, r.stamp(u.CreatedAt), now)
	out, err := scanUser(row)
	return out, wrap(err, nil, "upsert user %d", id)
}

func (r *repo) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, wrap(err, nil, "user %d", id)
}

func (r *repo) UpdateUserProfile(ctx context.Context, id int64, displayName, avatarURL *string, at time.Time) (*models.User, error) {
	a := args{}
	sets := []string{"updated_at = " + a.add(r.stamp(at))}
	if displayName != nil {
		sets = append(sets, "display_name = "+a.add(*displayName))
	}
	if avatarURL != nil {
		sets = append(sets, "avatar_url = "+a.add(*avatarURL))
	}
	q := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + a.add(id) + ` RETURNING ` + userColumns
	u, err := scanUser(r.q.QueryRowContext(ctx, q, a...))
	return u, wrap(err, nil, "update user %d", id)
}

const conversationColumns = `id, type, name, avatar_url, created_by, created_at, updated_at`

func scanConversation(row scanner) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

func (r *repo) CreateConversation(ctx context.Context, c *models.Conversation) (*models.Conversation, error) {
	created := r.stamp(c.CreatedAt)
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO conversations (type, name, avatar_url, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+conversationColumns,
		string(c.Type), c.Name, c.AvatarURL, c.CreatedBy, created)
	out, err := scanConversation(row)
	return out, wrap(err, nil, "create conversation")
}

func (r *repo) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	c, err := scanConversation(r.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	return c, wrap(err, nil, "conversation %d", id)
}

func (r *repo) UpdateConversation(ctx context.Context, id int64, name, avatarURL *string, at time.Time) (*models.Conversation, error) {
	a := args{}
	sets := []string{"updated_at = " + a.add(r.stamp(at))}
	if name != nil {
		sets = append(sets, "name = "+a.add(*name))
	}
	if avatarURL != nil {
		sets = append(sets, "avatar_url = "+a.add(*avatarURL))
	}
	q := `UPDATE conversations SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + a.add(id) + ` RETURNING ` + conversationColumns
	c, err := scanConversation(r.q.QueryRowContext(ctx, q, a...))
	return c, wrap(err, nil, "update conversation %d", id)
}

func (r *repo) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, r.stamp(at), id)
	if err != nil {
		return wrap(err, nil, "touch conversation %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *repo) DeleteConversation(ctx context.Context, id int64) error {
	return r.atomic(ctx, func(tx *repo) error {
		if _, err := tx.GetConversation(ctx, id); err != nil {
			return err
		}
		msgIDs, err := tx.int64s(ctx, `SELECT id FROM messages WHERE conversation_id = $1`, id)
		if err != nil {
			return wrap(err, nil, "list messages of conversation %d", id)
		}
		if err := tx.deleteMessages(ctx, msgIDs); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM participants WHERE conversation_id = $1`,
			`DELETE FROM thread_offsets WHERE conversation_id = $1`,
			`DELETE FROM conversations WHERE id = $1`,
		} {
			if _, err := tx.q.ExecContext(ctx, q, id); err != nil {
				return wrap(err, nil, "delete conversation %d", id)
			}
		}
		return nil
	})
}

func (r *repo) FindDirectConversation(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations c
		WHERE c.type = $1
		  AND EXISTS (SELECT 1 FROM participants p WHERE p.conversation_id = c.id AND p.user_id = $2)
		  AND EXISTS (SELECT 1 FROM participants p WHERE p.conversation_id = c.id AND p.user_id = $3)
		ORDER BY c.id LIMIT 1`,
		string(models.ConversationDirect), userA, userB)
	c, err := scanConversation(row)
	return c, wrap(err, nil, "direct conversation %d/%d", userA, userB)
}

func (r *repo) ListUserConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := r.int64s(ctx, `SELECT conversation_id FROM participants WHERE user_id = $1 ORDER BY conversation_id`, userID)
	return ids, wrap(err, nil, "conversations of user %d", userID)
}

const participantSelect = `
	SELECT p.id, p.conversation_id, p.user_id, COALESCE(u.username, ''), p.role, p.joined_at
	FROM participants p LEFT JOIN users u ON u.id = p.user_id`

func scanParticipant(row scanner) (models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.ConversationID, &p.UserID, &p.Username, &p.Role, &p.JoinedAt)
	p.JoinedAt = p.JoinedAt.UTC()
	return p, err
}

// AddParticipants inserts all memberships in one statement. Existing members
// and unknown users are rejected before anything is written.
func (r *repo) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64, role models.ParticipantRole, at time.Time) ([]models.Participant, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if _, err := r.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	a := args{conversationID}
	existing, err := r.int64s(ctx, `SELECT user_id FROM participants WHERE conversation_id = $1 AND user_id IN `+a.in(userIDs), a...)
	if err != nil {
		return nil, wrap(err, nil, "check participants of %d", conversationID)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("user %d in conversation %d: %w", existing[0], conversationID, store.ErrDuplicateParticipant)
	}
	a = args{}
	known, err := r.int64s(ctx, `SELECT id FROM users WHERE id IN `+a.in(userIDs), a...)
	if err != nil {
		return nil, wrap(err, nil, "check users")
	}
	for _, uid := range userIDs {
		if !slices.Contains(known, uid) {
			return nil, fmt.Errorf("user %d: %w", uid, store.ErrNotFound)
		}
	}

	a = args{}
	joined := r.stamp(at)
	rows := make([]string, len(userIDs))
	for i, uid := range userIDs {
		rows[i] = fmt.Sprintf("(%s, %s, %s, %s)", a.add(conversationID), a.add(uid), a.add(string(role)), a.add(joined))
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id, role, joined_at) VALUES `+strings.Join(rows, ", "), a...)
	if err != nil {
		return nil, wrap(err, store.ErrDuplicateParticipant, "add participants to %d", conversationID)
	}

	all, err := r.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0, len(userIDs))
	for _, p := range all {
		if slices.Contains(userIDs, p.UserID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *repo) GetParticipant(ctx context.Context, conversationID, userID int64) (*models.Participant, error) {
	p, err := scanParticipant(r.q.QueryRowContext(ctx, participantSelect+` WHERE p.conversation_id = $1 AND p.user_id = $2`, conversationID, userID))
	if err != nil {
		return nil, wrap(err, nil, "participant %d in conversation %d", userID, conversationID)
	}
	return &p, nil
}

func (r *repo) ListParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error) {
	rows, err := r.q.QueryContext(ctx, participantSelect+` WHERE p.conversation_id = $1 ORDER BY p.id`, conversationID)
	if err != nil {
		return nil, wrap(err, nil, "participants of %d", conversationID)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, wrap(err, nil, "scan participant")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repo) RemoveParticipants(ctx context.Context, conversationID int64, userIDs []int64) ([]models.Participant, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var removed []models.Participant
	err := r.atomic(ctx, func(tx *repo) error {
		all, err := tx.ListParticipants(ctx, conversationID)
		if err != nil {
			return err
		}
		for _, p := range all {
			if slices.Contains(userIDs, p.UserID) {
				removed = append(removed, p)
			}
		}
		a := args{conversationID}
		_, err = tx.q.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id = $1 AND user_id IN `+a.in(userIDs), a...)
		return wrap(err, nil, "remove participants from %d", conversationID)
	})
	return removed, err
}

// int64s runs a single-column query.
func (r *repo) int64s(ctx context.Context, q string, a ...any) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
