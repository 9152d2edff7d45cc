// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

const messageColumns = `id, conversation_id, sender_id, content, reply_to_id, created_at, updated_at`

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m       models.Message
		content string
		replyTo sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &content, &replyTo, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
		return nil, fmt.Errorf("decode content of message %d: %w", m.ID, err)
	}
	m.ReplyToID = nullInt(replyTo)
	m.CreatedAt, m.UpdatedAt = m.CreatedAt.UTC(), m.UpdatedAt.UTC()
	return &m, nil
}

func (r *repo) queryMessages(ctx context.Context, q string, a ...any) ([]models.Message, error) {
	rows, err := r.q.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func encodeContent(c models.MessageContent) (string, error) {
	if c == nil {
		c = models.MessageContent{}
	}
	b, err := json.Marshal(c)
	return string(b), err
}

func (r *repo) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	content, err := encodeContent(m.Content)
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}
	if _, err := r.GetConversation(ctx, m.ConversationID); err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, reply_to_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+messageColumns,
		m.ConversationID, m.SenderID, content, optInt(m.ReplyToID), r.stamp(m.CreatedAt))
	out, err := scanMessage(row)
	return out, wrap(err, nil, "create message")
}

func (r *repo) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	return m, wrap(err, nil, "message %d", id)
}

func (r *repo) GetMessages(ctx context.Context, ids []int64) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	a := args{}
	ms, err := r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE id IN `+a.in(ids)+` ORDER BY id`, a...)
	return ms, wrap(err, nil, "get messages")
}

// UpdateMessage merges content into the stored object.
func (r *repo) UpdateMessage(ctx context.Context, id int64, content models.MessageContent, at time.Time) (*models.Message, error) {
	var out *models.Message
	err := r.atomic(ctx, func(tx *repo) error {
		current, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		merged, err := encodeContent(current.Content.Merge(content))
		if err != nil {
			return fmt.Errorf("encode message content: %w", err)
		}
		out, err = scanMessage(tx.q.QueryRowContext(ctx,
			`UPDATE messages SET content = $1, updated_at = $2 WHERE id = $3 RETURNING `+messageColumns,
			merged, tx.stamp(at), id))
		return wrap(err, nil, "update message %d", id)
	})
	return out, err
}

func (r *repo) DeleteMessages(ctx context.Context, ids []int64) error {
	return r.atomic(ctx, func(tx *repo) error { return tx.deleteMessages(ctx, ids) })
}

// deleteMessages removes the messages with their reactions, attachments and
// every event about them except bulk deletions, which are keyed by sender.
func (r *repo) deleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	events := func(a *args) string {
		return `SELECT id FROM domain_events WHERE aggregate_type = ` + a.add(string(models.AggregateMessage)) +
			` AND event_type <> ` + a.add(string(models.KindBulkMessageDeleted)) +
			` AND aggregate_id IN ` + a.in(ids)
	}
	stmts := []func(a *args) string{
		func(a *args) string { return `DELETE FROM delivery_status WHERE domain_event_id IN (` + events(a) + `)` },
		func(a *args) string { return `DELETE FROM domain_events WHERE id IN (` + events(a) + `)` },
		func(a *args) string { return `DELETE FROM reactions WHERE message_id IN ` + a.in(ids) },
		func(a *args) string { return `DELETE FROM attachments WHERE message_id IN ` + a.in(ids) },
		func(a *args) string { return `DELETE FROM messages WHERE id IN ` + a.in(ids) },
	}
	for _, build := range stmts {
		a := args{}
		q := build(&a)
		if _, err := r.q.ExecContext(ctx, q, a...); err != nil {
			return wrap(err, nil, "delete messages")
		}
	}
	return nil
}

// afterCursor matches rows positioned after ($2, $3) in (created_at, id)
// order. DuckDB has no row-value comparison, hence the expanded form.
const afterCursor = `(created_at > $2 OR (created_at = $2 AND id > $3))`

func (r *repo) ListMessagesAfter(ctx context.Context, conversationID int64, after store.Cursor, limit int) ([]models.Message, error) {
	a := args{conversationID, after.At.UTC(), after.MessageID}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND ` + afterCursor + ` ORDER BY created_at, id` + limitClause(&a, limit)
	ms, err := r.queryMessages(ctx, q, a...)
	return ms, wrap(err, nil, "messages of %d", conversationID)
}

func (r *repo) LastMessage(ctx context.Context, conversationID int64) (*models.Message, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID))
	return m, wrap(err, nil, "last message of %d", conversationID)
}

func (r *repo) CountMessagesAfter(ctx context.Context, conversationID int64, after store.Cursor, excludeSender int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND `+afterCursor+` AND sender_id <> $4`,
		conversationID, after.At.UTC(), after.MessageID, excludeSender).Scan(&n)
	return n, wrap(err, nil, "count messages of %d", conversationID)
}

// Reactions

const reactionColumns = `id, message_id, conversation_id, user_id, emoji_hex, created_at`

func scanReaction(row scanner) (*models.Reaction, error) {
	var rc models.Reaction
	if err := row.Scan(&rc.ID, &rc.MessageID, &rc.ConversationID, &rc.UserID, &rc.EmojiHex, &rc.CreatedAt); err != nil {
		return nil, err
	}
	rc.CreatedAt = rc.CreatedAt.UTC()
	return &rc, nil
}

func (r *repo) CreateReaction(ctx context.Context, rc *models.Reaction) (*models.Reaction, error) {
	msg, err := r.GetMessage(ctx, rc.MessageID)
	if err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO reactions (message_id, conversation_id, user_id, emoji_hex, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+reactionColumns,
		rc.MessageID, msg.ConversationID, rc.UserID, rc.EmojiHex, r.stamp(rc.CreatedAt))
	out, err := scanReaction(row)
	return out, wrap(err, store.ErrDuplicateReaction, "react to message %d", rc.MessageID)
}

func (r *repo) GetReaction(ctx context.Context, id int64) (*models.Reaction, error) {
	rc, err := scanReaction(r.q.QueryRowContext(ctx, `SELECT `+reactionColumns+` FROM reactions WHERE id = $1`, id))
	return rc, wrap(err, nil, "reaction %d", id)
}

func (r *repo) GetUserReaction(ctx context.Context, messageID, userID int64) (*models.Reaction, error) {
	rc, err := scanReaction(r.q.QueryRowContext(ctx,
		`SELECT `+reactionColumns+` FROM reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID))
	return rc, wrap(err, nil, "reaction of %d on %d", userID, messageID)
}

func (r *repo) DeleteReaction(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM reactions WHERE id = $1`, id)
	if err != nil {
		return wrap(err, nil, "delete reaction %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reaction %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *repo) CountReactions(ctx context.Context, messageIDs []int64) (map[int64][]models.ReactionCount, error) {
	out := map[int64][]models.ReactionCount{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	a := args{}
	rows, err := r.q.QueryContext(ctx, `
		SELECT message_id, emoji_hex, COUNT(*) FROM reactions
		WHERE message_id IN `+a.in(messageIDs)+`
		GROUP BY message_id, emoji_hex
		ORDER BY message_id, emoji_hex`, a...)
	if err != nil {
		return nil, wrap(err, nil, "count reactions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			mid int64
			rc  models.ReactionCount
		)
		if err := rows.Scan(&mid, &rc.EmojiHex, &rc.Count); err != nil {
			return nil, wrap(err, nil, "scan reaction count")
		}
		out[mid] = append(out[mid], rc)
	}
	return out, rows.Err()
}

// Attachments

const attachmentColumns = `id, message_id, uploader_id, file_type, url, thumbnail_url, created_at`

func (r *repo) queryAttachments(ctx context.Context, q string, a ...any) ([]models.Attachment, error) {
	rows, err := r.q.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, wrap(err, nil, "query attachments")
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var at models.Attachment
		if err := rows.Scan(&at.ID, &at.MessageID, &at.UploaderID, &at.FileType, &at.URL, &at.ThumbnailURL, &at.CreatedAt); err != nil {
			return nil, wrap(err, nil, "scan attachment")
		}
		at.CreatedAt = at.CreatedAt.UTC()
		out = append(out, at)
	}
	return out, rows.Err()
}

func (r *repo) CreateAttachments(ctx context.Context, as []models.Attachment) ([]models.Attachment, error) {
	if len(as) == 0 {
		return nil, nil
	}
	var out []models.Attachment
	err := r.atomic(ctx, func(tx *repo) error {
		a := args{}
		rows := make([]string, len(as))
		for i, at := range as {
			if _, err := tx.GetMessage(ctx, at.MessageID); err != nil {
				return err
			}
			rows[i] = fmt.Sprintf("(%s, %s, %s, %s, %s, %s)",
				a.add(at.MessageID), a.add(at.UploaderID), a.add(string(at.FileType)),
				a.add(at.URL), a.add(at.ThumbnailURL), a.add(tx.stamp(at.CreatedAt)))
		}
		var err error
		out, err = tx.queryAttachments(ctx, `
			INSERT INTO attachments (message_id, uploader_id, file_type, url, thumbnail_url, created_at)
			VALUES `+strings.Join(rows, ", ")+`
			RETURNING `+attachmentColumns, a...)
		return err
	})
	return out, err
}

func (r *repo) GetAttachments(ctx context.Context, ids []int64) ([]models.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	a := args{}
	return r.queryAttachments(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id IN `+a.in(ids)+` ORDER BY id`, a...)
}

func (r *repo) ListAttachments(ctx context.Context, messageID int64) ([]models.Attachment, error) {
	return r.queryAttachments(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE message_id = $1 ORDER BY id`, messageID)
}

func (r *repo) ListAttachmentsByMessages(ctx context.Context, messageIDs []int64) (map[int64][]models.Attachment, error) {
	out := map[int64][]models.Attachment{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	a := args{}
	all, err := r.queryAttachments(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE message_id IN `+a.in(messageIDs)+` ORDER BY id`, a...)
	if err != nil {
		return nil, err
	}
	for _, at := range all {
		out[at.MessageID] = append(out[at.MessageID], at)
	}
	return out, nil
}

func (r *repo) DeleteAttachments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	a := args{}
	_, err := r.q.ExecContext(ctx, `DELETE FROM attachments WHERE id IN `+a.in(ids), a...)
	return wrap(err, nil, "delete attachments")
}

// Offsets

const offsetColumns = `id, conversation_id, user_id, last_message_id, last_offset_at, updated_at`

func scanOffset(row scanner) (*models.ThreadOffset, error) {
	var (
		o    models.ThreadOffset
		last sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.ConversationID, &o.UserID, &last, &o.LastOffsetAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.LastMessageID = nullInt(last)
	o.LastOffsetAt, o.UpdatedAt = o.LastOffsetAt.UTC(), o.UpdatedAt.UTC()
	return &o, nil
}

func (r *repo) GetThreadOffset(ctx context.Context, conversationID, userID int64) (*models.ThreadOffset, error) {
	o, err := scanOffset(r.q.QueryRowContext(ctx,
		`SELECT `+offsetColumns+` FROM thread_offsets WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID))
	return o, wrap(err, nil, "offset of %d in %d", userID, conversationID)
}

func (r *repo) UpsertThreadOffset(ctx context.Context, o *models.ThreadOffset) (*models.ThreadOffset, error) {
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO thread_offsets (conversation_id, user_id, last_message_id, last_offset_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_offset_at = excluded.last_offset_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_offset_at > thread_offsets.last_offset_at
			OR (excluded.last_offset_at = thread_offsets.last_offset_at
				AND COALESCE(excluded.last_message_id, 0) >= COALESCE(thread_offsets.last_message_id, 0))
		RETURNING `+offsetColumns,
		o.ConversationID, o.UserID, optInt(o.LastMessageID), r.stamp(o.LastOffsetAt), r.stamp(o.UpdatedAt))
	out, err := scanOffset(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The stored cursor is ahead; the update was skipped.
		return r.GetThreadOffset(ctx, o.ConversationID, o.UserID)
	}
	return out, wrap(err, nil, "upsert offset of %d in %d", o.UserID, o.ConversationID)
}
