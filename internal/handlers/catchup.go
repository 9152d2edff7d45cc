// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/metrics"
	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

const (
	// DefaultCatchupPageSize bounds the messages pushed by one open_thread.
	DefaultCatchupPageSize = 100

	// staleRetryLimit matches the largest RetryIntent.
	staleRetryLimit = 1000
)

// PendingItem pairs a missed message with the event that created it. Event
// is nil when the creation event no longer exists.
type PendingItem struct {
	Event   *models.EventRef `json:"event"`
	Message models.Message   `json:"message"`
}

// PendingMessages is the data of pending_messages_of_thread. HasMore is set
// when the page was full; opening the thread again returns the next page.
type PendingMessages struct {
	Thread  models.Conversation `json:"thread"`
	Items   []PendingItem       `json:"items"`
	HasMore bool                `json:"has_more"`
}

// PendingReactions is the data of pending_reactions_of_thread, keyed by
// message id.
type PendingReactions struct {
	Thread    models.Conversation              `json:"thread"`
	Reactions map[int64][]models.ReactionCount `json:"reactions"`
}

// Catchup rebuilds what a reconnecting client missed in one thread. It is
// pull based: messages after the read offset are pushed in one batch to the
// user's personal room, and unacknowledged delivery rows are handed to the
// retry worker.
type Catchup struct {
	deps *Deps
}

func NewCatchup(deps *Deps) *Catchup {
	return &Catchup{deps: deps}
}

// Open runs the catch-up of threadID for the session's user and then moves
// the read cursor. After a full page the cursor stops at the last message
// pushed, so the rest is delivered by the next open.
func (c *Catchup) Open(ctx context.Context, s *Session, threadID int64) error {
	start := time.Now()
	if _, err := s.authorize(ctx, threadID, authz.ObjectConversation, authz.ActionRead); err != nil {
		return err
	}
	thread, err := c.deps.Store.GetConversation(ctx, threadID)
	if err != nil {
		return lookup("thread", err)
	}

	if err := c.retryStale(ctx, s, threadID); err != nil {
		return err
	}

	items, ids, err := c.pending(ctx, s.UserID(), threadID)
	if err != nil {
		return err
	}
	full := c.deps.Catchup.PageSize > 0 && len(items) >= c.deps.Catchup.PageSize
	room := models.UserRoom(s.UserID())
	if err := c.deps.Emitter.Emit(ctx, room, models.ClientPendingMessagesOfThread, PendingMessages{Thread: *thread, Items: items, HasMore: full}); err != nil {
		return fmt.Errorf("emit pending messages: %w", err)
	}

	reactions := map[int64][]models.ReactionCount{}
	if len(ids) > 0 {
		if reactions, err = c.deps.Store.CountReactions(ctx, ids); err != nil {
			return fmt.Errorf("count reactions: %w", err)
		}
	}
	if err := c.deps.Emitter.Emit(ctx, room, models.ClientPendingReactions, PendingReactions{Thread: *thread, Reactions: reactions}); err != nil {
		return fmt.Errorf("emit pending reactions: %w", err)
	}

	metrics.RecordCatchup(len(items), time.Since(start))
	logging.Ctx(ctx).Debug().
		Int64("user_id", s.UserID()).
		Int64("thread_id", threadID).
		Int("messages", len(items)).
		Bool("has_more", full).
		Msg("Thread catch-up sent")

	read := &broker.MarkReadIntent{ThreadID: threadID}
	if full {
		last := items[len(items)-1].Message.ID
		read.MessageID = &last
	}
	return s.publish(ctx, models.KeyThreadRead, read)
}

// retryStale asks the retry worker to redeliver every unacknowledged row of
// the user in the thread.
func (c *Catchup) retryStale(ctx context.Context, s *Session, threadID int64) error {
	stale, err := c.deps.Store.ListStaleDeliveries(ctx, s.UserID(), threadID, staleRetryLimit)
	if err != nil {
		return fmt.Errorf("list stale deliveries: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]int64, len(stale))
	for i, d := range stale {
		ids[i] = d.ID
	}
	return s.publish(ctx, models.KeyRetryMessage, &broker.RetryIntent{
		UserID:      s.UserID(),
		ThreadID:    threadID,
		DeliveryIDs: ids,
		Source:      broker.RetrySourceClient,
	})
}

// pending loads the messages after the user's read offset, oldest first.
func (c *Catchup) pending(ctx context.Context, userID, threadID int64) ([]PendingItem, []int64, error) {
	var after store.Cursor
	switch off, err := c.deps.Store.GetThreadOffset(ctx, threadID, userID); {
	case err == nil:
		after = store.CursorOf(off)
	case !store.IsNotFound(err):
		return nil, nil, fmt.Errorf("load offset: %w", err)
	}

	msgs, err := c.deps.Store.ListMessagesAfter(ctx, threadID, after, c.deps.Catchup.PageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	items := make([]PendingItem, 0, len(msgs))
	if len(msgs) == 0 {
		return items, nil, nil
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	attachments, err := c.deps.Store.ListAttachmentsByMessages(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("list attachments: %w", err)
	}

	for _, m := range msgs {
		m.Attachments = attachments[m.ID]
		item := PendingItem{Message: m}
		ev, err := c.deps.Store.FindEventByAggregate(ctx, models.AggregateMessage, m.ID, models.KindMessageCreated)
		switch {
		case err == nil:
			ref := ev.Ref()
			item.Event = &ref
		case store.IsNotFound(err):
			logging.Ctx(ctx).Warn().Int64("message_id", m.ID).Msg("Pending message has no creation event")
		default:
			return nil, nil, fmt.Errorf("resolve event of message %d: %w", m.ID, err)
		}
		items = append(items, item)
	}
	return items, ids, nil
}
