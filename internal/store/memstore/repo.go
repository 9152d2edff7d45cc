// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func timePtr(t time.Time) *time.Time { return &t }

// Users

func (r *repo) UpsertUser(_ context.Context, u *models.User) (*models.User, error) {
	st, done := r.begin()
	defer done()

	now := r.stamp(u.UpdatedAt)
	out := *u
	if existing, ok := st.users[u.ID]; ok {
		out.CreatedAt = existing.CreatedAt
		if out.DisplayName == "" {
			out.DisplayName = existing.DisplayName
		}
		if out.AvatarURL == "" {
			out.AvatarURL = existing.AvatarURL
		}
	} else {
		out.CreatedAt = r.stamp(u.CreatedAt)
		if out.ID == 0 {
			out.ID = st.next("users")
		}
	}
	out.UpdatedAt = now
	st.users[out.ID] = out
	return &out, nil
}

func (r *repo) GetUser(_ context.Context, id int64) (*models.User, error) {
	st, done := r.begin()
	defer done()

	u, ok := st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return &u, nil
}

func (r *repo) UpdateUserProfile(_ context.Context, id int64, displayName, avatarURL *string, at time.Time) (*models.User, error) {
	st, done := r.begin()
	defer done()

	u, ok := st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	if displayName != nil {
		u.DisplayName = *displayName
	}
	if avatarURL != nil {
		u.AvatarURL = *avatarURL
	}
	u.UpdatedAt = r.stamp(at)
	st.users[id] = u
	return &u, nil
}

// Conversations

func (r *repo) CreateConversation(_ context.Context, c *models.Conversation) (*models.Conversation, error) {
	st, done := r.begin()
	defer done()

	out := *c
	out.ID = st.next("conversations")
	out.CreatedAt = r.stamp(c.CreatedAt)
	out.UpdatedAt = out.CreatedAt
	st.conversations[out.ID] = out
	return &out, nil
}

func (r *repo) GetConversation(_ context.Context, id int64) (*models.Conversation, error) {
	st, done := r.begin()
	defer done()

	c, ok := st.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
	}
	return &c, nil
}

func (r *repo) UpdateConversation(_ context.Context, id int64, name, avatarURL *string, at time.Time) (*models.Conversation, error) {
	st, done := r.begin()
	defer done()

	c, ok := st.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
	}
	if name != nil {
		c.Name = *name
	}
	if avatarURL != nil {
		c.AvatarURL = *avatarURL
	}
	c.UpdatedAt = r.stamp(at)
	st.conversations[id] = c
	return &c, nil
}

func (r *repo) TouchConversation(_ context.Context, id int64, at time.Time) error {
	st, done := r.begin()
	defer done()

	c, ok := st.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
	}
	c.UpdatedAt = r.stamp(at)
	st.conversations[id] = c
	return nil
}

func (r *repo) DeleteConversation(_ context.Context, id int64) error {
	st, done := r.begin()
	defer done()

	if _, ok := st.conversations[id]; !ok {
		return fmt.Errorf("conversation %d: %w", id, store.ErrNotFound)
	}
	var msgIDs []int64
	for mid, m := range st.messages {
		if m.ConversationID == id {
			msgIDs = append(msgIDs, mid)
		}
	}
	deleteMessages(st, msgIDs)
	for pid, p := range st.participants {
		if p.ConversationID == id {
			delete(st.participants, pid)
		}
	}
	for oid, o := range st.offsets {
		if o.ConversationID == id {
			delete(st.offsets, oid)
		}
	}
	delete(st.conversations, id)
	return nil
}

func (r *repo) FindDirectConversation(_ context.Context, userA, userB int64) (*models.Conversation, error) {
	st, done := r.begin()
	defer done()

	for _, cid := range sortedKeys(st.conversations) {
		c := st.conversations[cid]
		if c.Type != models.ConversationDirect {
			continue
		}
		var hasA, hasB bool
		for _, p := range st.participants {
			if p.ConversationID != cid {
				continue
			}
			hasA = hasA || p.UserID == userA
			hasB = hasB || p.UserID == userB
		}
		if hasA && hasB {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("direct conversation %d/%d: %w", userA, userB, store.ErrNotFound)
}

func (r *repo) ListUserConversationIDs(_ context.Context, userID int64) ([]int64, error) {
	st, done := r.begin()
	defer done()

	var ids []int64
	for _, p := range st.participants {
		if p.UserID == userID {
			ids = append(ids, p.ConversationID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Participants

func (r *repo) AddParticipants(_ context.Context, conversationID int64, userIDs []int64, role models.ParticipantRole, at time.Time) ([]models.Participant, error) {
	st, done := r.begin()
	defer done()

	if _, ok := st.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, store.ErrNotFound)
	}
	seen := map[int64]bool{}
	for _, p := range st.participants {
		if p.ConversationID == conversationID {
			seen[p.UserID] = true
		}
	}
	for _, uid := range userIDs {
		if seen[uid] {
			return nil, fmt.Errorf("user %d in conversation %d: %w", uid, conversationID, store.ErrDuplicateParticipant)
		}
		if _, ok := st.users[uid]; !ok {
			return nil, fmt.Errorf("user %d: %w", uid, store.ErrNotFound)
		}
		seen[uid] = true
	}

	out := make([]models.Participant, 0, len(userIDs))
	for _, uid := range userIDs {
		p := models.Participant{
			ID:             st.next("participants"),
			ConversationID: conversationID,
			UserID:         uid,
			Role:           role,
			JoinedAt:       r.stamp(at),
		}
		st.participants[p.ID] = p
		p.Username = st.users[uid].Username
		out = append(out, p)
	}
	return out, nil
}

func (r *repo) GetParticipant(_ context.Context, conversationID, userID int64) (*models.Participant, error) {
	st, done := r.begin()
	defer done()

	for _, p := range st.participants {
		if p.ConversationID == conversationID && p.UserID == userID {
			p.Username = st.users[userID].Username
			return &p, nil
		}
	}
	return nil, fmt.Errorf("participant %d in conversation %d: %w", userID, conversationID, store.ErrNotFound)
}

func (r *repo) ListParticipants(_ context.Context, conversationID int64) ([]models.Participant, error) {
	st, done := r.begin()
	defer done()
	return listParticipants(st, conversationID), nil
}

func listParticipants(st *state, conversationID int64) []models.Participant {
	var out []models.Participant
	for _, id := range sortedKeys(st.participants) {
		p := st.participants[id]
		if p.ConversationID == conversationID {
			p.Username = st.users[p.UserID].Username
			out = append(out, p)
		}
	}
	return out
}

func (r *repo) RemoveParticipants(_ context.Context, conversationID int64, userIDs []int64) ([]models.Participant, error) {
	st, done := r.begin()
	defer done()

	var removed []models.Participant
	for _, p := range listParticipants(st, conversationID) {
		if slices.Contains(userIDs, p.UserID) {
			delete(st.participants, p.ID)
			removed = append(removed, p)
		}
	}
	return removed, nil
}

// Messages

func (r *repo) CreateMessage(_ context.Context, m *models.Message) (*models.Message, error) {
	st, done := r.begin()
	defer done()

	if _, ok := st.conversations[m.ConversationID]; !ok {
		return nil, fmt.Errorf("conversation %d: %w", m.ConversationID, store.ErrNotFound)
	}
	out := *m
	out.ID = st.next("messages")
	out.CreatedAt = r.stamp(m.CreatedAt)
	out.UpdatedAt = out.CreatedAt
	out.Attachments = nil
	st.messages[out.ID] = out
	return &out, nil
}

func (r *repo) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	st, done := r.begin()
	defer done()

	m, ok := st.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	return &m, nil
}

func (r *repo) GetMessages(_ context.Context, ids []int64) ([]models.Message, error) {
	st, done := r.begin()
	defer done()

	var out []models.Message
	for _, id := range sortedKeys(st.messages) {
		if slices.Contains(ids, id) {
			out = append(out, st.messages[id])
		}
	}
	return out, nil
}

func (r *repo) UpdateMessage(_ context.Context, id int64, content models.MessageContent, at time.Time) (*models.Message, error) {
	st, done := r.begin()
	defer done()

	m, ok := st.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
	}
	m.Content = m.Content.Merge(content)
	m.UpdatedAt = r.stamp(at)
	st.messages[id] = m
	return &m, nil
}

func (r *repo) DeleteMessages(_ context.Context, ids []int64) error {
	st, done := r.begin()
	defer done()

	deleteMessages(st, ids)
	return nil
}

func deleteMessages(st *state, ids []int64) {
	for _, id := range ids {
		for rid, rc := range st.reactions {
			if rc.MessageID == id {
				delete(st.reactions, rid)
			}
		}
		for aid, a := range st.attachments {
			if a.MessageID == id {
				delete(st.attachments, aid)
			}
		}
		for eid, e := range st.events {
			if e.AggregateType == models.AggregateMessage && e.AggregateID == id && e.Kind != models.KindBulkMessageDeleted {
				for did, d := range st.deliveries {
					if d.DomainEventID == eid {
						delete(st.deliveries, did)
					}
				}
				delete(st.events, eid)
			}
		}
		delete(st.messages, id)
	}
}

func (r *repo) ListMessagesAfter(_ context.Context, conversationID int64, after store.Cursor, limit int) ([]models.Message, error) {
	st, done := r.begin()
	defer done()

	var out []models.Message
	for _, m := range st.messages {
		if m.ConversationID == conversationID && after.Passes(&m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) LastMessage(_ context.Context, conversationID int64) (*models.Message, error) {
	st, done := r.begin()
	defer done()

	var last *models.Message
	for _, m := range st.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) || (m.CreatedAt.Equal(last.CreatedAt) && m.ID > last.ID) {
			m := m
			last = &m
		}
	}
	if last == nil {
		return nil, fmt.Errorf("last message of %d: %w", conversationID, store.ErrNotFound)
	}
	return last, nil
}

func (r *repo) CountMessagesAfter(_ context.Context, conversationID int64, after store.Cursor, excludeSender int64) (int, error) {
	st, done := r.begin()
	defer done()

	n := 0
	for _, m := range st.messages {
		if m.ConversationID == conversationID && m.SenderID != excludeSender && after.Passes(&m) {
			n++
		}
	}
	return n, nil
}

// Reactions

func (r *repo) CreateReaction(_ context.Context, rc *models.Reaction) (*models.Reaction, error) {
	st, done := r.begin()
	defer done()

	m, ok := st.messages[rc.MessageID]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", rc.MessageID, store.ErrNotFound)
	}
	for _, existing := range st.reactions {
		if existing.MessageID == rc.MessageID && existing.UserID == rc.UserID {
			return nil, store.ErrDuplicateReaction
		}
	}
	out := *rc
	out.ID = st.next("reactions")
	out.ConversationID = m.ConversationID
	out.CreatedAt = r.stamp(rc.CreatedAt)
	st.reactions[out.ID] = out
	return &out, nil
}

func (r *repo) GetReaction(_ context.Context, id int64) (*models.Reaction, error) {
	st, done := r.begin()
	defer done()

	rc, ok := st.reactions[id]
	if !ok {
		return nil, fmt.Errorf("reaction %d: %w", id, store.ErrNotFound)
	}
	return &rc, nil
}

func (r *repo) GetUserReaction(_ context.Context, messageID, userID int64) (*models.Reaction, error) {
	st, done := r.begin()
	defer done()

	for _, rc := range st.reactions {
		if rc.MessageID == messageID && rc.UserID == userID {
			return &rc, nil
		}
	}
	return nil, fmt.Errorf("reaction of %d on %d: %w", userID, messageID, store.ErrNotFound)
}

func (r *repo) DeleteReaction(_ context.Context, id int64) error {
	st, done := r.begin()
	defer done()

	if _, ok := st.reactions[id]; !ok {
		return fmt.Errorf("reaction %d: %w", id, store.ErrNotFound)
	}
	delete(st.reactions, id)
	return nil
}

func (r *repo) CountReactions(_ context.Context, messageIDs []int64) (map[int64][]models.ReactionCount, error) {
	st, done := r.begin()
	defer done()

	counts := map[int64]map[string]int{}
	for _, rc := range st.reactions {
		if !slices.Contains(messageIDs, rc.MessageID) {
			continue
		}
		if counts[rc.MessageID] == nil {
			counts[rc.MessageID] = map[string]int{}
		}
		counts[rc.MessageID][rc.EmojiHex]++
	}
	out := make(map[int64][]models.ReactionCount, len(counts))
	for mid, byEmoji := range counts {
		list := make([]models.ReactionCount, 0, len(byEmoji))
		for emoji, n := range byEmoji {
			list = append(list, models.ReactionCount{EmojiHex: emoji, Count: n})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].EmojiHex < list[j].EmojiHex })
		out[mid] = list
	}
	return out, nil
}

// Attachments

func (r *repo) CreateAttachments(_ context.Context, as []models.Attachment) ([]models.Attachment, error) {
	st, done := r.begin()
	defer done()

	for _, a := range as {
		if _, ok := st.messages[a.MessageID]; !ok {
			return nil, fmt.Errorf("message %d: %w", a.MessageID, store.ErrNotFound)
		}
	}
	out := make([]models.Attachment, 0, len(as))
	for _, a := range as {
		a.ID = st.next("attachments")
		a.CreatedAt = r.stamp(a.CreatedAt)
		st.attachments[a.ID] = a
		out = append(out, a)
	}
	return out, nil
}

func (r *repo) GetAttachments(_ context.Context, ids []int64) ([]models.Attachment, error) {
	st, done := r.begin()
	defer done()

	var out []models.Attachment
	for _, id := range sortedKeys(st.attachments) {
		if slices.Contains(ids, id) {
			out = append(out, st.attachments[id])
		}
	}
	return out, nil
}

func (r *repo) ListAttachments(_ context.Context, messageID int64) ([]models.Attachment, error) {
	st, done := r.begin()
	defer done()

	var out []models.Attachment
	for _, id := range sortedKeys(st.attachments) {
		if a := st.attachments[id]; a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *repo) ListAttachmentsByMessages(_ context.Context, messageIDs []int64) (map[int64][]models.Attachment, error) {
	st, done := r.begin()
	defer done()

	out := map[int64][]models.Attachment{}
	for _, id := range sortedKeys(st.attachments) {
		if a := st.attachments[id]; slices.Contains(messageIDs, a.MessageID) {
			out[a.MessageID] = append(out[a.MessageID], a)
		}
	}
	return out, nil
}

func (r *repo) DeleteAttachments(_ context.Context, ids []int64) error {
	st, done := r.begin()
	defer done()

	for _, id := range ids {
		delete(st.attachments, id)
	}
	return nil
}

// Offsets

func (r *repo) GetThreadOffset(_ context.Context, conversationID, userID int64) (*models.ThreadOffset, error) {
	st, done := r.begin()
	defer done()

	for _, o := range st.offsets {
		if o.ConversationID == conversationID && o.UserID == userID {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("offset of %d in %d: %w", userID, conversationID, store.ErrNotFound)
}

func (r *repo) UpsertThreadOffset(_ context.Context, o *models.ThreadOffset) (*models.ThreadOffset, error) {
	st, done := r.begin()
	defer done()

	out := *o
	out.LastOffsetAt = r.stamp(o.LastOffsetAt)
	out.UpdatedAt = r.stamp(o.UpdatedAt)
	for id, existing := range st.offsets {
		if existing.ConversationID == o.ConversationID && existing.UserID == o.UserID {
			if store.CursorOf(&out).Before(store.CursorOf(&existing)) {
				return &existing, nil
			}
			out.ID = id
			st.offsets[id] = out
			return &out, nil
		}
	}
	out.ID = st.next("thread_offsets")
	st.offsets[out.ID] = out
	return &out, nil
}

// Events

func (r *repo) AppendEvent(_ context.Context, e *models.DomainEvent) (*models.DomainEvent, error) {
	st, done := r.begin()
	defer done()

	if err := r.fault("AppendEvent"); err != nil {
		return nil, err
	}
	if err := models.CheckPayload(e.Kind, e.Payload); err != nil {
		return nil, err
	}
	out := *e
	out.ID = st.next("domain_events")
	out.Recipients = slices.Clone(e.Recipients)
	out.AggregateType = e.Kind.Aggregate()
	out.Published = false
	out.PublishedAt = nil
	out.CreatedAt = r.stamp(e.CreatedAt)
	st.events[out.ID] = out
	return &out, nil
}

func (r *repo) GetEvent(_ context.Context, id int64) (*models.DomainEvent, error) {
	st, done := r.begin()
	defer done()

	e, ok := st.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	return &e, nil
}

func (r *repo) MarkEventPublished(_ context.Context, id int64, at time.Time) error {
	st, done := r.begin()
	defer done()

	if err := r.fault("MarkEventPublished"); err != nil {
		return err
	}
	e, ok := st.events[id]
	if !ok {
		return fmt.Errorf("event %d: %w", id, store.ErrNotFound)
	}
	if e.Published {
		return nil
	}
	e.Published = true
	e.PublishedAt = timePtr(r.stamp(at))
	st.events[id] = e
	return nil
}

func (r *repo) FindEventByAggregate(_ context.Context, aggregate models.AggregateType, aggregateID int64, kind models.EventKind) (*models.DomainEvent, error) {
	st, done := r.begin()
	defer done()

	for _, id := range sortedKeys(st.events) {
		e := st.events[id]
		if e.AggregateType == aggregate && e.AggregateID == aggregateID && e.Kind == kind {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%s event of %s %d: %w", kind, aggregate, aggregateID, store.ErrNotFound)
}

func (r *repo) ListUnpublishedEvents(_ context.Context, createdBefore time.Time, limit int) ([]models.DomainEvent, error) {
	st, done := r.begin()
	defer done()

	var out []models.DomainEvent
	for _, id := range sortedKeys(st.events) {
		e := st.events[id]
		if !e.Published && e.CreatedAt.Before(createdBefore) {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Deliveries

func findDelivery(st *state, eventID, userID int64) (models.DeliveryStatus, bool) {
	for _, d := range st.deliveries {
		if d.DomainEventID == eventID && d.UserID == userID {
			return d, true
		}
	}
	return models.DeliveryStatus{}, false
}

func (r *repo) InitDeliveries(_ context.Context, eventID, threadID int64, userIDs []int64, at time.Time) ([]models.DeliveryStatus, error) {
	st, done := r.begin()
	defer done()

	if err := r.fault("InitDeliveries"); err != nil {
		return nil, err
	}
	if _, ok := st.events[eventID]; !ok {
		return nil, fmt.Errorf("event %d: %w", eventID, store.ErrNotFound)
	}
	seen := map[int64]bool{}
	for _, uid := range userIDs {
		if _, exists := findDelivery(st, eventID, uid); exists || seen[uid] {
			return nil, fmt.Errorf("event %d user %d: %w", eventID, uid, store.ErrDuplicateDelivery)
		}
		seen[uid] = true
	}

	out := make([]models.DeliveryStatus, 0, len(userIDs))
	for _, uid := range userIDs {
		d := models.DeliveryStatus{
			ID:            st.next("delivery_status"),
			DomainEventID: eventID,
			UserID:        uid,
			ThreadID:      threadID,
			CreatedAt:     r.stamp(at),
		}
		st.deliveries[d.ID] = d
		out = append(out, d)
	}
	return out, nil
}

func attempt(d models.DeliveryStatus, at time.Time, delivered bool) models.DeliveryStatus {
	d.DeliveryAttempts++
	d.LastAttemptedAt = timePtr(at)
	if delivered {
		d.DeliveredAt = timePtr(at)
	}
	return d
}

func (r *repo) RecordAttempts(_ context.Context, eventID int64, userIDs []int64, at time.Time, delivered bool) error {
	st, done := r.begin()
	defer done()

	if err := r.fault("RecordAttempts"); err != nil {
		return err
	}
	at = r.stamp(at)
	for _, uid := range userIDs {
		if d, ok := findDelivery(st, eventID, uid); ok {
			st.deliveries[d.ID] = attempt(d, at, delivered)
		}
	}
	return nil
}

func (r *repo) RecordAttempt(_ context.Context, deliveryID int64, at time.Time, delivered bool) error {
	st, done := r.begin()
	defer done()

	d, ok := st.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("delivery %d: %w", deliveryID, store.ErrNotFound)
	}
	st.deliveries[deliveryID] = attempt(d, r.stamp(at), delivered)
	return nil
}

func (r *repo) GetDelivery(_ context.Context, eventID, userID int64) (*models.DeliveryStatus, error) {
	st, done := r.begin()
	defer done()

	d, ok := findDelivery(st, eventID, userID)
	if !ok {
		return nil, fmt.Errorf("delivery of event %d to %d: %w", eventID, userID, store.ErrNotFound)
	}
	return &d, nil
}

func (r *repo) GetDeliveries(_ context.Context, ids []int64) ([]models.DeliveryStatus, error) {
	st, done := r.begin()
	defer done()

	var out []models.DeliveryStatus
	for _, id := range sortedKeys(st.deliveries) {
		if slices.Contains(ids, id) {
			out = append(out, st.deliveries[id])
		}
	}
	return out, nil
}

func (r *repo) AcknowledgeDelivery(_ context.Context, eventID, userID int64, at time.Time) (bool, error) {
	st, done := r.begin()
	defer done()

	d, ok := findDelivery(st, eventID, userID)
	if !ok {
		return false, fmt.Errorf("delivery of event %d to %d: %w", eventID, userID, store.ErrNotFound)
	}
	if d.AckAt != nil {
		return false, nil
	}
	d.AckAt = timePtr(r.stamp(at))
	st.deliveries[d.ID] = d
	return true, nil
}

func sortByCreated(ds []models.DeliveryStatus) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}

func (r *repo) ListStaleDeliveries(_ context.Context, userID, threadID int64, limit int) ([]models.DeliveryStatus, error) {
	st, done := r.begin()
	defer done()

	var out []models.DeliveryStatus
	for _, d := range st.deliveries {
		if d.UserID == userID && d.AckAt == nil && (threadID == 0 || d.ThreadID == threadID) {
			out = append(out, d)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) ListStaleDeliveriesBefore(_ context.Context, cutoff time.Time, maxAttempts, limit int) ([]models.DeliveryStatus, error) {
	st, done := r.begin()
	defer done()

	var out []models.DeliveryStatus
	for _, d := range st.deliveries {
		if d.AckAt == nil && d.DeliveryAttempts < maxAttempts && d.LastActivity().Before(cutoff) {
			out = append(out, d)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) CountDeliveries(_ context.Context, eventID int64) (int, error) {
	st, done := r.begin()
	defer done()

	n := 0
	for _, d := range st.deliveries {
		if d.DomainEventID == eventID {
			n++
		}
	}
	return n, nil
}

// Sessions

func (r *repo) OpenSession(_ context.Context, s *models.WebsocketSession) (*models.WebsocketSession, error) {
	st, done := r.begin()
	defer done()

	out := *s
	out.ID = st.next("websocket_sessions")
	out.ConnectedAt = r.stamp(s.ConnectedAt)
	out.DisconnectedAt = nil
	st.sessions[out.ID] = out
	return &out, nil
}

func (r *repo) CloseSession(_ context.Context, socketID string, at time.Time) error {
	st, done := r.begin()
	defer done()

	for id, s := range st.sessions {
		if s.SocketID == socketID && s.DisconnectedAt == nil {
			s.DisconnectedAt = timePtr(r.stamp(at))
			st.sessions[id] = s
			return nil
		}
	}
	return fmt.Errorf("session %s: %w", socketID, store.ErrNotFound)
}
