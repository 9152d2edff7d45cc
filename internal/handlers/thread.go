// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package handlers

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/authz"
	"github.com/tomtom215/threadline/internal/broker"
	"github.com/tomtom215/threadline/internal/logging"
	"github.com/tomtom215/threadline/internal/models"
)

// ThreadHandler handles read state and thread room membership.
type ThreadHandler struct {
	catchup *Catchup
}

func NewThreadHandler(catchup *Catchup) *ThreadHandler {
	return &ThreadHandler{catchup: catchup}
}

func (h *ThreadHandler) Register(r *Registry) {
	r.Handle("mark_thread_read", h.markRead)
	r.Handle("open_thread", h.open)
	r.Handle("close_thread", h.close)
	r.Handle(models.ClientJoinThread+"_acknowledged", h.joined)
	r.Handle(models.ClientLeaveThread+"_acknowledged", h.left)
}

// threadRef accepts {"thread_id": n} or the signal envelope {"thread": {"id": n}}.
type threadRef struct {
	ThreadID int64 `json:"thread_id"`
	Thread   *struct {
		ID int64 `json:"id"`
	} `json:"thread,omitempty"`
}

func (t threadRef) id() int64 {
	if t.ThreadID == 0 && t.Thread != nil {
		return t.Thread.ID
	}
	return t.ThreadID
}

func decodeThread(data json.RawMessage) (int64, error) {
	var ref threadRef
	if err := decode(data, &ref); err != nil {
		return 0, err
	}
	id := ref.id()
	if id <= 0 {
		return 0, rejectf(models.CodeInvalidRequest, "thread_id is required")
	}
	return id, nil
}

func (h *ThreadHandler) markRead(ctx context.Context, s *Session, data json.RawMessage) error {
	var req broker.MarkReadIntent
	if err := decode(data, &req); err != nil {
		return err
	}
	if _, err := s.authorize(ctx, req.ThreadID, authz.ObjectOffset, authz.ActionUpdate); err != nil {
		return err
	}
	if req.MessageID != nil {
		msg, err := s.deps.Store.GetMessage(ctx, *req.MessageID)
		if err != nil {
			return lookup("message", err)
		}
		if msg.ConversationID != req.ThreadID {
			return rejectf(models.CodeInvalidRequest, "message %d is not in thread %d", msg.ID, req.ThreadID)
		}
	}
	return s.publish(ctx, models.KeyThreadRead, &req)
}

func (h *ThreadHandler) open(ctx context.Context, s *Session, data json.RawMessage) error {
	id, err := decodeThread(data)
	if err != nil {
		return err
	}
	return h.catchup.Open(ctx, s, id)
}

func (h *ThreadHandler) close(ctx context.Context, s *Session, data json.RawMessage) error {
	id, err := decodeThread(data)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, id, authz.ObjectOffset, authz.ActionUpdate); err != nil {
		return err
	}
	return s.publish(ctx, models.KeyThreadRead, &broker.MarkReadIntent{ThreadID: id})
}

// joined subscribes the connection to a thread room after a join_thread
// signal. Membership is re-checked so a stale signal cannot grant access.
func (h *ThreadHandler) joined(ctx context.Context, s *Session, data json.RawMessage) error {
	id, err := decodeThread(data)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, id, authz.ObjectConversation, authz.ActionRead); err != nil {
		return err
	}
	if err := s.conn.Join(ctx, models.ThreadRoom(id)); err != nil {
		return err
	}
	logging.Ctx(ctx).Debug().Int64("user_id", s.UserID()).Int64("thread_id", id).Msg("Joined thread room")
	return nil
}

// left unsubscribes the connection. It needs no membership since the user
// has usually just been removed.
func (h *ThreadHandler) left(ctx context.Context, s *Session, data json.RawMessage) error {
	id, err := decodeThread(data)
	if err != nil {
		return err
	}
	if err := s.conn.Leave(ctx, models.ThreadRoom(id)); err != nil {
		return err
	}
	logging.Ctx(ctx).Debug().Int64("user_id", s.UserID()).Int64("thread_id", id).Msg("Left thread room")
	return nil
}
