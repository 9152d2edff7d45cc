// Threadline - Real-time Chat Backend with Reliable Event Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/threadline

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/threadline/internal/models"
	"github.com/tomtom215/threadline/internal/store"
)

const eventColumns = `id, aggregate_type, aggregate_id, event_type, thread_id, payload, recipients, published, published_at, created_at`

func scanEvent(row scanner) (*models.DomainEvent, error) {
	var (
		e           models.DomainEvent
		payload     string
		recipients  sql.NullString
		publishedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.Kind, &e.ThreadID, &payload, &recipients, &e.Published, &publishedAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	if recipients.Valid {
		if err := json.Unmarshal([]byte(recipients.String), &e.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients of event %d: %w", e.ID, err)
		}
	}
	kind, p, err := models.DecodePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
	}
	if kind != e.Kind {
		return nil, fmt.Errorf("event %d stored as %s carries a %s payload: %w", e.ID, e.Kind, kind, models.ErrPayloadMismatch)
	}
	e.Payload = p
	e.PublishedAt = nullTime(publishedAt)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (r *repo) queryEvents(ctx context.Context, q string, a ...any) ([]models.DomainEvent, error) {
	rows, err := r.q.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *repo) AppendEvent(ctx context.Context, e *models.DomainEvent) (*models.DomainEvent, error) {
	payload, err := models.EncodePayload(e.Kind, e.Payload)
	if err != nil {
		return nil, err
	}
	var recipients any
	if e.Recipients != nil {
		raw, err := json.Marshal(e.Recipients)
		if err != nil {
			return nil, fmt.Errorf("encode recipients: %w", err)
		}
		recipients = string(raw)
	}
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO domain_events (aggregate_type, aggregate_id, event_type, thread_id, payload, recipients, published, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		RETURNING `+eventColumns,
		string(e.Kind.Aggregate()), e.AggregateID, string(e.Kind), e.ThreadID, string(payload), recipients, r.stamp(e.CreatedAt))
	out, err := scanEvent(row)
	return out, wrap(err, nil, "append %s event", e.Kind)
}

func (r *repo) GetEvent(ctx context.Context, id int64) (*models.DomainEvent, error) {
	e, err := scanEvent(r.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE id = $1`, id))
	return e, wrap(err, nil, "event %d", id)
}

// MarkEventPublished is a no-op for an already published event.
func (r *repo) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE domain_events SET published = TRUE, published_at = $1 WHERE id = $2 AND published = FALSE`,
		r.stamp(at), id)
	if err != nil {
		return wrap(err, nil, "mark event %d published", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = r.q.QueryRowContext(ctx, `SELECT 1 FROM domain_events WHERE id = $1`, id).Scan(&exists)
	return wrap(err, nil, "event %d", id)
}

func (r *repo) FindEventByAggregate(ctx context.Context, aggregate models.AggregateType, aggregateID int64, kind models.EventKind) (*models.DomainEvent, error) {
	e, err := scanEvent(r.q.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM domain_events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND event_type = $3
		ORDER BY id LIMIT 1`,
		string(aggregate), aggregateID, string(kind)))
	return e, wrap(err, nil, "%s event of %s %d", kind, aggregate, aggregateID)
}

func (r *repo) ListUnpublishedEvents(ctx context.Context, createdBefore time.Time, limit int) ([]models.DomainEvent, error) {
	a := args{createdBefore.UTC()}
	q := `SELECT ` + eventColumns + ` FROM domain_events WHERE published = FALSE AND created_at < $1 ORDER BY id` + limitClause(&a, limit)
	es, err := r.queryEvents(ctx, q, a...)
	return es, wrap(err, nil, "list unpublished events")
}

// Deliveries

const deliveryColumns = `id, domain_event_id, user_id, thread_id, delivery_attempts, delivered_at, ack_at, last_attempted_at, created_at`

func scanDelivery(row scanner) (*models.DeliveryStatus, error) {
	var (
		d           models.DeliveryStatus
		deliveredAt sql.NullTime
		ackAt       sql.NullTime
		attempted   sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.DomainEventID, &d.UserID, &d.ThreadID, &d.DeliveryAttempts, &deliveredAt, &ackAt, &attempted, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.DeliveredAt = nullTime(deliveredAt)
	d.AckAt = nullTime(ackAt)
	d.LastAttemptedAt = nullTime(attempted)
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func (r *repo) queryDeliveries(ctx context.Context, q string, a ...any) ([]models.DeliveryStatus, error) {
	rows, err := r.q.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeliveryStatus
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// InitDeliveries inserts every row in one statement so a single duplicate
// rejects the whole batch.
func (r *repo) InitDeliveries(ctx context.Context, eventID, threadID int64, userIDs []int64, at time.Time) ([]models.DeliveryStatus, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var exists int
	if err := r.q.QueryRowContext(ctx, `SELECT 1 FROM domain_events WHERE id = $1`, eventID).Scan(&exists); err != nil {
		return nil, wrap(err, nil, "event %d", eventID)
	}

	a := args{}
	created := r.stamp(at)
	rows := make([]string, len(userIDs))
	for i, uid := range userIDs {
		rows[i] = fmt.Sprintf("(%s, %s, %s, 0, %s)", a.add(eventID), a.add(uid), a.add(threadID), a.add(created))
	}
	ds, err := r.queryDeliveries(ctx, `
		INSERT INTO delivery_status (domain_event_id, user_id, thread_id, delivery_attempts, created_at)
		VALUES `+strings.Join(rows, ", ")+`
		RETURNING `+deliveryColumns, a...)
	if err != nil {
		return nil, wrap(err, store.ErrDuplicateDelivery, "init deliveries of event %d", eventID)
	}
	return ds, nil
}

func attemptSet(a *args, at time.Time, delivered bool) string {
	ph := a.add(at)
	set := `delivery_attempts = delivery_attempts + 1, last_attempted_at = ` + ph
	if delivered {
		set += `, delivered_at = ` + ph
	}
	return set
}

func (r *repo) RecordAttempts(ctx context.Context, eventID int64, userIDs []int64, at time.Time, delivered bool) error {
	if len(userIDs) == 0 {
		return nil
	}
	a := args{}
	set := attemptSet(&a, r.stamp(at), delivered)
	q := `UPDATE delivery_status SET ` + set + ` WHERE domain_event_id = ` + a.add(eventID) + ` AND user_id IN ` + a.in(userIDs)
	_, err := r.q.ExecContext(ctx, q, a...)
	return wrap(err, nil, "record attempts of event %d", eventID)
}

func (r *repo) RecordAttempt(ctx context.Context, deliveryID int64, at time.Time, delivered bool) error {
	a := args{}
	set := attemptSet(&a, r.stamp(at), delivered)
	res, err := r.q.ExecContext(ctx, `UPDATE delivery_status SET `+set+` WHERE id = `+a.add(deliveryID), a...)
	if err != nil {
		return wrap(err, nil, "record attempt of delivery %d", deliveryID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery %d: %w", deliveryID, store.ErrNotFound)
	}
	return nil
}

func (r *repo) GetDelivery(ctx context.Context, eventID, userID int64) (*models.DeliveryStatus, error) {
	d, err := scanDelivery(r.q.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_status WHERE domain_event_id = $1 AND user_id = $2`, eventID, userID))
	return d, wrap(err, nil, "delivery of event %d to %d", eventID, userID)
}

func (r *repo) GetDeliveries(ctx context.Context, ids []int64) ([]models.DeliveryStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	a := args{}
	ds, err := r.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM delivery_status WHERE id IN `+a.in(ids)+` ORDER BY id`, a...)
	return ds, wrap(err, nil, "get deliveries")
}

func (r *repo) AcknowledgeDelivery(ctx context.Context, eventID, userID int64, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE delivery_status SET ack_at = $1 WHERE domain_event_id = $2 AND user_id = $3 AND ack_at IS NULL`,
		r.stamp(at), eventID, userID)
	if err != nil {
		return false, wrap(err, nil, "acknowledge event %d for %d", eventID, userID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists int
	err = r.q.QueryRowContext(ctx, `SELECT 1 FROM delivery_status WHERE domain_event_id = $1 AND user_id = $2`, eventID, userID).Scan(&exists)
	return false, wrap(err, nil, "delivery of event %d to %d", eventID, userID)
}

func (r *repo) ListStaleDeliveries(ctx context.Context, userID, threadID int64, limit int) ([]models.DeliveryStatus, error) {
	a := args{userID}
	q := `SELECT ` + deliveryColumns + ` FROM delivery_status WHERE user_id = $1 AND ack_at IS NULL`
	if threadID != 0 {
		q += ` AND thread_id = ` + a.add(threadID)
	}
	q += ` ORDER BY created_at, id` + limitClause(&a, limit)
	ds, err := r.queryDeliveries(ctx, q, a...)
	return ds, wrap(err, nil, "stale deliveries of %d", userID)
}

func (r *repo) ListStaleDeliveriesBefore(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]models.DeliveryStatus, error) {
	a := args{maxAttempts, cutoff.UTC()}
	q := `SELECT ` + deliveryColumns + ` FROM delivery_status
		WHERE ack_at IS NULL AND delivery_attempts < $1 AND COALESCE(last_attempted_at, created_at) < $2
		ORDER BY created_at, id` + limitClause(&a, limit)
	ds, err := r.queryDeliveries(ctx, q, a...)
	return ds, wrap(err, nil, "stale deliveries before %s", cutoff.Format(time.RFC3339))
}

func (r *repo) CountDeliveries(ctx context.Context, eventID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_status WHERE domain_event_id = $1`, eventID).Scan(&n)
	return n, wrap(err, nil, "count deliveries of event %d", eventID)
}

// Sessions

func (r *repo) OpenSession(ctx context.Context, s *models.WebsocketSession) (*models.WebsocketSession, error) {
	out := *s
	out.ConnectedAt = r.stamp(s.ConnectedAt)
	out.DisconnectedAt = nil
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO websocket_sessions (socket_id, user_id, instance_id, connected_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		s.SocketID, s.UserID, s.InstanceID, out.ConnectedAt).Scan(&out.ID)
	if err != nil {
		return nil, wrap(err, nil, "open session %s", s.SocketID)
	}
	return &out, nil
}

func (r *repo) CloseSession(ctx context.Context, socketID string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE websocket_sessions SET disconnected_at = $1 WHERE socket_id = $2 AND disconnected_at IS NULL`,
		r.stamp(at), socketID)
	if err != nil {
		return wrap(err, nil, "close session %s", socketID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", socketID, store.ErrNotFound)
	}
	return nil
}
