package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akmhq/akm/internal/model"
)

// ---------------------------------------------------------------------------
// Webhook events
// ---------------------------------------------------------------------------

type webhookRow struct {
	ID            string     `db:"id"`
	EventType     string     `db:"event_type"`
	Payload       string     `db:"payload"`
	Status        string     `db:"status"`
	Attempts      int        `db:"attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	ErrorMessage  string     `db:"error_message"`
	CreatedAt     time.Time  `db:"created_at"`
}

const webhookColumns = `id, event_type, payload, status, attempts, last_attempt_at, error_message, created_at`

// CreateWebhookEvent records an outbound notification before delivery.
func (s *Store) CreateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.Status == "" {
		ev.Status = model.WebhookPending
	}
	ev.CreatedAt = now()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	row := webhookRow{
		ID:            ev.ID,
		EventType:     ev.EventType,
		Payload:       string(payload),
		Status:        ev.Status,
		Attempts:      ev.Attempts,
		LastAttemptAt: utcPtr(ev.LastAttemptAt),
		ErrorMessage:  ev.ErrorMessage,
		CreatedAt:     ev.CreatedAt,
	}

	const q = `INSERT INTO webhook_events (` + webhookColumns + `) VALUES
		(:id, :event_type, :payload, :status, :attempts, :last_attempt_at, :error_message, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// UpdateWebhookEvent stores the outcome of a delivery attempt.
func (s *Store) UpdateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	q := s.db.Rebind(`UPDATE webhook_events SET status = ?, attempts = ?, last_attempt_at = ?,
		error_message = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, q, ev.Status, ev.Attempts, utcPtr(ev.LastAttemptAt), ev.ErrorMessage, ev.ID)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return expectOne(result, "update webhook event")
}

// ListWebhookEvents returns the most recent events, optionally filtered by
// status.
func (s *Store) ListWebhookEvents(ctx context.Context, status string, limit int) ([]model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT " + webhookColumns + " FROM webhook_events"
	var args []interface{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []webhookRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}

	events := make([]model.WebhookEvent, len(rows))
	for i, r := range rows {
		events[i] = model.WebhookEvent{
			ID:            r.ID,
			EventType:     r.EventType,
			Status:        r.Status,
			Attempts:      r.Attempts,
			LastAttemptAt: utcPtr(r.LastAttemptAt),
			ErrorMessage:  r.ErrorMessage,
			CreatedAt:     r.CreatedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(r.Payload), &events[i].Payload); err != nil {
			return nil, fmt.Errorf("unmarshal webhook payload: %w", err)
		}
	}
	return events, nil
}
