// Package notify delivers outbound webhook notifications, such as key
// expiry warnings, and records each delivery attempt.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/model"
)

// Event types sent by the scheduler.
const (
	EventKeyExpiring = "key.expiring"
	EventKeyExpired  = "key.expired"
	EventKeyRevoked  = "key.rotation_completed"
)

// SecretHeader carries the shared secret so receivers can authenticate us.
const SecretHeader = "X-Webhook-Secret"

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 10 * time.Second

// Notifier sends an event. Implementations must not retry synchronously.
type Notifier interface {
	Notify(ctx context.Context, eventType string, data map[string]any) error
}

// EventStore persists webhook events. The store package implements it.
type EventStore interface {
	CreateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error
}

// Config configures a Webhook notifier.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Webhook POSTs {"event", "data", "timestamp"} as JSON to a single URL.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	store   EventStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhook builds a webhook notifier. store and m may be nil.
func NewWebhook(cfg Config, store EventStore, m *metrics.Metrics, logger *slog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Webhook{
		url:     cfg.URL,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: cfg.Timeout},
		store:   store,
		metrics: m,
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
	}
}

type envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notify delivers one event. The outcome is recorded as a webhook event
// when a store is configured. Delivery failures are returned but never
// retried.
func (w *Webhook) Notify(ctx context.Context, eventType string, data map[string]any) error {
	ev := &model.WebhookEvent{
		EventType: eventType,
		Payload:   data,
		Status:    model.WebhookPending,
	}
	if w.store != nil {
		if err := w.store.CreateWebhookEvent(ctx, ev); err != nil {
			w.logger.Warn("failed to record webhook event", "event", eventType, "error", err)
		}
	}

	sendErr := w.send(ctx, eventType, data)

	at := w.now().UTC()
	ev.Attempts++
	ev.LastAttemptAt = &at
	if sendErr != nil {
		ev.Status = model.WebhookFailed
		ev.ErrorMessage = sendErr.Error()
		w.logger.Warn("webhook delivery failed", "event", eventType, "error", sendErr)
	} else {
		ev.Status = model.WebhookDelivered
		w.logger.Debug("webhook delivered", "event", eventType)
	}
	w.metrics.RecordWebhook(eventType, sendErr == nil)

	if w.store != nil && ev.ID != "" {
		if err := w.store.UpdateWebhookEvent(ctx, ev); err != nil {
			w.logger.Warn("failed to update webhook event", "event", eventType, "error", err)
		}
	}
	return sendErr
}

func (w *Webhook) send(ctx context.Context, eventType string, data map[string]any) error {
	body, err := json.Marshal(envelope{Event: eventType, Data: data, Timestamp: w.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, w.secret)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]any) error { return nil }
