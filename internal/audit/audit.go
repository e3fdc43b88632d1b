// Package audit delivers audit entries to one or more sinks without
// blocking the request path.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/akmhq/akm/internal/model"
)

// Emitter accepts audit entries fire-and-forget.
type Emitter interface {
	Emit(entry model.AuditEntry)
}

// Sink persists or forwards one audit entry.
type Sink interface {
	Write(ctx context.Context, entry model.AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry model.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, entry model.AuditEntry) error { return f(ctx, entry) }

// StoreWriter is the subset of the store used for audit persistence.
type StoreWriter interface {
	CreateAuditEntry(ctx context.Context, e *model.AuditEntry) error
}

// StoreSink writes entries to the audit_logs table.
func StoreSink(w StoreWriter) Sink {
	return SinkFunc(func(ctx context.Context, entry model.AuditEntry) error {
		return w.CreateAuditEntry(ctx, &entry)
	})
}

// MultiSink writes to every sink in order and joins their errors. A
// failing sink does not stop the others.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, entry model.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes entries as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, e model.AuditEntry) error {
	attrs := []any{"action", e.Action}
	if e.UserID != nil {
		attrs = append(attrs, "user_id", *e.UserID)
	}
	if e.APIKeyID != nil {
		attrs = append(attrs, "api_key_id", *e.APIKeyID)
	}
	if e.Endpoint != "" {
		attrs = append(attrs, "endpoint", e.Endpoint, "method", e.Method)
	}
	if e.IPAddress != "" {
		attrs = append(attrs, "ip", e.IPAddress)
	}
	if e.StatusCode != 0 {
		attrs = append(attrs, "status", e.StatusCode, "response_ms", e.ResponseTimeMs)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	s.Logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Memory keeps entries in memory. It is both a Sink and an Emitter and is
// mostly useful in tests.
type Memory struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (m *Memory) Write(_ context.Context, e model.AuditEntry) error {
	m.Emit(e)
	return nil
}

func (m *Memory) Emit(e model.AuditEntry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (m *Memory) Entries() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Count returns how many recorded entries have the given action.
func (m *Memory) Count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// Discard drops every entry.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(model.AuditEntry) {}
