package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
)

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

type auditRow struct {
	ID             string    `db:"id"`
	Action         string    `db:"action"`
	UserID         *string   `db:"user_id"`
	APIKeyID       *string   `db:"api_key_id"`
	Endpoint       string    `db:"endpoint"`
	Method         string    `db:"method"`
	IPAddress      string    `db:"ip_address"`
	UserAgent      string    `db:"user_agent"`
	StatusCode     int       `db:"status_code"`
	ResponseTimeMs float64   `db:"response_time_ms"`
	Reason         string    `db:"reason"`
	Metadata       string    `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
}

const auditColumns = `id, action, user_id, api_key_id, endpoint, method, ip_address,
	user_agent, status_code, response_time_ms, reason, metadata, created_at`

func (r auditRow) toModel() model.AuditEntry {
	e := model.AuditEntry{
		ID:             r.ID,
		Action:         r.Action,
		UserID:         r.UserID,
		APIKeyID:       r.APIKeyID,
		Endpoint:       r.Endpoint,
		Method:         r.Method,
		IPAddress:      r.IPAddress,
		UserAgent:      r.UserAgent,
		StatusCode:     r.StatusCode,
		ResponseTimeMs: r.ResponseTimeMs,
		Reason:         r.Reason,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "null" {
		// Metadata is written by CreateAuditEntry; a row that fails to
		// decode is returned without it.
		_ = json.Unmarshal([]byte(r.Metadata), &e.Metadata)
	}
	return e
}

// CreateAuditEntry appends an audit record. Entries are never updated.
func (s *Store) CreateAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		meta = string(b)
	}

	row := auditRow{
		ID:             e.ID,
		Action:         e.Action,
		UserID:         e.UserID,
		APIKeyID:       e.APIKeyID,
		Endpoint:       e.Endpoint,
		Method:         e.Method,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		StatusCode:     e.StatusCode,
		ResponseTimeMs: e.ResponseTimeMs,
		Reason:         e.Reason,
		Metadata:       meta,
		CreatedAt:      e.CreatedAt.UTC(),
	}

	const q = `INSERT INTO audit_logs (` + auditColumns + `) VALUES
		(:id, :action, :user_id, :api_key_id, :endpoint, :method, :ip_address,
		:user_agent, :status_code, :response_time_ms, :reason, :metadata, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func auditWhere(f model.AuditFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.APIKeyID != "" {
		where = append(where, "api_key_id = ?")
		args = append(args, f.APIKeyID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListAuditEntries returns one page of audit entries, newest first, and the
// total number matching the filter.
func (s *Store) ListAuditEntries(ctx context.Context, f model.AuditFilter, p registry.Page) ([]model.AuditEntry, int, error) {
	p = p.Normalize()
	cond, args := auditWhere(f)

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM audit_logs"+cond), args...); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	var rows []auditRow
	q := s.db.Rebind("SELECT " + auditColumns + " FROM audit_logs" + cond +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	if err := s.db.SelectContext(ctx, &rows, q, append(args, p.Size, p.Offset())...); err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}

	entries := make([]model.AuditEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toModel()
	}
	return entries, total, nil
}

// AuditStats counts entries matching the filter, grouped by action.
func (s *Store) AuditStats(ctx context.Context, f model.AuditFilter) ([]model.ActionCount, error) {
	cond, args := auditWhere(f)
	q := s.db.Rebind("SELECT action, COUNT(*) AS count FROM audit_logs" + cond +
		" GROUP BY action ORDER BY count DESC, action")

	var counts []model.ActionCount
	if err := s.db.SelectContext(ctx, &counts, q, args...); err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	return counts, nil
}

// PurgeAuditEntries deletes entries created before cutoff and returns how
// many were removed.
func (s *Store) PurgeAuditEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM audit_logs WHERE created_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	return result.RowsAffected()
}

// KeyActionCount is the number of entries for one key and action.
type KeyActionCount struct {
	APIKeyID string `db:"api_key_id"`
	Count    int64  `db:"count"`
}

// CountByKey counts entries with the given action since a point in time,
// grouped by key. Entries without a key are skipped.
func (s *Store) CountByKey(ctx context.Context, action string, since time.Time) ([]KeyActionCount, error) {
	q := s.db.Rebind(`SELECT api_key_id, COUNT(*) AS count FROM audit_logs
		WHERE action = ? AND created_at >= ? AND api_key_id IS NOT NULL
		GROUP BY api_key_id ORDER BY count DESC, api_key_id`)

	var counts []KeyActionCount
	if err := s.db.SelectContext(ctx, &counts, q, action, since.UTC()); err != nil {
		return nil, fmt.Errorf("count audit entries by key: %w", err)
	}
	return counts, nil
}
