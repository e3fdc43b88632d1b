package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
)

var _ registry.Registry = (*Store)(nil)

// ---------------------------------------------------------------------------
// API key rows
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to the api_keys table. List-valued attributes are
// stored as JSON text.
type apiKeyRow struct {
	ID                 string     `db:"id"`
	Name               string     `db:"name"`
	Description        string     `db:"description"`
	KeyPrefix          string     `db:"key_prefix"`
	KeyHash            string     `db:"key_hash"`
	OwnerID            string     `db:"owner_id"`
	Status             string     `db:"status"`
	Permissions        string     `db:"permissions"`
	AllowedIPs         string     `db:"allowed_ips"`
	AllowedUserAgents  string     `db:"allowed_user_agents"`
	Environment        string     `db:"environment"`
	RateLimitPerMinute *int       `db:"rate_limit_per_minute"`
	RateLimitPerHour   *int       `db:"rate_limit_per_hour"`
	RateLimitPerDay    *int       `db:"rate_limit_per_day"`
	ExpiresAt          *time.Time `db:"expires_at"`
	RotatedFromID      *string    `db:"rotated_from_id"`
	GracePeriodEndsAt  *time.Time `db:"grace_period_ends_at"`
	LastUsedAt         *time.Time `db:"last_used_at"`
	UsageCount         int64      `db:"usage_count"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

const apiKeyColumns = `id, name, description, key_prefix, key_hash, owner_id, status,
	permissions, allowed_ips, allowed_user_agents, environment,
	rate_limit_per_minute, rate_limit_per_hour, rate_limit_per_day,
	expires_at, rotated_from_id, grace_period_ends_at, last_used_at,
	usage_count, created_at, updated_at`

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	perms, err := marshalList(model.PermissionStrings(k.Permissions))
	if err != nil {
		return apiKeyRow{}, err
	}
	ips, err := marshalList(k.AllowedIPs)
	if err != nil {
		return apiKeyRow{}, err
	}
	uas, err := marshalList(k.AllowedUserAgents)
	if err != nil {
		return apiKeyRow{}, err
	}
	return apiKeyRow{
		ID:                 k.ID,
		Name:               k.Name,
		Description:        k.Description,
		KeyPrefix:          k.KeyPrefix,
		KeyHash:            k.KeyHash,
		OwnerID:            k.OwnerID,
		Status:             string(k.Status),
		Permissions:        perms,
		AllowedIPs:         ips,
		AllowedUserAgents:  uas,
		Environment:        k.Environment,
		RateLimitPerMinute: k.RateLimitPerMinute,
		RateLimitPerHour:   k.RateLimitPerHour,
		RateLimitPerDay:    k.RateLimitPerDay,
		ExpiresAt:          utcPtr(k.ExpiresAt),
		RotatedFromID:      k.RotatedFromID,
		GracePeriodEndsAt:  utcPtr(k.GracePeriodEndsAt),
		LastUsedAt:         utcPtr(k.LastUsedAt),
		UsageCount:         k.UsageCount,
		CreatedAt:          k.CreatedAt,
		UpdatedAt:          k.UpdatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var perms []string
	if err := unmarshalList(r.Permissions, &perms); err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal permissions: %w", err)
	}
	k := model.APIKey{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description,
		KeyPrefix:          r.KeyPrefix,
		KeyHash:            r.KeyHash,
		OwnerID:            r.OwnerID,
		Status:             model.KeyStatus(r.Status),
		Permissions:        make([]model.Permission, len(perms)),
		Environment:        r.Environment,
		RateLimitPerMinute: r.RateLimitPerMinute,
		RateLimitPerHour:   r.RateLimitPerHour,
		RateLimitPerDay:    r.RateLimitPerDay,
		ExpiresAt:          utcPtr(r.ExpiresAt),
		RotatedFromID:      r.RotatedFromID,
		GracePeriodEndsAt:  utcPtr(r.GracePeriodEndsAt),
		LastUsedAt:         utcPtr(r.LastUsedAt),
		UsageCount:         r.UsageCount,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	for i, p := range perms {
		k.Permissions[i] = model.Permission(p)
	}
	if err := unmarshalList(r.AllowedIPs, &k.AllowedIPs); err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed ips: %w", err)
	}
	if err := unmarshalList(r.AllowedUserAgents, &k.AllowedUserAgents); err != nil {
		return model.APIKey{}, fmt.Errorf("unmarshal allowed user agents: %w", err)
	}
	return k, nil
}

func rowsToKeys(rows []apiKeyRow) ([]model.APIKey, error) {
	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ---------------------------------------------------------------------------
// API key registry
// ---------------------------------------------------------------------------

// Create inserts a new API key. ID, CreatedAt, and UpdatedAt are filled in
// when empty. KeyHash must already be set.
func (s *Store) Create(ctx context.Context, key *model.APIKey) error {
	return s.insertAPIKey(ctx, s.db, key)
}

func (s *Store) insertAPIKey(ctx context.Context, ext sqlx.ExtContext, key *model.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}
	ts := now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = ts
	}
	key.UpdatedAt = ts
	if key.Status == "" {
		key.Status = model.KeyActive
	}

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys (` + apiKeyColumns + `) VALUES
		(:id, :name, :description, :key_prefix, :key_hash, :owner_id, :status,
		:permissions, :allowed_ips, :allowed_user_agents, :environment,
		:rate_limit_per_minute, :rate_limit_per_hour, :rate_limit_per_day,
		:expires_at, :rotated_from_id, :grace_period_ends_at, :last_used_at,
		:usage_count, :created_at, :updated_at)`

	if _, err := sqlx.NamedExecContext(ctx, ext, q, row); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// Get returns an API key by ID.
func (s *Store) Get(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "id", id)
}

// LookupByHash looks up an API key by its SHA-256 digest.
func (s *Store) LookupByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "key_hash", hash)
}

func (s *Store) getAPIKey(ctx context.Context, column, value string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + column + " = ?")
	if err := s.db.GetContext(ctx, &row, q, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by %s: %w", column, err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Update writes the mutable attributes of a key: name, description,
// permissions, scope, and rate limits. Status and usage are not touched.
func (s *Store) Update(ctx context.Context, key *model.APIKey) error {
	key.UpdatedAt = now()
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `UPDATE api_keys SET
		name = :name, description = :description, permissions = :permissions,
		allowed_ips = :allowed_ips, allowed_user_agents = :allowed_user_agents,
		rate_limit_per_minute = :rate_limit_per_minute,
		rate_limit_per_hour = :rate_limit_per_hour,
		rate_limit_per_day = :rate_limit_per_day,
		updated_at = :updated_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return expectOne(result, "update api key")
}

// UpdateStatus moves a key from one status to another only if its stored
// status still equals from. It reports whether the transition applied.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to model.KeyStatus) (bool, error) {
	q := s.db.Rebind("UPDATE api_keys SET status = ?, updated_at = ? WHERE id = ? AND status = ?")
	result, err := s.db.ExecContext(ctx, q, string(to), now(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("update api key status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update api key status rows affected: %w", err)
	}
	return n == 1, nil
}

// TouchUsage atomically increments the usage counter and advances
// last_used_at. Out-of-order touches never move last_used_at backwards.
func (s *Store) TouchUsage(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	q := s.db.Rebind(`UPDATE api_keys SET
		usage_count = usage_count + 1,
		last_used_at = CASE WHEN last_used_at IS NULL OR last_used_at < ? THEN ? ELSE last_used_at END
		WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, q, at, at, id)
	if err != nil {
		return fmt.Errorf("touch api key usage: %w", err)
	}
	return expectOne(result, "touch api key usage")
}

// ListByOwner returns one page of an owner's keys, newest first, and the
// total number of keys matching the filter.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, f registry.Filter, p registry.Page) ([]model.APIKey, int, error) {
	p = p.Normalize()

	where := []string{"owner_id = ?"}
	args := []interface{}{ownerID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, f.Environment)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total, s.db.Rebind("SELECT COUNT(*) FROM api_keys WHERE "+cond), args...); err != nil {
		return nil, 0, fmt.Errorf("count api keys: %w", err)
	}

	var rows []apiKeyRow
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + cond +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	if err := s.db.SelectContext(ctx, &rows, q, append(args, p.Size, p.Offset())...); err != nil {
		return nil, 0, fmt.Errorf("list api keys: %w", err)
	}
	keys, err := rowsToKeys(rows)
	if err != nil {
		return nil, 0, err
	}
	return keys, total, nil
}

// Rotate supersedes an active key with successor inside one transaction.
func (s *Store) Rotate(ctx context.Context, oldID string, graceEnds *time.Time, successor *model.APIKey) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	next := model.KeyRevoked
	if graceEnds != nil {
		next = model.KeyRotating
	}

	q := tx.Rebind(`UPDATE api_keys SET status = ?, grace_period_ends_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	result, err := tx.ExecContext(ctx, q, string(next), utcPtr(graceEnds), now(), oldID, string(model.KeyActive))
	if err != nil {
		return fmt.Errorf("supersede api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("supersede api key rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind("SELECT COUNT(*) FROM api_keys WHERE id = ?"), oldID)
		if err != nil {
			return fmt.Errorf("check api key: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	successor.RotatedFromID = &oldID
	if err := s.insertAPIKey(ctx, tx, successor); err != nil {
		return err
	}
	return tx.Commit()
}

// ListExpired returns active keys whose absolute expiry is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]model.APIKey, error) {
	return s.selectKeys(ctx, "status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		string(model.KeyActive), now.UTC())
}

// ListGraceEnded returns superseded keys, rotating or disabled, whose
// grace period ended at or before now.
func (s *Store) ListGraceEnded(ctx context.Context, now time.Time) ([]model.APIKey, error) {
	return s.selectKeys(ctx, "status IN (?, ?) AND grace_period_ends_at IS NOT NULL AND grace_period_ends_at <= ?",
		string(model.KeyRotating), string(model.KeyDisabled), now.UTC())
}

// ListExpiring returns active keys expiring after now and at or before until.
func (s *Store) ListExpiring(ctx context.Context, now, until time.Time) ([]model.APIKey, error) {
	return s.selectKeys(ctx, "status = ? AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?",
		string(model.KeyActive), now.UTC(), until.UTC())
}

func (s *Store) selectKeys(ctx context.Context, cond string, args ...interface{}) ([]model.APIKey, error) {
	var rows []apiKeyRow
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + cond + " ORDER BY id")
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select api keys: %w", err)
	}
	return rowsToKeys(rows)
}

// DeleteAPIKey hard-deletes a key. Normal lifecycle uses status changes;
// this exists for cleanup tooling.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM api_keys WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return expectOne(result, "delete api key")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func expectOne(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalList(s string, dst *[]string) error {
	if s == "" {
		*dst = []string{}
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = []string{}
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
