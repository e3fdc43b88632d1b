package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akmhq/akm/internal/model"
)

// ---------------------------------------------------------------------------
// Refresh tokens
// ---------------------------------------------------------------------------

const refreshColumns = `id, user_id, token_hash, expires_at, revoked, revoked_at, created_at`

// CreateRefreshToken persists the digest of a newly issued refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, t *model.RefreshToken) error {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	t.CreatedAt = now()
	t.ExpiresAt = t.ExpiresAt.UTC()

	const q = `INSERT INTO refresh_tokens (` + refreshColumns + `) VALUES
		(:id, :user_id, :token_hash, :expires_at, :revoked, :revoked_at, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, t); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// RedeemRefreshToken revokes the token with the given digest and returns
// it, but only if it was unrevoked and unexpired at now. Concurrent
// redemptions of the same token succeed at most once; the others get
// ErrNotFound.
func (s *Store) RedeemRefreshToken(ctx context.Context, hash string, at time.Time) (*model.RefreshToken, error) {
	at = at.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := tx.Rebind(`UPDATE refresh_tokens SET revoked = ?, revoked_at = ?
		WHERE token_hash = ? AND revoked = ? AND expires_at > ?`)
	result, err := tx.ExecContext(ctx, q, true, at, hash, false, at)
	if err != nil {
		return nil, fmt.Errorf("redeem refresh token: %w", err)
	}
	if err := expectOne(result, "redeem refresh token"); err != nil {
		return nil, err
	}

	var t model.RefreshToken
	err = tx.GetContext(ctx, &t, tx.Rebind("SELECT "+refreshColumns+" FROM refresh_tokens WHERE token_hash = ?"), hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.RevokedAt = utcPtr(t.RevokedAt)
	return &t, nil
}

// RevokeRefreshToken revokes a single token by digest. Revoking an unknown
// or already revoked token is not an error.
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string) error {
	q := s.db.Rebind("UPDATE refresh_tokens SET revoked = ?, revoked_at = ? WHERE token_hash = ? AND revoked = ?")
	if _, err := s.db.ExecContext(ctx, q, true, now(), hash, false); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserRefreshTokens revokes every outstanding refresh token of a user
// and returns how many were revoked.
func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	q := s.db.Rebind("UPDATE refresh_tokens SET revoked = ?, revoked_at = ? WHERE user_id = ? AND revoked = ?")
	result, err := s.db.ExecContext(ctx, q, true, now(), userID, false)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return result.RowsAffected()
}

// PurgeRefreshTokens deletes tokens that expired before cutoff.
func (s *Store) PurgeRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	q := s.db.Rebind("DELETE FROM refresh_tokens WHERE expires_at < ?")
	result, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return result.RowsAffected()
}
