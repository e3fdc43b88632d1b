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
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, email, username, password_hash, role, failed_login_attempts,
	locked_until, is_active, is_verified, last_login_at, created_at, updated_at`

// CreateUser inserts a new user. A duplicate email or username returns
// ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	ts := now()
	u.CreatedAt = ts
	u.UpdatedAt = ts
	if u.Role == "" {
		u.Role = model.RoleDeveloper
	}

	const q = `INSERT INTO users (` + userColumns + `) VALUES
		(:id, :email, :username, :password_hash, :role, :failed_login_attempts,
		:locked_until, :is_active, :is_verified, :last_login_at, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, u); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.getUser(ctx, "email", email)
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *Store) getUser(ctx context.Context, column, value string) (*model.User, error) {
	var u model.User
	q := s.db.Rebind("SELECT " + userColumns + " FROM users WHERE " + column + " = ?")
	if err := s.db.GetContext(ctx, &u, q, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by %s: %w", column, err)
	}
	normalizeUser(&u)
	return &u, nil
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := s.db.SelectContext(ctx, &users, "SELECT "+userColumns+" FROM users ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range users {
		normalizeUser(&users[i])
	}
	return users, nil
}

// UpdateUserProfile changes a user's email and username.
func (s *Store) UpdateUserProfile(ctx context.Context, id, email, username string) error {
	q := s.db.Rebind("UPDATE users SET email = ?, username = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, email, username, now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update user profile: %w", err)
	}
	return expectOne(result, "update user profile")
}

// IncrementFailedLogins atomically bumps the failed login counter and
// returns the new value.
func (s *Store) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := tx.Rebind("UPDATE users SET failed_login_attempts = failed_login_attempts + 1, updated_at = ? WHERE id = ?")
	result, err := tx.ExecContext(ctx, q, now(), id)
	if err != nil {
		return 0, fmt.Errorf("increment failed logins: %w", err)
	}
	if err := expectOne(result, "increment failed logins"); err != nil {
		return 0, err
	}

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT failed_login_attempts FROM users WHERE id = ?"), id); err != nil {
		return 0, fmt.Errorf("read failed logins: %w", err)
	}
	return n, tx.Commit()
}

// LockUser sets locked_until on the account.
func (s *Store) LockUser(ctx context.Context, id string, until time.Time) error {
	q := s.db.Rebind("UPDATE users SET locked_until = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, until.UTC(), now(), id)
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return expectOne(result, "lock user")
}

// RecordLoginSuccess clears the failure counter and any lock and stamps the
// last login time.
func (s *Store) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	q := s.db.Rebind(`UPDATE users SET failed_login_attempts = 0, locked_until = NULL,
		last_login_at = ?, updated_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, q, at.UTC(), now(), id)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	return expectOne(result, "record login")
}

// SetUserRole changes a user's role.
func (s *Store) SetUserRole(ctx context.Context, id string, role model.Role) error {
	q := s.db.Rebind("UPDATE users SET role = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, string(role), now(), id)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	return expectOne(result, "set user role")
}

// SetUserActive enables or deactivates an account.
func (s *Store) SetUserActive(ctx context.Context, id string, active bool) error {
	q := s.db.Rebind("UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, active, now(), id)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	return expectOne(result, "set user active")
}

// SetUserPassword replaces a user's password hash.
func (s *Store) SetUserPassword(ctx context.Context, id, passwordHash string) error {
	q := s.db.Rebind("UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, passwordHash, now(), id)
	if err != nil {
		return fmt.Errorf("set user password: %w", err)
	}
	return expectOne(result, "set user password")
}

// DeleteUser removes a user. Their keys and refresh tokens cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM users WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return expectOne(result, "delete user")
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM users"); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func normalizeUser(u *model.User) {
	u.LockedUntil = utcPtr(u.LockedUntil)
	u.LastLoginAt = utcPtr(u.LastLoginAt)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
}
