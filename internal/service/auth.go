package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/credential"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/token"
)

// UserStore is the persistence the auth service needs. *store.Store
// implements it.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUserProfile(ctx context.Context, id, email, username string) error
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	LockUser(ctx context.Context, id string, until time.Time) error
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
	SetUserRole(ctx context.Context, id string, role model.Role) error
	SetUserActive(ctx context.Context, id string, active bool) error
	SetUserPassword(ctx context.Context, id, passwordHash string) error

	CreateRefreshToken(ctx context.Context, t *model.RefreshToken) error
	RedeemRefreshToken(ctx context.Context, hash string, at time.Time) (*model.RefreshToken, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string) (int64, error)
}

// AuthConfig holds login policy.
type AuthConfig struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	BcryptCost       int
}

// RequestInfo describes the caller for audit entries.
type RequestInfo struct {
	IP        string
	UserAgent string
	Endpoint  string
	Method    string
}

// UserPrincipal is the identity carried by a verified access token.
type UserPrincipal struct {
	UserID      string
	Role        model.Role
	Permissions []model.Permission
}

// IsAdmin reports whether the principal has the admin role.
func (p *UserPrincipal) IsAdmin() bool { return p.Role == model.RoleAdmin }

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// RegisterInput is a new account request. Role is only honored for
// administrative creation; self-registration always gets developer.
type RegisterInput struct {
	Email    string
	Username string
	Password string
	Role     model.Role
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,50}$`)

// AuthService handles registration, login, and session tokens.
type AuthService struct {
	store  UserStore
	tokens *token.Service
	hasher *credential.Hasher
	audit  audit.Emitter
	cfg    AuthConfig
	now    func() time.Time
}

// NewAuthService wires the auth service. Zero config values take the
// defaults of 5 attempts and a 15 minute lockout.
func NewAuthService(store UserStore, tokens *token.Service, emitter audit.Emitter, cfg AuthConfig) *AuthService {
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if emitter == nil {
		emitter = audit.Discard
	}
	return &AuthService{
		store:  store,
		tokens: tokens,
		hasher: credential.NewHasher(cfg.BcryptCost),
		audit:  emitter,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Register creates an account after validating the input.
func (s *AuthService) Register(ctx context.Context, in RegisterInput, info RequestInfo) (*model.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if !usernamePattern.MatchString(in.Username) {
		return nil, invalid("username", "must be 3-50 letters, digits, or underscores")
	}
	if err := credential.CheckStrength(in.Password); err != nil {
		return nil, invalid("password", "%s", err.Error())
	}
	role := in.Role
	if role == "" {
		role = model.RoleDeveloper
	}
	if !model.ValidRole(role) {
		return nil, invalid("role", "unknown role %q", role)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	u := &model.User{
		Email:        email,
		Username:     in.Username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	e := s.entry(model.ActionUserRegistered, u.ID, info)
	e.Metadata = map[string]any{"email": u.Email, "username": u.Username}
	s.audit.Emit(e)
	return u, nil
}

// Login checks a password and issues a token pair. A locked account fails
// with ErrAccountLocked before the password is checked. Reaching the
// attempt limit locks the account.
func (s *AuthService) Login(ctx context.Context, email, password string, info RequestInfo) (*TokenPair, *model.User, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("load user: %w", err)
	}

	now := s.now()
	if u.Locked(now) {
		return nil, nil, fmt.Errorf("%w until %s", ErrAccountLocked, u.LockedUntil.UTC().Format(time.RFC3339))
	}

	if err := s.hasher.Check(u.PasswordHash, password); err != nil {
		s.recordFailedLogin(ctx, u, now, info)
		return nil, nil, ErrInvalidCredentials
	}

	if !u.IsActive {
		return nil, nil, ErrAccountInactive
	}

	if err := s.store.RecordLoginSuccess(ctx, u.ID, now); err != nil {
		return nil, nil, fmt.Errorf("record login: %w", err)
	}
	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	s.audit.Emit(s.entry(model.ActionLoginSucceeded, u.ID, info))
	return pair, u, nil
}

func (s *AuthService) recordFailedLogin(ctx context.Context, u *model.User, now time.Time, info RequestInfo) {
	attempts, err := s.store.IncrementFailedLogins(ctx, u.ID)
	if err != nil {
		// The login still fails; only the counter is lost.
		e := s.entry(model.ActionLoginFailed, u.ID, info)
		e.Reason = "counter_update_failed"
		s.audit.Emit(e)
		return
	}

	e := s.entry(model.ActionLoginFailed, u.ID, info)
	e.Metadata = map[string]any{"failed_attempts": attempts}
	s.audit.Emit(e)

	if attempts >= s.cfg.MaxLoginAttempts {
		until := now.Add(s.cfg.LockoutDuration)
		if err := s.store.LockUser(ctx, u.ID, until); err == nil {
			locked := s.entry(model.ActionAccountLocked, u.ID, info)
			locked.Metadata = map[string]any{"locked_until": until.UTC().Format(time.RFC3339)}
			s.audit.Emit(locked)
		}
	}
}

// Refresh redeems a refresh token exactly once and issues a new pair. Any
// failure, including replay of an already redeemed token, is
// ErrInvalidToken.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, info RequestInfo) (*TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}

	rec, err := s.store.RedeemRefreshToken(ctx, credential.Hash(refreshToken), s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("redeem refresh token: %w", err)
	}
	if rec.UserID != claims.Subject {
		return nil, ErrInvalidToken
	}

	u, err := s.store.GetUser(ctx, rec.UserID)
	if err != nil || !u.IsActive {
		return nil, ErrInvalidToken
	}

	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, err
	}
	s.audit.Emit(s.entry(model.ActionTokenRefreshed, u.ID, info))
	return pair, nil
}

func (s *AuthService) issuePair(ctx context.Context, u *model.User) (*TokenPair, error) {
	perms := model.PermissionStrings(u.Role.SessionPermissions())
	access, err := s.tokens.IssueAccess(u.ID, string(u.Role), perms, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(u.ID, 0)
	if err != nil {
		return nil, err
	}
	err = s.store.CreateRefreshToken(ctx, &model.RefreshToken{
		UserID:    u.ID,
		TokenHash: refresh.Hash,
		ExpiresAt: refresh.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Authenticate verifies an access token. It does not touch the store.
func (s *AuthService) Authenticate(accessToken string) (*UserPrincipal, error) {
	claims, err := s.tokens.Verify(accessToken, token.TypeAccess)
	if err != nil {
		return nil, err
	}
	p := &UserPrincipal{
		UserID:      claims.Subject,
		Role:        model.Role(claims.Role),
		Permissions: make([]model.Permission, len(claims.Permissions)),
	}
	for i, perm := range claims.Permissions {
		p.Permissions[i] = model.Permission(perm)
	}
	return p, nil
}

// Logout revokes every outstanding refresh token of the user. Access tokens
// stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, userID string, info RequestInfo) error {
	n, err := s.store.RevokeUserRefreshTokens(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	e := s.entry(model.ActionLogout, userID, info)
	e.Metadata = map[string]any{"revoked_tokens": n}
	s.audit.Emit(e)
	return nil
}

// Me returns the user's current record.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetUser(ctx, userID)
}

// UpdateProfile changes email and/or username. Empty values keep the
// current ones.
func (s *AuthService) UpdateProfile(ctx context.Context, userID, email, username string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if email != "" {
		if u.Email, err = normalizeEmail(email); err != nil {
			return nil, err
		}
	}
	if username != "" {
		if !usernamePattern.MatchString(username) {
			return nil, invalid("username", "must be 3-50 letters, digits, or underscores")
		}
		u.Username = username
	}
	if err := s.store.UpdateUserProfile(ctx, userID, u.Email, u.Username); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return s.store.GetUser(ctx, userID)
}

// ChangePassword replaces the password after checking the current one and
// revokes all refresh tokens.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string, info RequestInfo) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Check(u.PasswordHash, current); err != nil {
		return invalid("current_password", "is incorrect")
	}
	if err := credential.CheckStrength(next); err != nil {
		return invalid("new_password", "%s", err.Error())
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	if err := s.store.SetUserPassword(ctx, userID, hash); err != nil {
		return err
	}
	if _, err := s.store.RevokeUserRefreshTokens(ctx, userID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.audit.Emit(s.entry(model.ActionPasswordChanged, userID, info))
	return nil
}

// SetRole changes another user's role. Only admins may call it.
func (s *AuthService) SetRole(ctx context.Context, actor *UserPrincipal, targetID string, role model.Role, info RequestInfo) (*model.User, error) {
	if actor == nil || !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if !model.ValidRole(role) {
		return nil, invalid("role", "unknown role %q", role)
	}
	if err := s.store.SetUserRole(ctx, targetID, role); err != nil {
		return nil, err
	}
	e := s.entry(model.ActionRoleChanged, actor.UserID, info)
	e.Metadata = map[string]any{"target_user": targetID, "new_role": string(role)}
	s.audit.Emit(e)
	return s.store.GetUser(ctx, targetID)
}

// SetActive activates or deactivates an account. Deactivation also revokes
// its refresh tokens.
func (s *AuthService) SetActive(ctx context.Context, userID string, active bool) error {
	if err := s.store.SetUserActive(ctx, userID, active); err != nil {
		return err
	}
	if !active {
		if _, err := s.store.RevokeUserRefreshTokens(ctx, userID); err != nil {
			return fmt.Errorf("revoke refresh tokens: %w", err)
		}
	}
	return nil
}

// ListUsers returns every account.
func (s *AuthService) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *AuthService) entry(action, userID string, info RequestInfo) model.AuditEntry {
	return model.AuditEntry{
		Action:    action,
		UserID:    &userID,
		Endpoint:  info.Endpoint,
		Method:    info.Method,
		IPAddress: info.IP,
		UserAgent: info.UserAgent,
		CreatedAt: s.now().UTC(),
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", invalid("email", "is not a valid address")
	}
	return email, nil
}
