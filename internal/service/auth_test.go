package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/store"
	"github.com/akmhq/akm/internal/token"
)

const testPassword = "Str0ng!pass"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAuth(t *testing.T) (*AuthService, *store.Store, *audit.Memory) {
	t.Helper()
	st := newTestStore(t)
	mem := &audit.Memory{}
	tokens := token.NewService(token.Config{Secret: "test-secret-that-is-long-enough-for-hs256"})
	svc := NewAuthService(st, tokens, mem, AuthConfig{
		MaxLoginAttempts: 3,
		LockoutDuration:  15 * time.Minute,
		BcryptCost:       4,
	})
	return svc, st, mem
}

func registerUser(t *testing.T, svc *AuthService, email, username string) *model.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		Email:    email,
		Username: username,
		Password: testPassword,
	}, RequestInfo{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return u
}

func TestRegister(t *testing.T) {
	svc, _, mem := newTestAuth(t)

	u := registerUser(t, svc, "Alice@Example.com", "alice")
	if u.Email != "alice@example.com" {
		t.Errorf("email = %q, want lower-cased", u.Email)
	}
	if u.Role != model.RoleDeveloper {
		t.Errorf("role = %q, want developer", u.Role)
	}
	if u.PasswordHash == testPassword || u.PasswordHash == "" {
		t.Error("password must be stored hashed")
	}
	if mem.Count(model.ActionUserRegistered) != 1 {
		t.Error("expected a user_registered audit entry")
	}

	_, err := svc.Register(context.Background(), RegisterInput{
		Email: "alice@example.com", Username: "alice2", Password: testPassword,
	}, RequestInfo{})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate email: got %v, want ErrUserExists", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestAuth(t)

	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"bad email", RegisterInput{Email: "not-an-email", Username: "bob", Password: testPassword}, "email"},
		{"short username", RegisterInput{Email: "bob@example.com", Username: "bo", Password: testPassword}, "username"},
		{"username symbols", RegisterInput{Email: "bob@example.com", Username: "bob-smith", Password: testPassword}, "username"},
		{"weak password", RegisterInput{Email: "bob@example.com", Username: "bob", Password: "password"}, "password"},
		{"bad role", RegisterInput{Email: "bob@example.com", Username: "bob", Password: testPassword, Role: "root"}, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.in, RequestInfo{})
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, st, mem := newTestAuth(t)
	u := registerUser(t, svc, "carol@example.com", "carol")

	pair, got, err := svc.Login(context.Background(), "CAROL@example.com", testPassword, RequestInfo{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("user id = %q, want %q", got.ID, u.ID)
	}
	if pair.TokenType != "bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Errorf("unexpected pair: %+v", pair)
	}
	if pair.ExpiresIn != int((30 * time.Minute).Seconds()) {
		t.Errorf("expires_in = %d, want 1800", pair.ExpiresIn)
	}

	p, err := svc.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.UserID != u.ID || p.Role != model.RoleDeveloper {
		t.Errorf("principal = %+v", p)
	}
	if len(p.Permissions) != 2 {
		t.Errorf("permissions = %v, want [read write]", p.Permissions)
	}

	stored, _ := st.GetUser(context.Background(), u.ID)
	if stored.LastLoginAt == nil {
		t.Error("last_login_at not recorded")
	}
	if mem.Count(model.ActionLoginSucceeded) != 1 {
		t.Error("expected login_succeeded audit entry")
	}
}

func TestLoginReadOnlyPermissions(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	_, err := svc.Register(context.Background(), RegisterInput{
		Email: "ro@example.com", Username: "reader", Password: testPassword, Role: model.RoleReadOnly,
	}, RequestInfo{})
	if err != nil {
		t.Fatal(err)
	}
	pair, _, err := svc.Login(context.Background(), "ro@example.com", testPassword, RequestInfo{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := svc.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Permissions) != 1 || p.Permissions[0] != model.PermRead {
		t.Errorf("permissions = %v, want [read]", p.Permissions)
	}
}

func TestLoginLockout(t *testing.T) {
	svc, _, mem := newTestAuth(t)
	registerUser(t, svc, "dave@example.com", "dave")
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _, err := svc.Login(ctx, "dave@example.com", "Wrong!pass1", RequestInfo{})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	if mem.Count(model.ActionLoginFailed) != 3 {
		t.Errorf("login_failed entries = %d, want 3", mem.Count(model.ActionLoginFailed))
	}
	if mem.Count(model.ActionAccountLocked) != 1 {
		t.Errorf("account_locked entries = %d, want 1", mem.Count(model.ActionAccountLocked))
	}

	// Locked accounts are refused before the password is checked.
	_, _, err := svc.Login(ctx, "dave@example.com", testPassword, RequestInfo{})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("got %v, want ErrAccountLocked", err)
	}

	now = now.Add(16 * time.Minute)
	if _, _, err := svc.Login(ctx, "dave@example.com", testPassword, RequestInfo{}); err != nil {
		t.Fatalf("login after lockout: %v", err)
	}
}

func TestLoginUnknownAndInactive(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	if _, _, err := svc.Login(ctx, "ghost@example.com", testPassword, RequestInfo{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v, want ErrInvalidCredentials", err)
	}

	u := registerUser(t, svc, "erin@example.com", "erin")
	if err := svc.SetActive(ctx, u.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Login(ctx, "erin@example.com", "Wrong!pass1", RequestInfo{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("inactive wrong password: got %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.Login(ctx, "erin@example.com", testPassword, RequestInfo{}); !errors.Is(err, ErrAccountInactive) {
		t.Errorf("inactive: got %v, want ErrAccountInactive", err)
	}
}

func TestRefreshSingleUse(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	registerUser(t, svc, "frank@example.com", "frank")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "frank@example.com", testPassword, RequestInfo{})
	if err != nil {
		t.Fatal(err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken, RequestInfo{})
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh must issue a new refresh token")
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestInfo{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("replay: got %v, want ErrInvalidToken", err)
	}
	if _, err := svc.Refresh(ctx, pair.AccessToken, RequestInfo{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token as refresh: got %v, want ErrInvalidToken", err)
	}
	if _, err := svc.Refresh(ctx, "garbage", RequestInfo{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: got %v, want ErrInvalidToken", err)
	}
}

func TestRefreshConcurrentRedeem(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	registerUser(t, svc, "gina@example.com", "gina")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "gina@example.com", testPassword, RequestInfo{})
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestInfo{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("successful redemptions = %d, want 1", wins)
	}
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	svc, _, mem := newTestAuth(t)
	u := registerUser(t, svc, "hank@example.com", "hank")
	ctx := context.Background()

	a, _, _ := svc.Login(ctx, "hank@example.com", testPassword, RequestInfo{})
	b, _, _ := svc.Login(ctx, "hank@example.com", testPassword, RequestInfo{})

	if err := svc.Logout(ctx, u.ID, RequestInfo{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	for _, pair := range []*TokenPair{a, b} {
		if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestInfo{}); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("refresh after logout: got %v, want ErrInvalidToken", err)
		}
	}
	if mem.Count(model.ActionLogout) != 1 {
		t.Error("expected logout audit entry")
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, "ivy@example.com", "ivy")
	registerUser(t, svc, "jack@example.com", "jack")

	got, err := svc.UpdateProfile(ctx, u.ID, "", "ivy_new")
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if got.Username != "ivy_new" || got.Email != "ivy@example.com" {
		t.Errorf("got %+v", got)
	}

	if _, err := svc.UpdateProfile(ctx, u.ID, "jack@example.com", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("taken email: got %v, want ErrUserExists", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _, mem := newTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, "kate@example.com", "kate")
	pair, _, _ := svc.Login(ctx, "kate@example.com", testPassword, RequestInfo{})

	var verr *ValidationError
	if err := svc.ChangePassword(ctx, u.ID, "Wrong!pass1", "N3w!password", RequestInfo{}); !errors.As(err, &verr) {
		t.Fatalf("wrong current: got %v, want *ValidationError", err)
	}
	if err := svc.ChangePassword(ctx, u.ID, testPassword, "weak", RequestInfo{}); !errors.As(err, &verr) {
		t.Fatalf("weak new: got %v, want *ValidationError", err)
	}
	if err := svc.ChangePassword(ctx, u.ID, testPassword, "N3w!password", RequestInfo{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, _, err := svc.Login(ctx, "kate@example.com", "N3w!password", RequestInfo{}); err != nil {
		t.Errorf("login with new password: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken, RequestInfo{}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("old refresh token: got %v, want ErrInvalidToken", err)
	}
	if mem.Count(model.ActionPasswordChanged) != 1 {
		t.Error("expected password_changed audit entry")
	}
}

func TestSetRole(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()
	u := registerUser(t, svc, "leo@example.com", "leo")

	dev := &UserPrincipal{UserID: "x", Role: model.RoleDeveloper}
	if _, err := svc.SetRole(ctx, dev, u.ID, model.RoleAdmin, RequestInfo{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin: got %v, want ErrForbidden", err)
	}

	admin := &UserPrincipal{UserID: "root", Role: model.RoleAdmin}
	got, err := svc.SetRole(ctx, admin, u.ID, model.RoleReadOnly, RequestInfo{})
	if err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if got.Role != model.RoleReadOnly {
		t.Errorf("role = %q, want readonly", got.Role)
	}
	if _, err := svc.SetRole(ctx, admin, "missing", model.RoleAdmin, RequestInfo{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user: got %v, want ErrNotFound", err)
	}
}
