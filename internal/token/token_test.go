package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Config{Secret: "test-secret-key-for-jwt"})
}

func TestAccessRoundTrip(t *testing.T) {
	s := newTestService(t)

	tok, err := s.IssueAccess("user-1", "developer", []string{"read", "write"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	claims, err := s.Verify(tok, TypeAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject: got %q, want %q", claims.Subject, "user-1")
	}
	if claims.Role != "developer" {
		t.Errorf("Role: got %q, want %q", claims.Role, "developer")
	}
	if strings.Join(claims.Permissions, ",") != "read,write" {
		t.Errorf("Permissions: got %v, want [read write]", claims.Permissions)
	}
	if claims.Issuer != "akm" {
		t.Errorf("Issuer: got %q, want akm", claims.Issuer)
	}
}

func TestAccessExpired(t *testing.T) {
	s := newTestService(t)
	tok, err := s.IssueAccess("user-1", "developer", nil, -time.Minute)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := s.Verify(tok, TypeAccess); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify expired: got %v, want ErrExpired", err)
	}
}

func TestCrossTypeRejected(t *testing.T) {
	s := newTestService(t)

	access, _ := s.IssueAccess("user-1", "admin", []string{"read"}, time.Hour)
	if _, err := s.Verify(access, TypeRefresh); !errors.Is(err, ErrInvalid) {
		t.Errorf("access as refresh: got %v, want ErrInvalid", err)
	}

	refresh, err := s.IssueRefresh("user-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := s.Verify(refresh.Token, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("refresh as access: got %v, want ErrInvalid", err)
	}
	if _, err := s.Verify(refresh.Token, TypeRefresh); err != nil {
		t.Errorf("refresh as refresh: %v", err)
	}
}

func TestRefreshCarriesNoPermissions(t *testing.T) {
	s := newTestService(t)
	r, err := s.IssueRefresh("user-9", 0)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	claims, err := s.Verify(r.Token, TypeRefresh)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.Permissions) != 0 || claims.Role != "" {
		t.Errorf("refresh claims should not carry role or permissions: %+v", claims)
	}
	if len(r.Hash) != 64 {
		t.Errorf("hash length: got %d, want 64", len(r.Hash))
	}
	if r.ExpiresAt.Before(time.Now().Add(6 * 24 * time.Hour)) {
		t.Errorf("default refresh expiry too short: %v", r.ExpiresAt)
	}
}

func TestRefreshTokensUnique(t *testing.T) {
	s := newTestService(t)
	a, _ := s.IssueRefresh("user-1", time.Hour)
	b, _ := s.IssueRefresh("user-1", time.Hour)
	if a.Token == b.Token || a.Hash == b.Hash {
		t.Error("refresh tokens issued in the same second must differ")
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	s := newTestService(t)
	other := NewService(Config{Secret: "a-different-secret"})
	tok, _ := other.IssueAccess("user-1", "admin", nil, time.Hour)
	if _, err := s.Verify(tok, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("foreign signature: got %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	s := newTestService(t)
	claims := Claims{Type: TypeAccess}
	claims.Subject = "user-1"
	claims.Issuer = issuer
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.Verify(tok, TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("none alg: got %v, want ErrInvalid", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	s := newTestService(t)
	if _, err := s.Verify("garbage.token.here", TypeAccess); !errors.Is(err, ErrInvalid) {
		t.Errorf("garbage: got %v, want ErrInvalid", err)
	}
}

func TestVerifyUsesInjectedClock(t *testing.T) {
	s := newTestService(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	tok, _ := s.IssueAccess("user-1", "developer", nil, time.Minute)
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, err := s.Verify(tok, TypeAccess); err != nil {
		t.Errorf("within ttl: %v", err)
	}
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Verify(tok, TypeAccess); !errors.Is(err, ErrExpired) {
		t.Errorf("past ttl: got %v, want ErrExpired", err)
	}
}
