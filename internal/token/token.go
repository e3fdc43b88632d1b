// Package token issues and verifies signed session tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/akmhq/akm/internal/credential"
)

var (
	// ErrInvalid covers bad signatures, wrong token types, malformed input,
	// and anything else that is not an expiry.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired is returned for a well-formed token past its exp claim.
	ErrExpired = errors.New("token expired")
)

// Type tags a token as access or refresh. Presenting one where the other is
// expected fails verification.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const issuer = "akm"

// Claims is the payload of every token this package signs.
type Claims struct {
	Type        Type     `json:"typ"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Config controls token lifetimes.
type Config struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service signs tokens with HS256.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService returns a Service. Zero TTLs default to 30 minutes for access
// tokens and 7 days for refresh tokens.
func NewService(cfg Config) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		secret:     []byte(cfg.Secret),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// AccessTTL returns the default access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccess signs an access token for subject carrying role and
// permissions. A zero ttl uses the configured default.
func (s *Service) IssueAccess(subject, role string, permissions []string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = s.accessTTL
	}
	return s.sign(Claims{
		Type:        TypeAccess,
		Role:        role,
		Permissions: permissions,
	}, subject, ttl)
}

// Refresh is a newly issued refresh token. Only Hash is persisted.
type Refresh struct {
	Token     string
	Hash      string
	ExpiresAt time.Time
}

// IssueRefresh signs a refresh token for subject. The jti is a random
// 48 byte secret, so each refresh token is unique and unguessable.
func (s *Service) IssueRefresh(subject string, ttl time.Duration) (*Refresh, error) {
	if ttl == 0 {
		ttl = s.refreshTTL
	}
	secret, err := credential.GenerateRefreshSecret()
	if err != nil {
		return nil, err
	}
	claims := Claims{Type: TypeRefresh}
	claims.ID = secret
	tok, err := s.sign(claims, subject, ttl)
	if err != nil {
		return nil, err
	}
	return &Refresh{
		Token:     tok,
		Hash:      credential.Hash(tok),
		ExpiresAt: s.now().Add(ttl).UTC().Truncate(time.Second),
	}, nil
}

func (s *Service) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	now := s.now()
	claims.Subject = subject
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.Must(uuid.NewV7()).String()
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and checks tokenStr and requires its type to equal want.
func (s *Service) Verify(tokenStr string, want Type) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !tok.Valid || claims.Type != want || claims.Subject == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}
