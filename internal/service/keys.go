package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/credential"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
)

// Bounds on key creation and rotation inputs.
const (
	MaxPerMinute        = 10000
	MaxPerHour          = 100000
	MaxPerDay           = 1000000
	MaxExpiresInDays    = 365
	MaxGracePeriodHours = 168
	DefaultGraceHours   = 24
)

// statusRetries bounds compare-and-swap retries when a key's status changes
// underneath a management call.
const statusRetries = 3

// KeyInput carries the attributes for creating or updating a key. Nil
// fields are left unchanged on update.
type KeyInput struct {
	Name               *string
	Description        *string
	Permissions        []model.Permission
	AllowedIPs         []string
	AllowedUserAgents  []string
	Environment        *string
	RateLimitPerMinute *int
	RateLimitPerHour   *int
	RateLimitPerDay    *int
	ExpiresInDays      *int
}

// CreatedKey is a new key together with its raw secret. The secret is
// returned once and never stored.
type CreatedKey struct {
	Key    *model.APIKey
	RawKey string
}

// RotatedKey is the outcome of a rotation.
type RotatedKey struct {
	OldKeyID          string
	New               CreatedKey
	GracePeriodEndsAt *time.Time
}

// KeyService implements owner-scoped API key management.
type KeyService struct {
	reg    registry.Registry
	audit  audit.Emitter
	prefix string
	now    func() time.Time
}

// NewKeyService creates a key service. prefix is the generated key prefix;
// empty means the codec default.
func NewKeyService(reg registry.Registry, emitter audit.Emitter, prefix string) *KeyService {
	if emitter == nil {
		emitter = audit.Discard
	}
	return &KeyService{reg: reg, audit: emitter, prefix: prefix, now: time.Now}
}

// Create generates a key for ownerID. Permissions default to read and the
// environment to production.
func (s *KeyService) Create(ctx context.Context, ownerID string, in KeyInput, info RequestInfo) (*CreatedKey, error) {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return nil, invalid("name", "is required")
	}
	k := &model.APIKey{
		OwnerID:           ownerID,
		Permissions:       []model.Permission{model.PermRead},
		AllowedIPs:        []string{},
		AllowedUserAgents: []string{},
		Environment:       model.EnvProduction,
	}
	if err := s.apply(k, in); err != nil {
		return nil, err
	}
	if in.ExpiresInDays != nil {
		d := *in.ExpiresInDays
		if d < 1 || d > MaxExpiresInDays {
			return nil, invalid("expires_in_days", "must be between 1 and %d", MaxExpiresInDays)
		}
		exp := s.now().UTC().Add(time.Duration(d) * 24 * time.Hour)
		k.ExpiresAt = &exp
	}

	raw, public, err := credential.GenerateAPIKey(s.prefix)
	if err != nil {
		return nil, err
	}
	k.KeyPrefix = public
	k.KeyHash = credential.Hash(raw)

	if err := s.reg.Create(ctx, k); err != nil {
		return nil, fmt.Errorf("create key: %w", err)
	}

	e := s.entry(model.ActionKeyCreated, k, info)
	e.Metadata = map[string]any{
		"name":        k.Name,
		"permissions": model.PermissionStrings(k.Permissions),
		"environment": k.Environment,
	}
	s.audit.Emit(e)
	return &CreatedKey{Key: k, RawKey: raw}, nil
}

// Get returns the owner's key. Keys owned by someone else read as
// ErrNotFound.
func (s *KeyService) Get(ctx context.Context, ownerID, keyID string) (*model.APIKey, error) {
	k, err := s.reg.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if k.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return k, nil
}

// List returns one page of the owner's keys and the total count.
func (s *KeyService) List(ctx context.Context, ownerID string, f registry.Filter, p registry.Page) ([]model.APIKey, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("status", "unknown status %q", f.Status)
	}
	if f.Environment != "" && !model.ValidEnvironment(f.Environment) {
		return nil, 0, invalid("environment", "unknown environment %q", f.Environment)
	}
	return s.reg.ListByOwner(ctx, ownerID, f, p.Normalize())
}

// Update changes the mutable attributes of a key.
func (s *KeyService) Update(ctx context.Context, ownerID, keyID string, in KeyInput, info RequestInfo) (*model.APIKey, error) {
	k, err := s.Get(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return nil, invalid("name", "must not be empty")
	}
	if in.ExpiresInDays != nil {
		return nil, invalid("expires_in_days", "cannot be changed after creation")
	}
	if err := s.apply(k, in); err != nil {
		return nil, err
	}
	if err := s.reg.Update(ctx, k); err != nil {
		return nil, fmt.Errorf("update key: %w", err)
	}

	e := s.entry(model.ActionKeyUpdated, k, info)
	e.Metadata = map[string]any{"updated_fields": in.fields()}
	s.audit.Emit(e)
	return s.reg.Get(ctx, keyID)
}

// Rotate issues a successor for an active key. With a positive grace the
// old key keeps authenticating until the grace ends; with zero it is
// revoked immediately. A nil graceHours means the default of 24.
func (s *KeyService) Rotate(ctx context.Context, ownerID, keyID string, graceHours *int, info RequestInfo) (*RotatedKey, error) {
	hours := DefaultGraceHours
	if graceHours != nil {
		hours = *graceHours
	}
	if hours < 0 || hours > MaxGracePeriodHours {
		return nil, invalid("grace_period_hours", "must be between 0 and %d", MaxGracePeriodHours)
	}

	old, err := s.Get(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	if old.Status != model.KeyActive {
		return nil, fmt.Errorf("%w: cannot rotate a %s key", ErrInvalidState, old.Status)
	}

	raw, public, err := credential.GenerateAPIKey(s.prefix)
	if err != nil {
		return nil, err
	}
	successor := &model.APIKey{
		Name:               old.Name,
		Description:        old.Description,
		KeyPrefix:          public,
		KeyHash:            credential.Hash(raw),
		OwnerID:            old.OwnerID,
		Permissions:        old.Permissions,
		AllowedIPs:         old.AllowedIPs,
		AllowedUserAgents:  old.AllowedUserAgents,
		Environment:        old.Environment,
		RateLimitPerMinute: old.RateLimitPerMinute,
		RateLimitPerHour:   old.RateLimitPerHour,
		RateLimitPerDay:    old.RateLimitPerDay,
		ExpiresAt:          old.ExpiresAt,
	}

	var graceEnds *time.Time
	if hours > 0 {
		t := s.now().UTC().Add(time.Duration(hours) * time.Hour)
		graceEnds = &t
	}
	if err := s.reg.Rotate(ctx, old.ID, graceEnds, successor); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: key is no longer active", ErrInvalidState)
		}
		return nil, fmt.Errorf("rotate key: %w", err)
	}

	e := s.entry(model.ActionKeyRotated, old, info)
	e.Metadata = map[string]any{"new_key_id": successor.ID, "grace_period_hours": hours}
	s.audit.Emit(e)

	return &RotatedKey{
		OldKeyID:          old.ID,
		New:               CreatedKey{Key: successor, RawKey: raw},
		GracePeriodEndsAt: graceEnds,
	}, nil
}

// Disable stops an active or rotating key from authenticating. A disabled
// rotating key keeps its grace deadline.
func (s *KeyService) Disable(ctx context.Context, ownerID, keyID string, info RequestInfo) (*model.APIKey, error) {
	return s.transition(ctx, ownerID, keyID, model.ActionKeyDisabled, info,
		func(k *model.APIKey) (model.KeyStatus, bool, error) {
			switch k.Status {
			case model.KeyDisabled:
				return k.Status, false, nil
			case model.KeyActive, model.KeyRotating:
				return model.KeyDisabled, true, nil
			}
			return "", false, fmt.Errorf("%w: cannot disable a %s key", ErrInvalidState, k.Status)
		})
}

// Enable reactivates a disabled key. A key that was superseded by a
// rotation goes back to rotating, and cannot be enabled once its grace
// period is over; the sweep revokes it instead.
func (s *KeyService) Enable(ctx context.Context, ownerID, keyID string, info RequestInfo) (*model.APIKey, error) {
	return s.transition(ctx, ownerID, keyID, model.ActionKeyEnabled, info,
		func(k *model.APIKey) (model.KeyStatus, bool, error) {
			switch k.Status {
			case model.KeyActive, model.KeyRotating:
				return k.Status, false, nil
			case model.KeyDisabled:
				if k.GracePeriodEndsAt == nil {
					return model.KeyActive, true, nil
				}
				if !s.now().Before(*k.GracePeriodEndsAt) {
					return "", false, fmt.Errorf("%w: rotation grace period ended at %s",
						ErrInvalidState, k.GracePeriodEndsAt.UTC().Format(time.RFC3339))
				}
				return model.KeyRotating, true, nil
			}
			return "", false, fmt.Errorf("%w: cannot enable a %s key", ErrInvalidState, k.Status)
		})
}

// Revoke permanently invalidates a key. Revoking a revoked key is a no-op.
func (s *KeyService) Revoke(ctx context.Context, ownerID, keyID string, info RequestInfo) (*model.APIKey, error) {
	return s.transition(ctx, ownerID, keyID, model.ActionKeyRevoked, info,
		func(k *model.APIKey) (model.KeyStatus, bool, error) {
			return model.KeyRevoked, k.Status != model.KeyRevoked, nil
		})
}

// transition moves a key with a compare-and-swap, retrying when a
// concurrent writer changed the status first. next decides from the
// observed key the target status and whether the move applies, is a
// no-op, or is refused.
func (s *KeyService) transition(ctx context.Context, ownerID, keyID, action string, info RequestInfo, next func(*model.APIKey) (model.KeyStatus, bool, error)) (*model.APIKey, error) {
	for range statusRetries {
		k, err := s.Get(ctx, ownerID, keyID)
		if err != nil {
			return nil, err
		}
		to, apply, err := next(k)
		if err != nil {
			return nil, err
		}
		if !apply {
			return k, nil
		}
		ok, err := s.reg.UpdateStatus(ctx, keyID, k.Status, to)
		if err != nil {
			return nil, fmt.Errorf("update key status: %w", err)
		}
		if !ok {
			continue
		}

		e := s.entry(action, k, info)
		e.Metadata = map[string]any{"previous_status": string(k.Status), "status": string(to)}
		s.audit.Emit(e)
		return s.reg.Get(ctx, keyID)
	}
	return nil, fmt.Errorf("%w: key status changed concurrently", ErrConflict)
}

func (s *KeyService) apply(k *model.APIKey, in KeyInput) error {
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if len(name) > 100 {
			return invalid("name", "must be at most 100 characters")
		}
		k.Name = name
	}
	if in.Description != nil {
		k.Description = *in.Description
	}
	if in.Permissions != nil {
		if len(in.Permissions) == 0 {
			return invalid("permissions", "must not be empty")
		}
		seen := make(map[model.Permission]bool, len(in.Permissions))
		perms := make([]model.Permission, 0, len(in.Permissions))
		for _, p := range in.Permissions {
			if !model.ValidPermission(p) {
				return invalid("permissions", "unknown permission %q", p)
			}
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
		k.Permissions = perms
	}
	if in.AllowedIPs != nil {
		for _, ip := range in.AllowedIPs {
			if !validIPRule(ip) {
				return invalid("allowed_ips", "%q is not an IP address or CIDR", ip)
			}
		}
		k.AllowedIPs = in.AllowedIPs
	}
	if in.AllowedUserAgents != nil {
		k.AllowedUserAgents = in.AllowedUserAgents
	}
	if in.Environment != nil {
		if !model.ValidEnvironment(*in.Environment) {
			return invalid("environment", "unknown environment %q", *in.Environment)
		}
		k.Environment = *in.Environment
	}
	if err := checkRange("rate_limit_per_minute", in.RateLimitPerMinute, MaxPerMinute); err != nil {
		return err
	}
	if err := checkRange("rate_limit_per_hour", in.RateLimitPerHour, MaxPerHour); err != nil {
		return err
	}
	if err := checkRange("rate_limit_per_day", in.RateLimitPerDay, MaxPerDay); err != nil {
		return err
	}
	if in.RateLimitPerMinute != nil {
		k.RateLimitPerMinute = in.RateLimitPerMinute
	}
	if in.RateLimitPerHour != nil {
		k.RateLimitPerHour = in.RateLimitPerHour
	}
	if in.RateLimitPerDay != nil {
		k.RateLimitPerDay = in.RateLimitPerDay
	}
	return nil
}

func (in KeyInput) fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(in.Name != nil, "name")
	add(in.Description != nil, "description")
	add(in.Permissions != nil, "permissions")
	add(in.AllowedIPs != nil, "allowed_ips")
	add(in.AllowedUserAgents != nil, "allowed_user_agents")
	add(in.Environment != nil, "environment")
	add(in.RateLimitPerMinute != nil, "rate_limit_per_minute")
	add(in.RateLimitPerHour != nil, "rate_limit_per_hour")
	add(in.RateLimitPerDay != nil, "rate_limit_per_day")
	return out
}

func checkRange(field string, v *int, max int) error {
	if v != nil && (*v < 1 || *v > max) {
		return invalid(field, "must be between 1 and %d", max)
	}
	return nil
}

func validIPRule(rule string) bool {
	if strings.Contains(rule, "/") {
		_, err := netip.ParsePrefix(rule)
		return err == nil
	}
	_, err := netip.ParseAddr(rule)
	return err == nil
}

func (s *KeyService) entry(action string, k *model.APIKey, info RequestInfo) model.AuditEntry {
	owner, id := k.OwnerID, k.ID
	return model.AuditEntry{
		Action:    action,
		UserID:    &owner,
		APIKeyID:  &id,
		Endpoint:  info.Endpoint,
		Method:    info.Method,
		IPAddress: info.IP,
		UserAgent: info.UserAgent,
		CreatedAt: s.now().UTC(),
	}
}
