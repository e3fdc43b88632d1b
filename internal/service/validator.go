package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/credential"
	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
)

// Reason is the stable code reported when a key is rejected.
type Reason string

const (
	ReasonMissing          Reason = "MISSING_CREDENTIAL"
	ReasonMalformed        Reason = "MALFORMED"
	ReasonInvalid          Reason = "INVALID_CREDENTIAL"
	ReasonRevoked          Reason = "REVOKED"
	ReasonDisabled         Reason = "DISABLED"
	ReasonExpired          Reason = "EXPIRED"
	ReasonGraceExpired     Reason = "GRACE_EXPIRED"
	ReasonIPNotAllowed     Reason = "IP_NOT_ALLOWED"
	ReasonUANotAllowed     Reason = "UA_NOT_ALLOWED"
	ReasonPermissionDenied Reason = "PERMISSION_DENIED"
)

var reasonMessages = map[Reason]string{
	ReasonMissing:          "API key required",
	ReasonMalformed:        "API key is malformed",
	ReasonInvalid:          "invalid API key",
	ReasonRevoked:          "API key has been revoked",
	ReasonDisabled:         "API key is disabled",
	ReasonExpired:          "API key has expired",
	ReasonGraceExpired:     "API key rotation grace period has ended",
	ReasonIPNotAllowed:     "client IP is not allowed for this API key",
	ReasonUANotAllowed:     "user agent is not allowed for this API key",
	ReasonPermissionDenied: "API key lacks the required permission",
}

// KeyError is a validation rejection.
type KeyError struct {
	Reason Reason
	// Key is the resolved record, nil when the credential never matched.
	Key *model.APIKey
}

func (e *KeyError) Error() string {
	if msg, ok := reasonMessages[e.Reason]; ok {
		return msg
	}
	return string(e.Reason)
}

// Status is the HTTP status for the rejection: 403 for scope and
// permission failures, 401 otherwise.
func (e *KeyError) Status() int {
	switch e.Reason {
	case ReasonIPNotAllowed, ReasonUANotAllowed, ReasonPermissionDenied:
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// KeyRequest is the part of an inbound request the validator looks at.
type KeyRequest struct {
	Credential string
	IP         string
	UserAgent  string
	Method     string
	Path       string
}

// ValidatorConfig bounds the registry calls made by the validator.
type ValidatorConfig struct {
	LookupTimeout time.Duration
	AsyncTimeout  time.Duration
}

// Validator decides whether a presented API key may make a request.
type Validator struct {
	reg     registry.Registry
	audit   audit.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     ValidatorConfig
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewValidator creates a validator. Zero timeouts default to 2s for the
// lookup and 5s for the detached usage write.
func NewValidator(reg registry.Registry, emitter audit.Emitter, m *metrics.Metrics, logger *slog.Logger, cfg ValidatorConfig) *Validator {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 5 * time.Second
	}
	if emitter == nil {
		emitter = audit.Discard
	}
	return &Validator{
		reg:     reg,
		audit:   emitter,
		metrics: m,
		logger:  logger.With("component", "validator"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Validate resolves and checks the credential. It returns the key on
// success, a *KeyError on rejection, or another error when the registry
// could not be consulted; callers must treat the latter as a failure.
func (v *Validator) Validate(ctx context.Context, req KeyRequest) (*model.APIKey, error) {
	start := v.now()
	key, err := v.validate(ctx, req)

	var kerr *KeyError
	switch {
	case err == nil:
		v.metrics.RecordValidation("", v.now().Sub(start))
	case errors.As(err, &kerr):
		v.metrics.RecordValidation(string(kerr.Reason), v.now().Sub(start))
		v.reject(kerr, req)
	default:
		v.metrics.RecordValidation("REGISTRY_ERROR", v.now().Sub(start))
	}
	return key, err
}

func (v *Validator) validate(ctx context.Context, req KeyRequest) (*model.APIKey, error) {
	if req.Credential == "" {
		return nil, &KeyError{Reason: ReasonMissing}
	}
	if !credential.IsValidFormat(req.Credential) {
		return nil, &KeyError{Reason: ReasonMalformed}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.cfg.LookupTimeout)
	defer cancel()
	key, err := v.reg.LookupByHash(lookupCtx, credential.Hash(req.Credential))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, &KeyError{Reason: ReasonInvalid}
		}
		return nil, fmt.Errorf("lookup key: %w", err)
	}

	now := v.now()
	switch key.Status {
	case model.KeyRevoked:
		return nil, &KeyError{Reason: ReasonRevoked, Key: key}
	case model.KeyDisabled:
		return nil, &KeyError{Reason: ReasonDisabled, Key: key}
	case model.KeyExpired:
		return nil, &KeyError{Reason: ReasonExpired, Key: key}
	}
	if key.GraceEnded(now) {
		v.lazyTransition(ctx, key, model.KeyRevoked, model.ActionKeyGraceEnded)
		return nil, &KeyError{Reason: ReasonGraceExpired, Key: key}
	}
	if key.PastExpiry(now) {
		v.lazyTransition(ctx, key, model.KeyExpired, model.ActionKeyExpired)
		return nil, &KeyError{Reason: ReasonExpired, Key: key}
	}

	if len(key.AllowedIPs) > 0 && !ipAllowed(req.IP, key.AllowedIPs) {
		return nil, &KeyError{Reason: ReasonIPNotAllowed, Key: key}
	}
	if len(key.AllowedUserAgents) > 0 && !uaAllowed(req.UserAgent, key.AllowedUserAgents) {
		return nil, &KeyError{Reason: ReasonUANotAllowed, Key: key}
	}
	if !key.HasPermission(model.RequiredPermission(req.Method)) {
		return nil, &KeyError{Reason: ReasonPermissionDenied, Key: key}
	}
	return key, nil
}

// lazyTransition persists a status change discovered at request time. It
// outlives a client disconnect but not the lookup timeout. Only
// the caller whose compare-and-swap wins records the audit entry.
func (v *Validator) lazyTransition(ctx context.Context, key *model.APIKey, to model.KeyStatus, action string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.LookupTimeout)
	defer cancel()
	won, err := v.reg.UpdateStatus(cctx, key.ID, key.Status, to)
	if err != nil {
		v.logger.Warn("lazy status transition failed", "key_id", key.ID, "to", to, "error", err)
		return
	}
	if !won {
		return
	}
	v.metrics.RecordTransition("request", string(to))
	owner, id := key.OwnerID, key.ID
	v.audit.Emit(model.AuditEntry{
		Action:    action,
		UserID:    &owner,
		APIKeyID:  &id,
		Metadata:  map[string]any{"previous_status": string(key.Status), "source": "request"},
		CreatedAt: v.now().UTC(),
	})
}

func (v *Validator) reject(kerr *KeyError, req KeyRequest) {
	e := model.AuditEntry{
		Action:     model.ActionKeyRejected,
		Endpoint:   req.Path,
		Method:     req.Method,
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
		StatusCode: kerr.Status(),
		Reason:     string(kerr.Reason),
		CreatedAt:  v.now().UTC(),
	}
	if kerr.Key != nil {
		owner, id := kerr.Key.OwnerID, kerr.Key.ID
		e.UserID, e.APIKeyID = &owner, &id
	}
	v.audit.Emit(e)
}

// RecordUse bumps the key's usage counter and records the request in the
// audit log. It returns immediately; the write runs detached from the
// request context under its own timeout.
func (v *Validator) RecordUse(key *model.APIKey, req KeyRequest, status int, latency time.Duration) {
	at := v.now()
	owner, id := key.OwnerID, key.ID
	v.audit.Emit(model.AuditEntry{
		Action:         model.ActionKeyUsed,
		UserID:         &owner,
		APIKeyID:       &id,
		Endpoint:       req.Path,
		Method:         req.Method,
		IPAddress:      req.IP,
		UserAgent:      req.UserAgent,
		StatusCode:     status,
		ResponseTimeMs: float64(latency.Microseconds()) / 1000,
		CreatedAt:      at.UTC(),
	})

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), v.cfg.AsyncTimeout)
		defer cancel()
		if err := v.reg.TouchUsage(ctx, id, at); err != nil {
			v.logger.Warn("usage update failed", "key_id", id, "error", err)
		}
	}()
}

// Wait blocks until pending usage writes finish.
func (v *Validator) Wait() {
	v.wg.Wait()
}

func ipAllowed(addr string, rules []string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, rule := range rules {
		if strings.Contains(rule, "/") {
			if p, err := netip.ParsePrefix(rule); err == nil && p.Contains(ip) {
				return true
			}
			continue
		}
		if r, err := netip.ParseAddr(rule); err == nil && r.Unmap() == ip {
			return true
		}
	}
	return false
}

func uaAllowed(ua string, allowed []string) bool {
	for _, s := range allowed {
		if s != "" && strings.Contains(ua, s) {
			return true
		}
	}
	return false
}
