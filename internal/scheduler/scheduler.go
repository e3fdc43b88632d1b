// Package scheduler runs the periodic key lifecycle sweep: expiring keys
// past their expiry, completing rotations whose grace period has ended,
// warning owners about upcoming expiries, and purging idle state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/metrics"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/notify"
	"github.com/akmhq/akm/internal/ratelimit"
	"github.com/akmhq/akm/internal/registry"
)

// Phase names, used in logs and the scheduler error metric.
const (
	PhaseExpire   = "expire"
	PhaseRotation = "complete_rotations"
	PhaseWarn     = "expiry_warnings"
	PhaseAdvisory = "advisory"
	PhasePurge    = "purge"
)

// Config controls the sweep cadence and windows.
type Config struct {
	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration
	// WarningWindow is how far ahead expiring keys are reported. Defaults
	// to 7 days.
	WarningWindow time.Duration
	// AuditRetention is the age past which audit entries are purged. Zero
	// keeps them forever.
	AuditRetention time.Duration
	// PhaseTimeout bounds a single phase. Defaults to 1 minute.
	PhaseTimeout time.Duration
}

// Advisory is one finding from an anomaly advisor.
type Advisory struct {
	KeyID       string
	Severity    string
	Description string
}

// Advisor reports usage anomalies. Its findings are logged, never acted on.
type Advisor interface {
	Advise(ctx context.Context, now time.Time) ([]Advisory, error)
}

// Purger removes stale persisted rows. *store.Store implements it.
type Purger interface {
	PurgeAuditEntries(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeRefreshTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result summarizes one sweep.
type Result struct {
	Expired       int   `json:"expired"`
	Revoked       int   `json:"revoked"`
	Warned        int   `json:"warned"`
	Advisories    int   `json:"advisories"`
	BucketsPurged int   `json:"buckets_purged"`
	AuditPurged   int64 `json:"audit_purged"`
	TokensPurged  int64 `json:"tokens_purged"`
	// Failed lists the phases that returned an error.
	Failed []string `json:"failed,omitempty"`
}

// Scheduler owns the cron loop. The zero value is not usable; call New.
type Scheduler struct {
	reg      registry.Registry
	limiter  *ratelimit.Limiter
	audit    audit.Emitter
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	advisor  Advisor
	purger   Purger
	cfg      Config
	now      func() time.Time

	runMu  sync.Mutex
	warned map[string]time.Time // key id -> expiry already warned about

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithAdvisor enables the advisory phase.
func WithAdvisor(a Advisor) Option {
	return func(s *Scheduler) { s.advisor = a }
}

// WithPurger enables purging of old audit entries and dead refresh tokens.
func WithPurger(p Purger) Option {
	return func(s *Scheduler) { s.purger = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. limiter, notifier and m may be nil.
func New(reg registry.Registry, limiter *ratelimit.Limiter, emitter audit.Emitter, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = 7 * 24 * time.Hour
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = time.Minute
	}
	if emitter == nil {
		emitter = audit.Discard
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Scheduler{
		reg:      reg,
		limiter:  limiter,
		audit:    emitter,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		cfg:      cfg,
		now:      time.Now,
		warned:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules a sweep every Interval. A sweep still running when the
// next one is due is skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()

	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "warning_window", s.cfg.WarningWindow)
	return nil
}

// Stop cancels the running sweep at the next phase boundary and waits for
// it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

// NextRun returns when the next sweep is due, or nil when stopped.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}

// RunOnce performs one sweep synchronously. A failing phase is logged and
// the next phase still runs. Cancellation is checked between phases only:
// a phase that has started runs to completion under its own timeout, and
// when ctx is done the partial result is returned with ctx's error.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	var res Result
	phases := []struct {
		name string
		run  func(context.Context, time.Time, *Result) error
	}{
		{PhaseExpire, s.expire},
		{PhaseRotation, s.completeRotations},
		{PhaseWarn, s.warnExpiring},
		{PhaseAdvisory, s.advise},
		{PhasePurge, s.purge},
	}
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.runPhase(ctx, p.run, &res); err != nil {
			res.Failed = append(res.Failed, p.name)
			s.metrics.RecordSchedulerError(p.name)
			s.logger.Error("sweep phase failed", "phase", p.name, "error", err)
		}
	}
	s.metrics.RecordSchedulerRun(s.now().Sub(start))

	s.logger.Info("sweep completed",
		"expired", res.Expired,
		"revoked", res.Revoked,
		"warned", res.Warned,
		"buckets_purged", res.BucketsPurged,
		"duration", s.now().Sub(start),
	)
	return res, nil
}

func (s *Scheduler) runPhase(ctx context.Context, run func(context.Context, time.Time, *Result) error, res *Result) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PhaseTimeout)
	defer cancel()
	return run(pctx, s.now(), res)
}

func (s *Scheduler) expire(ctx context.Context, now time.Time, res *Result) error {
	keys, err := s.reg.ListExpired(ctx, now)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		won, err := s.reg.UpdateStatus(ctx, k.ID, model.KeyActive, model.KeyExpired)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", k.ID, err))
			continue
		}
		if !won {
			continue
		}
		res.Expired++
		s.metrics.RecordTransition("scheduler", string(model.KeyExpired))
		s.emit(model.ActionKeyExpired, &k, map[string]any{
			"expired_at": k.ExpiresAt.UTC().Format(time.RFC3339),
			"source":     "scheduler",
		})
		s.notify(ctx, notify.EventKeyExpired, &k)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) completeRotations(ctx context.Context, now time.Time, res *Result) error {
	keys, err := s.reg.ListGraceEnded(ctx, now)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		won, err := s.reg.UpdateStatus(ctx, k.ID, k.Status, model.KeyRevoked)
		if err != nil {
			errs = append(errs, fmt.Errorf("revoke %s: %w", k.ID, err))
			continue
		}
		if !won {
			continue
		}
		res.Revoked++
		s.metrics.RecordTransition("scheduler", string(model.KeyRevoked))
		s.emit(model.ActionKeyGraceEnded, &k, map[string]any{
			"grace_period_ended_at": k.GracePeriodEndsAt.UTC().Format(time.RFC3339),
			"source":                "scheduler",
		})
		s.notify(ctx, notify.EventKeyRevoked, &k)
	}
	return errors.Join(errs...)
}

// warnExpiring reports each key once per expiry date for as long as the
// process runs. Keys that have left the warning window are forgotten.
func (s *Scheduler) warnExpiring(ctx context.Context, now time.Time, res *Result) error {
	keys, err := s.reg.ListExpiring(ctx, now, now.Add(s.cfg.WarningWindow))
	if err != nil {
		return err
	}
	current := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		current[k.ID] = struct{}{}
	}
	for id := range s.warned {
		if _, ok := current[id]; !ok {
			delete(s.warned, id)
		}
	}

	for _, k := range keys {
		if prev, ok := s.warned[k.ID]; ok && prev.Equal(*k.ExpiresAt) {
			continue
		}
		s.warned[k.ID] = *k.ExpiresAt
		res.Warned++

		days := int(k.ExpiresAt.Sub(now).Hours() / 24)
		s.emit(model.ActionKeyExpiryWarning, &k, map[string]any{
			"days_until_expiry": days,
			"expires_at":        k.ExpiresAt.UTC().Format(time.RFC3339),
		})
		if err := s.notifier.Notify(ctx, notify.EventKeyExpiring, map[string]any{
			"key_id":            k.ID,
			"key_name":          k.Name,
			"owner_id":          k.OwnerID,
			"expires_at":        k.ExpiresAt.UTC().Format(time.RFC3339),
			"days_until_expiry": days,
		}); err != nil {
			s.logger.Warn("expiry webhook failed", "key_id", k.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) advise(ctx context.Context, now time.Time, res *Result) error {
	if s.advisor == nil {
		return nil
	}
	advisories, err := s.advisor.Advise(ctx, now)
	if err != nil {
		return err
	}
	for _, a := range advisories {
		s.logger.Warn("usage anomaly", "key_id", a.KeyID, "severity", a.Severity, "description", a.Description)
	}
	res.Advisories = len(advisories)
	return nil
}

func (s *Scheduler) purge(ctx context.Context, now time.Time, res *Result) error {
	if s.limiter != nil {
		res.BucketsPurged = s.limiter.Purge()
		s.metrics.RecordBucketsPurged(res.BucketsPurged)
	}
	if s.purger == nil {
		return nil
	}

	var errs []error
	n, err := s.purger.PurgeRefreshTokens(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge refresh tokens: %w", err))
	}
	res.TokensPurged = n

	if s.cfg.AuditRetention > 0 {
		n, err := s.purger.PurgeAuditEntries(ctx, now.Add(-s.cfg.AuditRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge audit entries: %w", err))
		}
		res.AuditPurged = n
	}
	return errors.Join(errs...)
}

func (s *Scheduler) emit(action string, k *model.APIKey, meta map[string]any) {
	owner, id := k.OwnerID, k.ID
	s.audit.Emit(model.AuditEntry{
		Action:    action,
		UserID:    &owner,
		APIKeyID:  &id,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Scheduler) notify(ctx context.Context, event string, k *model.APIKey) {
	err := s.notifier.Notify(ctx, event, map[string]any{
		"key_id":   k.ID,
		"key_name": k.Name,
		"owner_id": k.OwnerID,
	})
	if err != nil {
		s.logger.Warn("webhook failed", "event", event, "key_id", k.ID, "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
