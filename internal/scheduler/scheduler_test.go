package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/akmhq/akm/internal/audit"
	"github.com/akmhq/akm/internal/credential"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/ratelimit"
	"github.com/akmhq/akm/internal/registry"
	"github.com/akmhq/akm/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, event string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.data = append(n.data, data)
	return nil
}

func (n *recordingNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

type fixture struct {
	store    *store.Store
	audit    *audit.Memory
	notifier *recordingNotifier
	owner    string
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	u := &model.User{Email: "sched@example.com", Username: "sched", PasswordHash: "x", IsActive: true}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:    st,
		audit:    &audit.Memory{},
		notifier: &recordingNotifier{},
		owner:    u.ID,
		now:      time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) scheduler(reg registry.Registry, limiter *ratelimit.Limiter, opts ...Option) *Scheduler {
	opts = append(opts, WithClock(func() time.Time { return f.now }))
	return New(reg, limiter, f.audit, f.notifier, nil, discardLogger, Config{}, opts...)
}

func (f *fixture) addKey(t *testing.T, expiresAt *time.Time) *model.APIKey {
	t.Helper()
	raw, public, err := credential.GenerateAPIKey("")
	if err != nil {
		t.Fatal(err)
	}
	k := &model.APIKey{
		Name:        "k",
		KeyPrefix:   public,
		KeyHash:     credential.Hash(raw),
		OwnerID:     f.owner,
		Permissions: []model.Permission{model.PermRead},
		Environment: model.EnvProduction,
		ExpiresAt:   expiresAt,
	}
	if err := f.store.Create(context.Background(), k); err != nil {
		t.Fatal(err)
	}
	return k
}

func at(t time.Time) *time.Time { return &t }

func TestRunOnceExpiresKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.addKey(t, at(f.now.Add(-time.Minute)))
	live := f.addKey(t, at(f.now.Add(30*24*time.Hour)))
	f.addKey(t, nil)

	s := f.scheduler(f.store, nil)
	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Expired != 1 {
		t.Errorf("expired = %d, want 1", res.Expired)
	}

	got, _ := f.store.Get(ctx, due.ID)
	if got.Status != model.KeyExpired {
		t.Errorf("due key status = %s, want expired", got.Status)
	}
	got, _ = f.store.Get(ctx, live.ID)
	if got.Status != model.KeyActive {
		t.Errorf("live key status = %s, want active", got.Status)
	}
	if f.notifier.count("key.expired") != 1 {
		t.Error("expected key.expired webhook")
	}

	res, _ = s.RunOnce(ctx)
	if res.Expired != 0 {
		t.Errorf("second sweep expired = %d, want 0", res.Expired)
	}
	if n := f.audit.Count(model.ActionKeyExpired); n != 1 {
		t.Errorf("expired entries = %d, want 1", n)
	}
}

func TestRunOnceCompletesRotations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.addKey(t, nil)
	successor := &model.APIKey{Name: "next", KeyPrefix: "akm_next", KeyHash: credential.Hash("next"), OwnerID: f.owner, Environment: model.EnvProduction}
	if err := f.store.Rotate(ctx, old.ID, at(f.now.Add(-time.Second)), successor); err != nil {
		t.Fatal(err)
	}

	res, err := f.scheduler(f.store, nil).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Revoked != 1 {
		t.Errorf("revoked = %d, want 1", res.Revoked)
	}
	got, _ := f.store.Get(ctx, old.ID)
	if got.Status != model.KeyRevoked {
		t.Errorf("old status = %s, want revoked", got.Status)
	}
	got, _ = f.store.Get(ctx, successor.ID)
	if got.Status != model.KeyActive {
		t.Errorf("successor status = %s, want active", got.Status)
	}
}

func TestRunOnceWarnsOncePerExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.addKey(t, at(f.now.Add(3*24*time.Hour+time.Hour)))
	f.addKey(t, at(f.now.Add(30*24*time.Hour)))

	s := f.scheduler(f.store, nil)
	res, _ := s.RunOnce(ctx)
	if res.Warned != 1 {
		t.Fatalf("warned = %d, want 1", res.Warned)
	}

	entries := f.audit.Entries()
	var warn *model.AuditEntry
	for i := range entries {
		if entries[i].Action == model.ActionKeyExpiryWarning {
			warn = &entries[i]
		}
	}
	if warn == nil || *warn.APIKeyID != k.ID {
		t.Fatal("missing expiry warning entry")
	}
	if warn.Metadata["days_until_expiry"] != 3 {
		t.Errorf("days_until_expiry = %v, want 3", warn.Metadata["days_until_expiry"])
	}
	if f.notifier.count("key.expiring") != 1 {
		t.Error("expected key.expiring webhook")
	}

	f.now = f.now.Add(5 * time.Minute)
	res, _ = s.RunOnce(ctx)
	if res.Warned != 0 {
		t.Errorf("repeat sweep warned = %d, want 0", res.Warned)
	}
}

type brokenExpiry struct {
	registry.Registry
}

func (brokenExpiry) ListExpired(context.Context, time.Time) ([]model.APIKey, error) {
	return nil, errors.New("database is locked")
}

func TestRunOnceContinuesAfterPhaseFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.addKey(t, nil)
	successor := &model.APIKey{Name: "next", KeyPrefix: "akm_next", KeyHash: credential.Hash("next"), OwnerID: f.owner, Environment: model.EnvProduction}
	if err := f.store.Rotate(ctx, old.ID, at(f.now.Add(-time.Second)), successor); err != nil {
		t.Fatal(err)
	}

	res, err := f.scheduler(brokenExpiry{f.store}, nil).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != PhaseExpire {
		t.Errorf("failed = %v, want [%s]", res.Failed, PhaseExpire)
	}
	if res.Revoked != 1 {
		t.Errorf("revoked = %d, want 1 despite earlier failure", res.Revoked)
	}
}

func TestRunOnceCanceled(t *testing.T) {
	f := newFixture(t)
	f.addKey(t, at(f.now.Add(-time.Minute)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.scheduler(f.store, nil).RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res.Expired != 0 {
		t.Errorf("expired = %d, want 0", res.Expired)
	}
}

// cancelAfterFirstUpdate cancels the sweep context once the first status
// change lands, as a shutdown arriving mid-phase would.
type cancelAfterFirstUpdate struct {
	registry.Registry
	cancel context.CancelFunc
	once   sync.Once
}

func (r *cancelAfterFirstUpdate) UpdateStatus(ctx context.Context, id string, from, to model.KeyStatus) (bool, error) {
	ok, err := r.Registry.UpdateStatus(ctx, id, from, to)
	r.once.Do(r.cancel)
	return ok, err
}

func TestRunOnceFinishesPhaseAfterCancel(t *testing.T) {
	f := newFixture(t)
	for range 3 {
		f.addKey(t, at(f.now.Add(-time.Minute)))
	}
	old := f.addKey(t, nil)
	successor := &model.APIKey{Name: "next", KeyPrefix: "akm_next", KeyHash: credential.Hash("next"), OwnerID: f.owner, Environment: model.EnvProduction}
	if err := f.store.Rotate(context.Background(), old.ID, at(f.now.Add(-time.Second)), successor); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := &cancelAfterFirstUpdate{Registry: f.store, cancel: cancel}
	res, err := f.scheduler(reg, nil).RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res.Expired != 3 || len(res.Failed) != 0 {
		t.Errorf("expired = %d failed = %v, want 3 and none", res.Expired, res.Failed)
	}
	if res.Revoked != 0 {
		t.Errorf("revoked = %d, want 0: the rotation phase starts after cancel", res.Revoked)
	}
}

func TestRunOnceForgetsWarnedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	k := f.addKey(t, at(f.now.Add(2*24*time.Hour)))

	s := f.scheduler(f.store, nil)
	if res, _ := s.RunOnce(ctx); res.Warned != 1 {
		t.Fatalf("warned = %d, want 1", res.Warned)
	}
	if len(s.warned) != 1 {
		t.Fatalf("warned set = %d, want 1", len(s.warned))
	}

	if ok, err := f.store.UpdateStatus(ctx, k.ID, model.KeyActive, model.KeyRevoked); err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	s.RunOnce(ctx)
	if len(s.warned) != 0 {
		t.Errorf("warned set = %d after revoke, want 0", len(s.warned))
	}
}

func TestRunOnceRevokesDisabledSupersededKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.addKey(t, nil)
	successor := &model.APIKey{Name: "next", KeyPrefix: "akm_next", KeyHash: credential.Hash("next"), OwnerID: f.owner, Environment: model.EnvProduction}
	if err := f.store.Rotate(ctx, old.ID, at(f.now.Add(-time.Second)), successor); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.store.UpdateStatus(ctx, old.ID, model.KeyRotating, model.KeyDisabled); err != nil || !ok {
		t.Fatalf("disable: ok=%v err=%v", ok, err)
	}

	res, err := f.scheduler(f.store, nil).RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Revoked != 1 {
		t.Errorf("revoked = %d, want 1", res.Revoked)
	}
	if got, _ := f.store.Get(ctx, old.ID); got.Status != model.KeyRevoked {
		t.Errorf("old status = %s, want revoked", got.Status)
	}
}

type staticAdvisor []Advisory

func (a staticAdvisor) Advise(context.Context, time.Time) ([]Advisory, error) { return a, nil }

func TestRunOnceAdvisoryAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clock := f.now
	limiter := ratelimit.New(ratelimit.DefaultLimits, ratelimit.WithClock(func() time.Time { return clock }), ratelimit.WithTTL(time.Hour))
	limiter.Allow(ratelimit.IPIdentifier("10.0.0.1"), ratelimit.Limits{})
	limiter.Allow(ratelimit.KeyIdentifier("k1"), ratelimit.Limits{})
	clock = clock.Add(2 * time.Hour)

	if err := f.store.CreateRefreshToken(ctx, &model.RefreshToken{
		UserID: f.owner, TokenHash: credential.Hash("old"), ExpiresAt: f.now.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	s := f.scheduler(f.store, limiter,
		WithAdvisor(staticAdvisor{{KeyID: "k1", Severity: "high", Description: "burst"}}),
		WithPurger(f.store),
	)
	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Advisories != 1 {
		t.Errorf("advisories = %d, want 1", res.Advisories)
	}
	if res.BucketsPurged != 2 || limiter.Len() != 0 {
		t.Errorf("buckets purged = %d (left %d), want 2 (0)", res.BucketsPurged, limiter.Len())
	}
	if res.TokensPurged != 1 {
		t.Errorf("tokens purged = %d, want 1", res.TokensPurged)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, nil, nil, nil, nil, discardLogger, Config{Interval: time.Hour})

	if s.NextRun() != nil {
		t.Error("NextRun before Start should be nil")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if next := s.NextRun(); next == nil || next.IsZero() {
		t.Error("NextRun should be set while running")
	}
	s.Stop()
	s.Stop()
	if s.NextRun() != nil {
		t.Error("NextRun after Stop should be nil")
	}
}
