package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/akmhq/akm/internal/config"
	"github.com/akmhq/akm/internal/model"
	"github.com/akmhq/akm/internal/registry"
	"github.com/akmhq/akm/internal/service"
)

// setupCLI points the global viper and data dir at a fresh temp directory.
func setupCLI(t *testing.T) {
	t.Helper()
	viper.Reset()
	config.SetDefaults(viper.GetViper())
	viper.Set("auth.bcrypt_cost", 4)
	viper.Set("log.level", "error")
	dataDir = t.TempDir()
	t.Cleanup(func() {
		viper.Reset()
		dataDir = ""
	})
}

func TestSigningSecret(t *testing.T) {
	s := &config.Settings{}
	if _, err := signingSecret(s, false); !errors.Is(err, errInsecureSecret) {
		t.Errorf("empty secret without --dev: err = %v", err)
	}
	if got, err := signingSecret(s, true); err != nil || got != config.InsecureDevSecret {
		t.Errorf("empty secret with --dev = %q, %v", got, err)
	}

	s.JWTSecret = config.InsecureDevSecret
	if _, err := signingSecret(s, false); !errors.Is(err, errInsecureSecret) {
		t.Errorf("explicit dev secret without --dev: err = %v", err)
	}

	s.JWTSecret = strings.Repeat("k", config.MinSecretLength)
	if got, err := signingSecret(s, false); err != nil || got != s.JWTSecret {
		t.Errorf("configured secret = %q, %v", got, err)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "akm.yaml")
	var out bytes.Buffer

	if err := runConfigInit(&out, path, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := runConfigInit(&out, path, false); err == nil {
		t.Error("second init without --force succeeded")
	}
	if err := runConfigInit(&out, path, true); err != nil {
		t.Errorf("init --force: %v", err)
	}

	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	v.Set("auth.jwt_secret", "super-secret-value")

	out.Reset()
	if err := runConfigShow(&out, v); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"Config file: " + path, "server.port: 8080", "auth.jwt_secret: ********"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "super-secret-value") {
		t.Error("secret printed in clear")
	}
}

func TestVersionJSON(t *testing.T) {
	cmd := newVersionCmd("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	var info versionInfo
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" {
		t.Errorf("info = %+v", info)
	}
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd("dev", "none", "unknown")
	for _, path := range [][]string{
		{"serve"}, {"key", "create"}, {"key", "list"}, {"key", "revoke"}, {"key", "rotate"},
		{"key", "delete"}, {"user", "create"}, {"user", "list"}, {"user", "disable"}, {"user", "enable"}, {"sweep"}, {"config", "init"}, {"config", "show"},
		{"mcp"}, {"version"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}

func TestUserAndKeyCommands(t *testing.T) {
	setupCLI(t)
	ctx := context.Background()

	err := runUserCreate(ctx, service.RegisterInput{
		Email: "ops@example.com", Username: "ops", Password: "Str0ng!pass", Role: model.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("user create: %v", err)
	}
	if err := runUserList(ctx, true); err != nil {
		t.Fatalf("user list: %v", err)
	}

	name := "ci"
	in := service.KeyInput{Name: &name, Permissions: []model.Permission{model.PermRead}}
	if err := runKeyCreate(ctx, "ops@example.com", in); err != nil {
		t.Fatalf("key create: %v", err)
	}
	if err := runKeyCreate(ctx, "nobody@example.com", in); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("key create for unknown owner: err = %v", err)
	}

	keys := listKeys(t, "ops@example.com")
	if len(keys) != 1 || keys[0].Status != model.KeyActive {
		t.Fatalf("keys = %+v, want one active", keys)
	}
	oldID := keys[0].ID

	zero := 0
	if err := runKeyRotate(ctx, oldID, &zero); err != nil {
		t.Fatalf("key rotate: %v", err)
	}
	var newID string
	for _, k := range listKeys(t, "ops@example.com") {
		switch {
		case k.ID == oldID && k.Status != model.KeyRevoked:
			t.Errorf("old key status = %s, want revoked", k.Status)
		case k.ID != oldID:
			newID = k.ID
		}
	}
	if newID == "" {
		t.Fatal("no successor key")
	}

	if err := runKeyRevoke(ctx, newID); err != nil {
		t.Fatalf("key revoke: %v", err)
	}
	if err := runKeyRevoke(ctx, newID); err != nil {
		t.Errorf("second revoke: %v", err)
	}
	if err := runKeyList(ctx, "ops@example.com", registry.Filter{}, false); err != nil {
		t.Errorf("key list: %v", err)
	}
	if err := runSweep(ctx, true); err != nil {
		t.Errorf("sweep: %v", err)
	}

	s, err := loadSettings()
	if err != nil {
		t.Fatal(err)
	}
	st, err := openStore(s)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	counts, err := st.AuditStats(ctx, model.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]int64{}
	for _, c := range counts {
		got[c.Action] = c.Count
	}
	if got[model.ActionUserRegistered] != 1 || got[model.ActionKeyCreated] != 1 ||
		got[model.ActionKeyRotated] != 1 || got[model.ActionKeyRevoked] != 1 {
		t.Errorf("audit counts = %v", got)
	}
}

func TestKeyDeleteAndUserActive(t *testing.T) {
	setupCLI(t)
	ctx := context.Background()

	err := runUserCreate(ctx, service.RegisterInput{
		Email: "dev@example.com", Username: "dev", Password: "Str0ng!pass",
	})
	if err != nil {
		t.Fatalf("user create: %v", err)
	}
	name := "tmp"
	if err := runKeyCreate(ctx, "dev@example.com", service.KeyInput{Name: &name}); err != nil {
		t.Fatalf("key create: %v", err)
	}
	id := listKeys(t, "dev@example.com")[0].ID

	if err := runKeyDelete(ctx, id); !errors.Is(err, service.ErrInvalidState) {
		t.Fatalf("delete active key: err = %v, want ErrInvalidState", err)
	}
	if err := runKeyRevoke(ctx, id); err != nil {
		t.Fatalf("key revoke: %v", err)
	}
	if err := runKeyDelete(ctx, id); err != nil {
		t.Fatalf("delete revoked key: %v", err)
	}
	if keys := listKeys(t, "dev@example.com"); len(keys) != 0 {
		t.Errorf("got %d keys after delete, want 0", len(keys))
	}

	if err := runUserSetActive(ctx, "dev@example.com", false); err != nil {
		t.Fatalf("user disable: %v", err)
	}
	if u := getUser(t, "dev@example.com"); u.IsActive {
		t.Error("user still active after disable")
	}
	if err := runUserSetActive(ctx, "dev@example.com", true); err != nil {
		t.Fatalf("user enable: %v", err)
	}
	if u := getUser(t, "dev@example.com"); !u.IsActive {
		t.Error("user inactive after enable")
	}
	if err := runUserSetActive(ctx, "ghost@example.com", false); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown user: err = %v", err)
	}
}

func getUser(t *testing.T, email string) *model.User {
	t.Helper()
	s, err := loadSettings()
	if err != nil {
		t.Fatal(err)
	}
	st, err := openStore(s)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	u, err := st.GetUserByEmail(context.Background(), email)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func listKeys(t *testing.T, owner string) []model.APIKey {
	t.Helper()
	ctx := context.Background()
	s, err := loadSettings()
	if err != nil {
		t.Fatal(err)
	}
	st, err := openStore(s)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	u, err := lookupUser(ctx, st, owner)
	if err != nil {
		t.Fatal(err)
	}
	keys, _, err := st.ListByOwner(ctx, u.ID, registry.Filter{}, registry.Page{Number: 1, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	return keys
}
