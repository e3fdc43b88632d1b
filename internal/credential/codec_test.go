package credential

import (
	"strings"
	"testing"
)

func TestGenerateAPIKeyFormat(t *testing.T) {
	full, public, err := GenerateAPIKey("")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(full, "akm_") {
		t.Errorf("key %q should start with the default prefix", full)
	}
	if public != full[:8] {
		t.Errorf("public prefix: got %q, want %q", public, full[:8])
	}
	// 32 random bytes encode to 43 base64url characters.
	if body := strings.TrimPrefix(full, "akm_"); len(body) != 43 {
		t.Errorf("body length: got %d, want 43", len(body))
	}
	if !IsValidFormat(full) {
		t.Errorf("generated key %q failed its own format check", full)
	}
}

func TestGenerateAPIKeyCustomPrefix(t *testing.T) {
	full, _, err := GenerateAPIKey("live")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if !strings.HasPrefix(full, "live_") {
		t.Errorf("key %q should start with live_", full)
	}

	if _, _, err := GenerateAPIKey("bad_prefix"); err == nil {
		t.Error("expected error for a prefix containing the separator")
	}
}

func TestGenerateAPIKeyNoCollisions(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		full, _, err := GenerateAPIKey("")
		if err != nil {
			t.Fatalf("GenerateAPIKey: %v", err)
		}
		if _, dup := seen[full]; dup {
			t.Fatalf("collision after %d keys: %s", i, full)
		}
		seen[full] = struct{}{}
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash("akm_secret")
	b := Hash("akm_secret")
	if a != b {
		t.Errorf("hash not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length: got %d, want 64", len(a))
	}
	if Hash("akm_other") == a {
		t.Error("different inputs produced the same digest")
	}
}

func TestIsValidFormat(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"empty", "", false},
		{"no separator", "akmabcdefghijklmnopqrstuvwxyz", false},
		{"short prefix", "a_abcdefghijklmnopqrstuvwxyz", false},
		{"short body", "akm_abc", false},
		{"bad characters", "akm_abcdefghij!klmnopqrstuv", false},
		{"minimum body", "akm_" + strings.Repeat("x", 20), true},
		{"body with dash and underscore", "akm_abc-def_ghi-jkl_mnop-qr", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidFormat(tt.input); got != tt.want {
				t.Errorf("IsValidFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenerateRefreshSecret(t *testing.T) {
	a, err := GenerateRefreshSecret()
	if err != nil {
		t.Fatalf("GenerateRefreshSecret: %v", err)
	}
	b, _ := GenerateRefreshSecret()
	if a == b {
		t.Error("two refresh secrets should differ")
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
}
