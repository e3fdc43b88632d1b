// Package credential generates and hashes API keys, refresh secrets, and
// passwords.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// DefaultPrefix is prepended to generated keys when no prefix is given.
	DefaultPrefix = "akm"

	// PublicPrefixLen is how many leading characters of a key are shown
	// for display and lookup hints.
	PublicPrefixLen = 8

	keyEntropyBytes     = 32
	refreshEntropyBytes = 48
	minPrefixLen        = 2
	minBodyLen          = 20
	separator           = "_"
)

// GenerateAPIKey returns a new random key formatted as <prefix>_<body> and
// its public display prefix. The body is 32 random bytes, base64url encoded
// without padding.
func GenerateAPIKey(prefix string) (full, public string, err error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.Contains(prefix, separator) || len(prefix) < minPrefixLen {
		return "", "", fmt.Errorf("invalid key prefix %q", prefix)
	}
	body, err := randomString(keyEntropyBytes)
	if err != nil {
		return "", "", err
	}
	full = prefix + separator + body
	return full, PublicPrefix(full), nil
}

// PublicPrefix returns the first PublicPrefixLen characters of a key.
func PublicPrefix(key string) string {
	if len(key) <= PublicPrefixLen {
		return key
	}
	return key[:PublicPrefixLen]
}

// GenerateRefreshSecret returns a random URL-safe secret for refresh tokens.
func GenerateRefreshSecret() (string, error) {
	return randomString(refreshEntropyBytes)
}

// Hash returns the hex-encoded SHA-256 digest of a high-entropy secret.
// It is deterministic so stored digests can be matched exactly; it must
// never be used for passwords.
func Hash(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// IsValidFormat is a cheap syntactic check run before any registry lookup.
// The candidate must look like <prefix>_<body> with a URL-safe body of at
// least 20 characters.
func IsValidFormat(candidate string) bool {
	i := strings.Index(candidate, separator)
	if i < minPrefixLen {
		return false
	}
	body := candidate[i+1:]
	if len(body) < minBodyLen {
		return false
	}
	for _, c := range body {
		if !urlSafe(c) {
			return false
		}
	}
	return true
}

func urlSafe(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
