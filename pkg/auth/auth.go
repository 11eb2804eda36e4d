package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// APIKey checks bearer keys for the admin API. The configured value is
// either the key itself or its bcrypt hash.
type APIKey struct {
	plain string
	hash  []byte
}

// NewAPIKey builds a checker for configured. An empty value disables checks.
func NewAPIKey(configured string) *APIKey {
	if _, err := bcrypt.Cost([]byte(configured)); err == nil {
		return &APIKey{hash: []byte(configured)}
	}
	return &APIKey{plain: configured}
}

// Enabled reports whether a key is configured
func (k *APIKey) Enabled() bool {
	return k.plain != "" || len(k.hash) > 0
}

// Verify checks a presented key
func (k *APIKey) Verify(presented string) error {
	if presented == "" {
		return ErrMissingKey
	}
	if len(k.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(k.hash, []byte(presented)); err != nil {
			return ErrInvalidKey
		}
		return nil
	}
	if !SecureCompare(presented, k.plain) {
		return ErrInvalidKey
	}
	return nil
}

// Middleware rejects requests without a valid "Authorization: Bearer <key>"
// header. Paths in skip are always let through.
func (k *APIKey) Middleware(skip ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !k.Enabled() || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || k.Verify(token) != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GenerateAPIKey returns a random key and its bcrypt hash for the config file
func GenerateAPIKey() (key, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = base64.URLEncoding.EncodeToString(keyBytes)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(h), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
