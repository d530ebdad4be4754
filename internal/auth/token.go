// Package auth provides shared-secret generation, hashing, and comparison
// utilities used by the route guard and the control API.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenHeader is the dedicated header for token-auth routes.
const TokenHeader = "X-Gateway-Token"

// GenerateToken returns a cryptographically random, URL-safe secret.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns a bcrypt hash of secret suitable for configuration
// files, so the plaintext never needs to be stored.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// IsBcryptHash reports whether v looks like a bcrypt hash.
func IsBcryptHash(v string) bool {
	return strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$")
}

// SecretMatches compares a presented credential against the configured
// secret. The configured value may be plaintext or a bcrypt hash. An empty
// configured secret never matches.
func SecretMatches(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	if IsBcryptHash(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	// Comparing digests keeps the comparison constant-time regardless of
	// length.
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ExtractToken returns the credential presented for token auth. It accepts
// the dedicated header, "Authorization: Token <v>" and "Authorization:
// Bearer <v>".
func ExtractToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(TokenHeader)); v != "" {
		return v
	}
	scheme, value, ok := authorization(r)
	if !ok {
		return ""
	}
	if strings.EqualFold(scheme, "Token") || strings.EqualFold(scheme, "Bearer") {
		return value
	}
	return ""
}

// BearerToken returns the value of a "Bearer" Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, value, ok := authorization(r)
	if !ok || !strings.EqualFold(scheme, "Bearer") || value == "" {
		return "", false
	}
	return value, true
}

// LooksLikeJWT checks only the compact-serialisation shape: three
// non-empty base64url segments. It does not verify anything.
func LooksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p, "=")); err != nil {
			return false
		}
	}
	return true
}

func authorization(r *http.Request) (scheme, value string, ok bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", "", false
	}
	scheme, value, ok = strings.Cut(h, " ")
	if !ok {
		return "", "", false
	}
	return scheme, strings.TrimSpace(value), true
}
