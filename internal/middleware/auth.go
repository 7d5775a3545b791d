package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenAuth checks a bearer token against a bcrypt hash. Clients that
// cannot set headers (WebSocket, calendar subscriptions) may pass it as
// the "token" query parameter.
type TokenAuth struct {
	hash    []byte
	limiter *RateLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	verified [sha256.Size]byte
	ok       bool
}

// NewTokenAuth returns nil when hash is empty, which disables auth.
// Failed attempts per client address count against limiter.
func NewTokenAuth(hash string, limiter *RateLimiter, logger *slog.Logger) *TokenAuth {
	if hash == "" {
		return nil
	}
	return &TokenAuth{hash: []byte(hash), limiter: limiter, logger: logger}
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// check verifies token, remembering the last good one so bcrypt runs once
// per token rather than once per request.
func (a *TokenAuth) check(token string) bool {
	sum := sha256.Sum256([]byte(token))

	a.mu.Lock()
	cached := a.ok && subtle.ConstantTimeCompare(sum[:], a.verified[:]) == 1
	a.mu.Unlock()
	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified, a.ok = sum, true
	a.mu.Unlock()
	return true
}

// Require wraps next so only requests with a valid token reach it. A nil
// TokenAuth lets everything through.
func (a *TokenAuth) Require(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if a.limiter.Blocked(ip) {
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		token := tokenFrom(r)
		if token == "" || !a.check(token) {
			a.limiter.Allow(ip)
			a.logger.Warn("rejected request token", "remote", ip, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="meetnotes"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
