// Package auth guards the admin surface and tracks listener sessions for
// the duplicate-login policy.
package auth

import (
	"crypto/hmac"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/topalex/icecast-kh/config"
	"github.com/topalex/icecast-kh/internal/fserve"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many login attempts, please try again later")
)

// Config holds the authentication configuration.
type Config struct {
	Username string
	Password string

	// Rate limiting configuration.
	// MaxLoginAttempts is the number of allowed failures per window.
	// LoginWindowSeconds is the duration of the sliding window in seconds.
	MaxLoginAttempts   int
	LoginWindowSeconds int
}

// loginAttempt records failed login timestamps for one source.
type loginAttempt struct {
	timestamps []time.Time
}

// rateLimiter tracks failed login attempts per IP address using a sliding
// window approach.
type rateLimiter struct {
	mu         sync.Mutex
	attempts   map[string]*loginAttempt
	maxFails   int
	windowSize time.Duration
}

func newRateLimiter(maxFails int, windowSize time.Duration) *rateLimiter {
	if maxFails <= 0 {
		maxFails = 5
	}
	if windowSize <= 0 {
		windowSize = 15 * time.Minute
	}
	rl := &rateLimiter{
		attempts:   make(map[string]*loginAttempt),
		maxFails:   maxFails,
		windowSize: windowSize,
	}
	// Background cleanup of stale entries every 5 minutes.
	go rl.cleanup()
	return rl
}

// isAllowed checks whether the given key (IP) is allowed to attempt login.
func (rl *rateLimiter) isAllowed(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.attempts[key]
	if !exists {
		return true
	}
	rl.pruneOld(entry)
	return len(entry.timestamps) < rl.maxFails
}

// recordFailure records a failed login attempt for the given key (IP).
func (rl *rateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.attempts[key]
	if !exists {
		entry = &loginAttempt{}
		rl.attempts[key] = entry
	}
	rl.pruneOld(entry)
	entry.timestamps = append(entry.timestamps, time.Now())
}

// recordSuccess clears the failure record for the given key (IP).
func (rl *rateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// pruneOld removes timestamps outside the sliding window. Caller must hold
// the mutex.
func (rl *rateLimiter) pruneOld(entry *loginAttempt) {
	cutoff := time.Now().Add(-rl.windowSize)
	n := 0
	for _, t := range entry.timestamps {
		if t.After(cutoff) {
			entry.timestamps[n] = t
			n++
		}
	}
	entry.timestamps = entry.timestamps[:n]
}

// cleanup periodically removes stale entries to prevent memory growth.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for key, entry := range rl.attempts {
			rl.pruneOld(entry)
			if len(entry.timestamps) == 0 {
				delete(rl.attempts, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Auth verifies admin credentials and tracks listener sessions.
type Auth struct {
	config       Config
	passwordHash []byte
	limiter      *rateLimiter

	// sessions counts attached listeners per username, for the per-mount
	// duplicate-login policy.
	mu       sync.Mutex
	sessions map[string]int
}

// New creates an Auth instance. The plaintext password is hashed with
// bcrypt immediately and not retained.
func New(cfg Config) *Auth {
	if cfg.MaxLoginAttempts == 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LoginWindowSeconds == 0 {
		cfg.LoginWindowSeconds = 900 // 15 minutes
	}
	if cfg.Password == "hackme" {
		slog.Warn("Using default admin password — CHANGE THIS in production!")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		// Essentially never fails with valid input. Fall back to a hash that
		// will never match so the server still starts but login always fails.
		slog.Error("Failed to hash admin password with bcrypt", "error", err)
		hash = []byte("$2a$10$INVALIDHASHXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX")
	}
	cfg.Password = ""

	return &Auth{
		config:       cfg,
		passwordHash: hash,
		limiter:      newRateLimiter(cfg.MaxLoginAttempts, time.Duration(cfg.LoginWindowSeconds)*time.Second),
		sessions:     make(map[string]int),
	}
}

// Authenticate checks the provided credentials with bcrypt. The remoteAddr
// is used for rate limiting.
func (a *Auth) Authenticate(username, password, remoteAddr string) error {
	ip := extractIP(remoteAddr)

	if !a.limiter.isAllowed(ip) {
		slog.Warn("Login rate-limited", "ip", ip)
		return ErrRateLimited
	}

	// Check both inputs before returning so the response does not reveal
	// which one was wrong; bcrypt always runs to keep timing flat.
	usernameMatch := hmac.Equal([]byte(username), []byte(a.config.Username))
	passwordMatch := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil

	if !usernameMatch || !passwordMatch {
		a.limiter.recordFailure(ip)
		return ErrInvalidCredentials
	}
	a.limiter.recordSuccess(ip)
	return nil
}

// Middleware wraps an admin handler with Basic authentication.
func (a *Auth) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || a.Authenticate(user, pass, r.RemoteAddr) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="Icecast Administration"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------------------
// Listener session accounting
// ---------------------------------------------------------------------------

// AcquireListener records a listener session for username. Call it once a
// listener is authenticated for a mount.
func (a *Auth) AcquireListener(username string) {
	if username == "" {
		return
	}
	a.mu.Lock()
	a.sessions[username]++
	a.mu.Unlock()
}

// CheckDuplicateLogin is the engine's duplicate-login hook: under the
// "one per user" policy a username may hold only one listener per mount.
func (a *Auth) CheckDuplicateLogin(mount string, clients map[uint64]*fserve.Listener, l *fserve.Listener, policy string) bool {
	if policy != "one-per-user" || l.Username == "" {
		return true
	}
	for _, existing := range clients {
		if existing.Username == l.Username {
			slog.Debug("duplicate login refused", "mount", mount, "user", l.Username)
			return false
		}
	}
	return true
}

// ReleaseListener is the engine's release hook. A negative return tells the
// engine nothing else owns the listener and it should be destroyed.
func (a *Auth) ReleaseListener(l *fserve.Listener, mount string, m *config.Mount) int {
	if l.Username != "" {
		a.mu.Lock()
		if n := a.sessions[l.Username]; n > 1 {
			a.sessions[l.Username] = n - 1
		} else {
			delete(a.sessions, l.Username)
		}
		a.mu.Unlock()
	}
	return -1
}

// extractIP strips the port from a remote address.
func extractIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
