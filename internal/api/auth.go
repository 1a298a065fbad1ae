package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	apiTokenLength = 32 // 256 bits
	bearerPrefix   = "Bearer "
)

// APITokenManager manages the local API token. The token lives in a 0600
// file under the state directory so only the agent's user can drive it.
type APITokenManager struct {
	mu        sync.RWMutex
	tokenPath string
	token     string
	loaded    bool
}

// NewAPITokenManager creates a token manager backed by tokenPath
func NewAPITokenManager(tokenPath string) *APITokenManager {
	return &APITokenManager{tokenPath: tokenPath}
}

// Path returns the token file location
func (atm *APITokenManager) Path() string {
	return atm.tokenPath
}

// GenerateToken creates a new API authentication token
func (atm *APITokenManager) GenerateToken() (string, error) {
	dir := filepath.Dir(atm.tokenPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}

	tokenBytes := make([]byte, apiTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := hex.EncodeToString(tokenBytes)

	if err := os.WriteFile(atm.tokenPath, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to write token: %w", err)
	}

	atm.mu.Lock()
	atm.token = token
	atm.loaded = true
	atm.mu.Unlock()

	return token, nil
}

// LoadToken loads the token from disk
func (atm *APITokenManager) LoadToken() error {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	if atm.loaded {
		return nil
	}

	tokenBytes, err := os.ReadFile(atm.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no API token found. Generate one with 'dnsbypass token generate'")
		}
		return fmt.Errorf("failed to read token: %w", err)
	}

	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return fmt.Errorf("API token file %s is empty", atm.tokenPath)
	}
	atm.token = token
	atm.loaded = true
	return nil
}

// EnsureToken loads the existing token or generates one on first run
func (atm *APITokenManager) EnsureToken() (string, error) {
	if err := atm.LoadToken(); err == nil {
		return atm.Token(), nil
	} else if _, statErr := os.Stat(atm.tokenPath); statErr == nil {
		return "", err
	}
	return atm.GenerateToken()
}

// Token returns the loaded token, or empty if none is loaded
func (atm *APITokenManager) Token() string {
	atm.mu.RLock()
	defer atm.mu.RUnlock()
	return atm.token
}

// ValidateToken checks if the provided token is valid
func (atm *APITokenManager) ValidateToken(providedToken string) bool {
	atm.mu.RLock()
	defer atm.mu.RUnlock()

	if !atm.loaded || atm.token == "" || providedToken == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(providedToken), []byte(atm.token)) == 1
}

// AuthMiddleware rejects requests without a valid bearer token
func (atm *APITokenManager) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := atm.LoadToken(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "auth_unconfigured", "Authentication not configured")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, bearerPrefix) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization format")
			return
		}

		token := strings.TrimPrefix(authHeader, bearerPrefix)
		if !atm.ValidateToken(token) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}

		next(w, r)
	}
}

// RateLimiter provides basic per-client rate limiting for API endpoints
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// RateLimitMiddleware creates HTTP middleware for rate limiting
func (rl *RateLimiter) RateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The API only listens on loopback, so forwarded headers are ignored.
		clientIP := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		}

		if !rl.allow(clientIP, time.Now()) {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
			return
		}

		next(w, r)
	}
}

func (rl *RateLimiter) allow(client string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var valid []time.Time
	for _, t := range rl.requests[client] {
		if now.Sub(t) < rl.window {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[client] = valid
		return false
	}

	rl.requests[client] = append(valid, now)
	return true
}
