// Package worker provides the main worker service for wharf.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// requestIDKey is the context key for request IDs.
type requestIDKey struct{}

// modelNamePattern matches Ollama model references like
// "llama3.2:latest" or "library/qwen2.5:7b-instruct-q4_K_M".
var modelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:-]*$`)

// allowedOrigins is the whitelist of origins allowed for CORS.
// Uses exact matching to prevent bypass attacks like "evil-localhost.com".
var allowedOrigins = map[string]bool{
	"http://localhost":       true,
	"http://localhost:3000":  true,
	"http://localhost:5173":  true, // Vite dev server
	"http://localhost:41100": true,
	"http://127.0.0.1":       true,
	"http://127.0.0.1:3000":  true,
	"http://127.0.0.1:5173":  true,
	"http://127.0.0.1:41100": true,
}

// SecurityHeaders middleware adds essential security headers to all
// responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		// CORS: exact match whitelist only
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token, Authorization, X-Request-ID")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize middleware limits the size of incoming request bodies.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// TokenAuth provides simple token-based authentication for localhost
// services. The token is generated at startup and must be provided in
// the X-Auth-Token header.
type TokenAuth struct {
	ExemptPaths map[string]bool
	token       string
	mu          sync.RWMutex
	enabled     bool
}

// NewTokenAuth creates a new TokenAuth with a randomly generated token.
// If enabled is false, authentication is skipped.
func NewTokenAuth(enabled bool) (*TokenAuth, error) {
	ta := &TokenAuth{
		enabled: enabled,
		ExemptPaths: map[string]bool{
			"/health":    true,
			"/api/ready": true,
		},
	}

	if enabled {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return nil, err
		}
		ta.token = hex.EncodeToString(tokenBytes)
	}

	return ta, nil
}

// Token returns the authentication token, empty when disabled.
func (ta *TokenAuth) Token() string {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	return ta.token
}

// IsEnabled returns whether token authentication is enabled.
func (ta *TokenAuth) IsEnabled() bool {
	ta.mu.RLock()
	defer ta.mu.RUnlock()
	return ta.enabled
}

// Middleware returns HTTP middleware that enforces token authentication.
func (ta *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ta.mu.RLock()
		enabled := ta.enabled
		token := ta.token
		exempt := ta.ExemptPaths[r.URL.Path]
		ta.mu.RUnlock()

		if !enabled || exempt {
			next.ServeHTTP(w, r)
			return
		}

		providedToken := r.Header.Get("X-Auth-Token")
		if providedToken == "" {
			auth := r.Header.Get("Authorization")
			if bearer, found := strings.CutPrefix(auth, "Bearer "); found {
				providedToken = bearer
			}
		}

		if providedToken != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID middleware adds a unique request ID to each request for
// tracing.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			idBytes := make([]byte, 8)
			if _, err := rand.Read(idBytes); err == nil {
				requestID = hex.EncodeToString(idBytes)
			} else {
				requestID = fmt.Sprintf("%d", time.Now().UnixNano())
			}
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireJSONContentType middleware validates that POST/PUT/PATCH
// requests carry an application/json Content-Type header.
func RequireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			// Allow empty Content-Type for requests without body
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateModelName checks that a model reference is safe to pass
// through to Ollama and to use in tool names.
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name is required")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid model name: path traversal detected")
	}
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("invalid model name: only alphanumeric, dot, dash, underscore, slash, and colon allowed")
	}
	if len(name) > 256 {
		return fmt.Errorf("model name too long (max 256 chars)")
	}
	return nil
}

// CooldownLimiter gates operations that hammer Ollama, like manual
// catalog refreshes.
type CooldownLimiter struct {
	lastOp   int64 // Unix timestamp
	cooldown int64 // Minimum seconds between operations

	mu sync.Mutex
}

// NewCooldownLimiter creates a limiter with the given cooldown.
func NewCooldownLimiter(cooldownSeconds int64) *CooldownLimiter {
	return &CooldownLimiter{cooldown: cooldownSeconds}
}

// CanExecute checks if the operation is allowed and, when it is,
// starts the next cooldown window.
func (cl *CooldownLimiter) CanExecute() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now().Unix()
	if now-cl.lastOp < cl.cooldown {
		return false
	}
	cl.lastOp = now
	return true
}

// CooldownRemaining returns seconds remaining in the cooldown period.
func (cl *CooldownLimiter) CooldownRemaining() int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	remaining := cl.cooldown - (time.Now().Unix() - cl.lastOp)
	if remaining < 0 {
		return 0
	}
	return remaining
}
