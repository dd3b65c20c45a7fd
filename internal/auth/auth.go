package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware provides authentication middleware for HTTP handlers
type Middleware struct {
	token    string
	disabled bool
}

// NewMiddleware creates a new auth middleware. With an empty token every
// request is rejected unless disabled is set.
func NewMiddleware(token string, disabled bool) *Middleware {
	return &Middleware{
		token:    token,
		disabled: disabled,
	}
}

// RequireAuth wraps an http.Handler and requires valid authentication
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthFunc wraps an http.HandlerFunc and requires valid authentication
func (m *Middleware) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.isAuthenticated(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// isAuthenticated checks if the request has valid authentication
func (m *Middleware) isAuthenticated(r *http.Request) bool {
	if m.disabled {
		return true
	}
	// If no token is configured, reject all requests (fail secure)
	if m.token == "" {
		return false
	}

	// Check X-Internal-Token header first (for internal service-to-service calls)
	if token := r.Header.Get("X-Internal-Token"); token != "" {
		return m.matches(token)
	}

	// Browsers cannot set headers on a websocket upgrade
	if isWebSocketUpgrade(r) {
		if token := r.URL.Query().Get("token"); token != "" {
			return m.matches(token)
		}
	}

	// Must be "Bearer <token>"
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	return m.matches(parts[1])
}

func (m *Middleware) matches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) == 1
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// IsEnabled returns true if requests are checked against a token
func (m *Middleware) IsEnabled() bool {
	return !m.disabled
}
