// Package mcpauth provides MCP-specific authentication middleware.
// It wraps the core auth service with RFC 6750 Bearer token error responses.
package mcpauth

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/pkg/auth"
)

// AuthFailureRecorder receives failed authentication attempts.
type AuthFailureRecorder interface {
	RecordAuthFailure(reason, clientIP string)
}

// Option configures the Middleware.
type Option func(*Middleware)

// WithAuditLogger records authentication failures.
func WithAuditLogger(recorder AuthFailureRecorder) Option {
	return func(m *Middleware) {
		m.auditLogger = recorder
	}
}

// Middleware provides MCP-specific authentication middleware.
// Unlike the general auth middleware, this returns RFC 6750 WWW-Authenticate
// headers for OAuth 2.0 Bearer token authentication errors.
type Middleware struct {
	authService auth.AuthService
	auditLogger AuthFailureRecorder
	logger      *zap.Logger
}

// NewMiddleware creates a new MCP auth middleware.
func NewMiddleware(authService auth.AuthService, logger *zap.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		authService: authService,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequireAuth validates the bearer JWT and requires a subject, which scopes
// deployment lookups made by the tools.
func (m *Middleware) RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, token, err := m.authService.ValidateRequest(r)
			if err != nil {
				m.logger.Debug("MCP auth failed: invalid or missing token",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				m.recordFailure(r, "Invalid or expired token")
				m.writeWWWAuthenticate(w, http.StatusUnauthorized, "invalid_token", "The access token is invalid or expired")
				return
			}

			if claims == nil || claims.Subject == "" {
				m.logger.Debug("MCP auth failed: token has no subject",
					zap.String("path", r.URL.Path))
				m.recordFailure(r, "Missing subject")
				m.writeWWWAuthenticate(w, http.StatusUnauthorized, "invalid_token", "The access token does not identify a caller")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims, token)))
		})
	}
}

func (m *Middleware) recordFailure(r *http.Request, reason string) {
	if m.auditLogger == nil {
		return
	}
	m.auditLogger.RecordAuthFailure(reason, r.RemoteAddr)
}

// writeWWWAuthenticate writes an RFC 6750 Bearer token error response.
// See: https://datatracker.ietf.org/doc/html/rfc6750#section-3
func (m *Middleware) writeWWWAuthenticate(w http.ResponseWriter, status int, errorCode, description string) {
	headerValue := `Bearer error="` + errorCode + `", error_description="` + description + `"`
	w.Header().Set("WWW-Authenticate", headerValue)
	w.WriteHeader(status)
}
