package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetbeat/internal/auth"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	// ctxKeyRequestID is the context key for the request ID.
	ctxKeyRequestID contextKey = "request_id"

	// ctxKeyOperator is the context key for the authenticated operator claims.
	ctxKeyOperator contextKey = "operator"
)

// maxRequestBodySize is the maximum allowed request body size (64 KB).
// Heartbeat and registration bodies are small; anything larger is refused.
const maxRequestBodySize = 64 << 10

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one is generated.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and
// duration. Requests slower than the configured latency target are logged
// again as a warning; WebSocket upgrades are exempt since they stay open.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	target := s.cfg.LatencyTarget()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		elapsed := time.Since(start)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)

		if target > 0 && elapsed > target && !isWebSocketUpgrade(r) {
			s.logger.Warn("request exceeded latency target",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", elapsed.Milliseconds(),
				"target_ms", target.Milliseconds(),
				"request_id", r.Context().Value(ctxKeyRequestID),
			)
		}
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Context().Value(ctxKeyRequestID),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles Cross-Origin Resource Sharing headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", joinOrDefault(s.cfg.CORS.AllowedMethods, "GET, POST, DELETE, OPTIONS"))
			w.Header().Set("Access-Control-Allow-Headers", joinOrDefault(s.cfg.CORS.AllowedHeaders, "Authorization, Content-Type, X-Request-ID"))
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Total-Count")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bodySizeLimitMiddleware limits the size of incoming request bodies.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// requirePermission guards a management route with an operator bearer
// token carrying perm. It is a pass-through when operator auth is disabled.
//
// The push channel may authenticate with a single-use ticket instead, since
// browsers cannot set headers on WebSocket requests.
func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.secCfg.Operators.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := s.operatorFromRequest(r)
			if err != nil {
				writeUnauthorized(w, "operator token required")
				return
			}
			if !auth.HasPermission(claims.Role, perm) {
				s.logger.Warn("operator lacks permission",
					"operator", claims.Subject,
					"role", claims.Role,
					"permission", perm,
				)
				writeForbidden(w, "insufficient permissions")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyOperator, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// errNoCredentials is returned when a request carries neither a bearer
// token nor a WebSocket ticket.
var errNoCredentials = errors.New("api: no operator credentials")

// operatorFromRequest resolves the operator behind r from the
// Authorization header, or from a ticket query parameter on WebSocket
// upgrades.
func (s *Server) operatorFromRequest(r *http.Request) (*auth.OperatorClaims, error) {
	if token := bearerToken(r); token != "" {
		return auth.ParseToken(token, s.secCfg.Operators.Secret)
	}
	if isWebSocketUpgrade(r) {
		if ticket := r.URL.Query().Get("ticket"); ticket != "" {
			if claims, ok := s.tickets.consume(ticket); ok {
				return claims, nil
			}
			return nil, auth.ErrTokenInvalid
		}
	}
	return nil, errNoCredentials
}

// operatorFromContext returns the claims stored by requirePermission, or
// nil when operator auth is disabled.
func operatorFromContext(ctx context.Context) *auth.OperatorClaims {
	claims, _ := ctx.Value(ctxKeyOperator).(*auth.OperatorClaims) //nolint:errcheck // nil when absent
	return claims
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// isWebSocketUpgrade reports whether r asks to switch to the WebSocket protocol.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// isAllowedOrigin checks if the origin is in the allowed list.
// An empty list allows all origins (dev mode).
func (s *Server) isAllowedOrigin(origin string) bool {
	if len(s.cfg.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusWriter wraps http.ResponseWriter to capture the status code.
// It passes Hijack through so WebSocket upgrades work behind the logger.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// joinOrDefault joins a string slice with ", " or returns the default if empty.
func joinOrDefault(values []string, defaultVal string) string {
	if len(values) == 0 {
		return defaultVal
	}
	return strings.Join(values, ", ")
}
