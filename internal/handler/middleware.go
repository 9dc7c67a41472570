package handler

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/agegate"
	"identity-service/internal/apperror"
	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

type contextKey string

const (
	claimsKey contextKey = "claims"
	userKey   contextKey = "user"
)

// AccessParser validates bearer access tokens.
type AccessParser interface {
	ParseAccess(tokenString string) (*token.Claims, error)
}

// UserLoader loads the caller's current user row.
type UserLoader interface {
	CurrentUser(ctx context.Context, userID string) (*models.User, error)
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// requireHTTPS rejects requests that did not arrive over TLS. Behind a TLS-terminating
// load balancer, X-Forwarded-Proto is honoured only when the direct peer is a trusted proxy,
// so it must run before RealIP rewrites RemoteAddr.
func requireHTTPS(trusted []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && !(forwardedHTTPS(r) && fromTrustedProxy(r, trusted)) {
				respondWithJSON(w, http.StatusUpgradeRequired, Response{
					Success: false,
					Error:   &ErrorBody{Code: "HttpsRequired", Message: "https required"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedHTTPS(r *http.Request) bool {
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

func fromTrustedProxy(r *http.Request, trusted []*net.IPNet) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Authenticate requires a valid bearer access token and stores its claims on the context.
func Authenticate(parser AccessParser, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				respondWithError(w, r, logger, apperror.Unauthorized())
				return
			}

			claims, err := parser.ParseAccess(strings.TrimSpace(raw))
			if err != nil {
				respondWithError(w, r, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAgeVerified blocks callers whose account has not passed the age gate.
// It must run after Authenticate.
func RequireAgeVerified(users UserLoader, logger *zap.Logger) func(http.Handler) http.Handler {
	return requireUser(users, logger, agegate.RequireAgeVerified)
}

// RequireConsent blocks callers who have not accepted the current terms.
func RequireConsent(users UserLoader, logger *zap.Logger) func(http.Handler) http.Handler {
	return requireUser(users, logger, agegate.RequireConsent)
}

// requireUser loads the caller's row, applies check and stores the row on the context.
func requireUser(users UserLoader, logger *zap.Logger, check func(*models.User) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				respondWithError(w, r, logger, apperror.Unauthorized())
				return
			}

			u, err := users.CurrentUser(r.Context(), claims.Subject)
			if err != nil {
				respondWithError(w, r, logger, err)
				return
			}
			if err := check(u); err != nil {
				respondWithError(w, r, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFrom(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}

func userFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok
}

// requestContext extracts client details for audit rows. RealIP has already rewritten RemoteAddr.
func requestContext(r *http.Request) service.RequestContext {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.RequestContext{
		IPAddress:  ip,
		UserAgent:  r.UserAgent(),
		DeviceInfo: r.Header.Get("X-Device-Info"),
	}
}
