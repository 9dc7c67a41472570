package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"identity-service/internal/config"
)

// HealthFunc reports per-dependency health; a nil map value means healthy.
type HealthFunc func(ctx context.Context) map[string]error

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(authHandler *AuthHandler, health HealthFunc, cfg *config.Config, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Plain HTTP is only served in development or when TLS is off entirely.
	if cfg.Server.EnableTLS && cfg.IsProduction() {
		proxies, err := cfg.Server.TrustedProxyNets()
		if err != nil {
			logger.Warn("Ignoring trusted proxies", zap.Error(err))
		}
		router.Use(requireHTTPS(proxies))
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Info", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(health))

	authHandler.RegisterRoutes(router)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{
			Success: false,
			Error:   &ErrorBody{Code: "NotFound", Message: "endpoint not found"},
		})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{
			Success: false,
			Error:   &ErrorBody{Code: "MethodNotAllowed", Message: "method not allowed"},
		})
	})

	return router
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		status := http.StatusOK
		if health != nil {
			for name, err := range health(r.Context()) {
				if err != nil {
					checks[name] = "unhealthy"
					status = http.StatusServiceUnavailable
					continue
				}
				checks[name] = "healthy"
			}
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "degraded"
		}
		respondWithJSON(w, status, Response{
			Success: status == http.StatusOK,
			Data: map[string]interface{}{
				"status":  state,
				"service": "identity-service",
				"checks":  checks,
			},
		})
	}
}
