/**
 * @description
 * This file sets up the HTTP router for the entitlement service using the
 * go-chi/chi router. The webhook endpoint stays outside the auth group: it
 * is authenticated by its signature, not by a user token.
 */
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RateLimiter counts a request for a subject and reports when the window
// limit is exceeded. Implemented by app.RedisRateLimiter.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RouterConfig carries the router's middleware settings.
type RouterConfig struct {
	Auth               AuthMiddlewareConfig
	RateLimiter        RateLimiter
	RateLimitPerMinute int
}

// NewRouter creates a new Chi router and registers the service routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Entitlement service is healthy"))
	})

	// Plan catalog is public: the pricing page renders before sign-in.
	r.Get("/api/plans", h.handleListPlans)

	// Webhooks are authenticated by signature, not bearer token.
	r.Post("/api/stripe-webhook", h.handleStripeWebhook)

	// Protected routes that require authentication
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))
		r.Use(rateLimitMiddleware(cfg.RateLimiter, cfg.RateLimitPerMinute))

		r.Post("/api/create-checkout-session", h.handleCreateCheckoutSession)
		r.Post("/api/subscription", h.handleCreateSubscription)
		r.Get("/api/subscription/status", h.handleGetStatus)
		r.Get("/api/entitlements/check", h.handleCheckAccess)
		r.Post("/api/usage", h.handleRecordUsage)
	})

	return r
}

// rateLimitMiddleware enforces a per-user fixed-window cap on API calls.
// Limiting failures never block a request: Redis being down must not take
// the entitlement API down with it.
func rateLimitMiddleware(limiter RateLimiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			userID, ok := UserFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			_, retryAfter, err := limiter.Consume(r.Context(), "api", userID, perMinute, time.Minute)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
