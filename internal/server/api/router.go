package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/internal/server/auth"
)

type contextKey struct{ name string }

var claimsKey = &contextKey{"claims"}

// NewRouter wires the middleware stack and routes.
//
// Routes:
//   - GET  /health                - liveness probe
//   - GET  /health/ready          - readiness probe (store reachable)
//   - POST /api/replication/init  - idempotent client registration
//   - GET  /api/sync              - websocket sync endpoint
//   - GET  /api/clients           - registered replicas
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.Liveness)
		r.Get("/ready", h.Readiness)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(h.auth))
		r.Post("/replication/init", h.ReplicationInit)
		r.Get("/clients", h.ListClients)

		// The sync endpoint upgrades to a websocket; no request
		// timeout middleware here or the session would be cut short.
		r.Get("/sync", h.Sync)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// bearerAuth validates the Authorization header and stashes the claims
// in the request context.
func bearerAuth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				JSON(w, http.StatusUnauthorized, ErrorResponse("missing bearer token"))
				return
			}

			claims, err := svc.Validate(token)
			if err != nil {
				logger.Debug("Token rejected", "error", err, "path", r.URL.Path)
				JSON(w, http.StatusUnauthorized, ErrorResponse("invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// requestLogger logs requests using the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
