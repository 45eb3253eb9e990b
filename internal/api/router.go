// internal/api/router.go
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions selects the optional endpoints.
type RouterOptions struct {
	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler
	// MetricsRequireKey gates /metrics behind an X-API-Key.
	MetricsRequireKey bool
}

func SetupRouter(apiHandler *APIHandler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandler.HandleHealth)
	r.Get("/ws", apiHandler.HandleWebSocket)

	if opts.Metrics != nil {
		if opts.MetricsRequireKey {
			r.With(apiHandler.auth.APIKeyMiddleware).Handle("/metrics", opts.Metrics)
		} else {
			r.Handle("/metrics", opts.Metrics)
		}
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(apiHandler.auth.JWTMiddleware)
		r.Put("/devices/{deviceID}/preferences", apiHandler.HandlePutPreferences)
	})

	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
