package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Handler *Handler        // Required
	Metrics MetricsProvider // Optional: GET /metrics is omitted when nil
	Logger  *zap.Logger     // Optional

	// Health reports store reachability for GET /health. Nil means always
	// healthy.
	Health func(ctx context.Context) error

	// Mount registers extra routes, e.g. rate limited application
	// endpoints.
	Mount func(r chi.Router)
}

// NewRouter builds the chi router serving the API.
//
//	POST /check      check (and consume) quota for a key
//	POST /reset      reset a key everywhere
//	GET  /metrics    counters snapshot
//	GET  /dashboard  HTML view of /metrics
//	GET  /health     store reachability
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		sendError(w, http.StatusNotFound, "not_found", "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "The requested method is not allowed for this resource")
	})

	r.Post("/check", cfg.Handler.Check)
	r.Post("/reset", cfg.Handler.Reset)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", NewMetricsHandler(cfg.Metrics))
		r.Get("/dashboard", DashboardHandler)
	}
	r.Get("/health", healthHandler(cfg.Health))

	if cfg.Mount != nil {
		cfg.Mount(r)
	}
	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
