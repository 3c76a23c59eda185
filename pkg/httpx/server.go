package httpx

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ghuser/commandbus/pkg/logger"
)

// NewOpsRouter returns a chi.Mux serving the operational endpoints: GET
// /healthz with dependency probes and GET /metrics with the Prometheus
// exposition. The listener is internal-only; it carries no auth, CORS, or
// rate limiting.
func NewOpsRouter(log logger.Logger, checks HealthChecks, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(recovery(log))
	r.Get("/healthz", HealthHandler(checks))
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	return r
}

// recovery logs panics from ops handlers and answers 500.
func recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.ErrorContext(r.Context(), "panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// NewServer returns an *http.Server with production-ready timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        handler,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
}
