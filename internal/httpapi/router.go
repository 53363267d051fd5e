// Package httpapi exposes the gateway's observability surface: liveness,
// Prometheus metrics, and read-only link status. It deliberately does not
// expose link/device CRUD; configuration management lives behind a
// separate service.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyird/iot-manager-sub001/internal/link"
	"github.com/hyird/iot-manager-sub001/internal/logger"
)

// LinkStatusProvider is the subset of link.Manager the status handlers
// need, narrowed to a local interface so this package doesn't otherwise
// depend on the manager's mutation methods.
type LinkStatusProvider interface {
	GetStatus(linkID string) (link.Info, bool)
	GetAllStatus() []link.Info
	GetTCPStats() link.TCPStats
}

// NewRouter builds the chi router: request id, real ip, the gateway's
// slog-based request logger, panic recovery, and a timeout. gatherer is
// exposed at /metrics; pass nil to fall back to the global default
// registry.
func NewRouter(manager LinkStatusProvider, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", healthzHandler)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/links", func(r chi.Router) {
		r.Get("/", listLinksHandler(manager))
		r.Get("/{id}", getLinkHandler(manager))
	})

	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listLinksHandler(manager LinkStatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"links":     manager.GetAllStatus(),
			"tcp_stats": manager.GetTCPStats(),
		})
	}
}

func getLinkHandler(manager LinkStatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, ok := manager.GetStatus(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "link not found"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs every completed request: DEBUG for healthz so
// load-balancer probes don't flood the log, INFO for everything else.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		args := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", logger.Duration(start),
		}
		if r.URL.Path == "/healthz" {
			logger.Debug("http request completed", args...)
		} else {
			logger.Info("http request completed", args...)
		}
	})
}
