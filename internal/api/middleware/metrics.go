// metrics.go: Prometheus-метрики HTTP API консоли:
// ac_http_requests_total, ac_http_request_duration_seconds, ac_http_streams_active.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ac_http_requests_total",
			Help: "HTTP-запросы к asset-console по маршруту и статусу",
		},
		[]string{"method", "route", "status"},
	)

	// Потоки загрузки длятся минуты, поэтому верхние корзины крупнее DefBuckets.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ac_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к asset-console",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		},
		[]string{"method", "route"},
	)

	httpStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ac_http_streams_active",
		Help: "Открытые запросы загрузки файла (SSE-потоки прогресса)",
	})
)

// MetricsMiddleware считает запросы и их длительность.
// route: шаблон chi ({feature}, {id}), чтобы число серий не росло.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := record(w)

			upload := r.Method == http.MethodPost && isMultipart(r)
			if upload {
				httpStreamsActive.Inc()
				defer httpStreamsActive.Dec()
			}

			next.ServeHTTP(rec, r)

			route := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}
