// metrics.go — Prometheus-метрики HTTP-слоя файлового сервиса.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_http_requests_total",
			Help: "Количество HTTP-запросов к файловому сервису",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fs_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к файловому сервису в секундах",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	httpResponseBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fs_http_response_bytes_total",
			Help: "Объём отданных клиентам данных в байтах",
		},
		[]string{"path"},
	)
)

// MetricsMiddleware считает запросы, длительность и объём ответов
// по нормализованному пути. Длинный хвост гистограммы покрывает
// выдачу файлов со старого сервера.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			httpResponseBytes.WithLabelValues(path).Add(float64(rec.written))
		})
	}
}

// normalizePath заменяет идентификаторы в пути шаблоном, неизвестные
// пути сводит к "other".
// /api/applications/<uuid>/files/<uuid> → /api/applications/{applicationId}/files/{fileId}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/admin/migrate-files", "/api/admin/files", "/api/admin/cleanup-unmigrateable":
		return path
	}

	if rest, ok := strings.CutPrefix(path, "/api/applications/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) == 3 && parts[1] == "files" {
			return "/api/applications/{applicationId}/files/{fileId}"
		}
	}

	return "other"
}
