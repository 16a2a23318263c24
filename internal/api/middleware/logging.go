// logging.go — журнал входящих HTTP-запросов через slog.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/makarenko444/zakaz-3/file-service/internal/peerclient"
)

// HeaderFileSource — заголовок ответа с уровнем каскада, отдавшим файл.
const HeaderFileSource = "X-File-Source"

// statusRecorder запоминает статус и размер ответа.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// isHealthEndpoint — запросы kubelet и Prometheus, которые пишутся на уровне DEBUG.
func isHealthEndpoint(path string) bool {
	switch path {
	case "/health/live", "/health/ready", "/metrics":
		return true
	}
	return false
}

// RequestLogger пишет строку журнала на каждый запрос.
// Уровень: DEBUG для проб, ERROR для 5xx, WARN для 4xx, иначе INFO.
// Для выдачи файла добавляется source (local, peer, legacy); при наличии
// заголовка межсерверного секрета — inter_server_header=true.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			case isHealthEndpoint(r.URL.Path):
				level = slog.LevelDebug
			}
			if !logger.Enabled(r.Context(), level) {
				return
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.written),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", chimw.GetReqID(r.Context())),
			}
			if src := rec.Header().Get(HeaderFileSource); src != "" {
				attrs = append(attrs, slog.String("source", src))
			}
			if r.Header.Get(peerclient.HeaderInterServerSecret) != "" {
				attrs = append(attrs, slog.Bool("inter_server_header", true))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
