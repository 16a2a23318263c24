// Пакет server — HTTP-сервер файлового сервиса с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на reverse proxy.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/makarenko444/zakaz-3/file-service/internal/api/handlers"
	"github.com/makarenko444/zakaz-3/file-service/internal/api/middleware"
	"github.com/makarenko444/zakaz-3/file-service/internal/config"
)

// Routes — обработчики и middleware аутентификации для маршрутизатора.
type Routes struct {
	API    *handlers.APIHandler
	Health *handlers.HealthHandler
	// InterServer помечает межсерверные запросы (middleware.InterServerAuth)
	InterServer func(http.Handler) http.Handler
	// Auth определяет пользователя (middleware.Authenticate)
	Auth func(http.Handler) http.Handler
}

// NewRouter собирает маршруты сервиса.
//
//	GET    /health/live, /health/ready, /metrics
//	GET    /api/applications/{applicationId}/files/{fileId}  сессия или межсерверный секрет
//	DELETE /api/applications/{applicationId}/files/{fileId}  сессия
//	GET    /api/admin/migrate-files                           администратор
//	POST   /api/admin/migrate-files
//	GET    /api/admin/files
//	DELETE /api/admin/files
//	POST   /api/admin/cleanup-unmigrateable
func NewRouter(rt Routes, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MetricsMiddleware())
	r.Use(chimw.Recoverer)

	r.Get("/health/live", rt.Health.HealthLive)
	r.Get("/health/ready", rt.Health.HealthReady)
	r.Get("/metrics", rt.Health.GetMetrics)

	const filePath = "/api/applications/{applicationId}/files/{fileId}"
	r.With(rt.InterServer, rt.Auth).Get(filePath, rt.API.DownloadFile)
	r.With(rt.Auth).Delete(filePath, rt.API.DeleteFile)

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(rt.Auth, middleware.RequireAdmin, gzipMiddleware)

		r.Get("/migrate-files", rt.API.MigrationStatus)
		r.Post("/migrate-files", rt.API.MigrateFiles)
		r.Get("/files", rt.API.ScanFiles)
		r.Delete("/files", rt.API.RepairFiles)
		r.Post("/cleanup-unmigrateable", rt.API.CleanupUnmigrateable)
	})

	return r
}

// gzipMiddleware сжимает JSON-ответы администратора (списки сверки
// могут содержать тысячи записей).
func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

// Server — HTTP-сервер файлового сервиса.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с готовым маршрутизатором.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
