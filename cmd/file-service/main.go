// Точка входа файлового сервиса заявок.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// собирает каскад local → peer → legacy и сервисы миграции и сверки,
// запускает topologymetrics, фоновую сверку и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/makarenko444/zakaz-3/file-service/internal/api/handlers"
	"github.com/makarenko444/zakaz-3/file-service/internal/api/middleware"
	"github.com/makarenko444/zakaz-3/file-service/internal/app"
	"github.com/makarenko444/zakaz-3/file-service/internal/config"
	"github.com/makarenko444/zakaz-3/file-service/internal/database"
	"github.com/makarenko444/zakaz-3/file-service/internal/server"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
)

const (
	// jwksClientTimeout — таймаут HTTP-клиента загрузки JWKS
	jwksClientTimeout = 10 * time.Second
	// keycloakReadinessTimeout — таймаут проверки JWKS в /health/ready
	keycloakReadinessTimeout = 5 * time.Second
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Файловый сервис запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("upload_dir", cfg.UploadDir),
	)

	// 3-8. PostgreSQL (+ миграции), хранилище, клиенты уровней, кэш, сервисы
	ctx := context.Background()
	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer core.Close()

	// 9. Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(core.Pool)
	defer pgDB.Close()

	// 10. topologymetrics — PostgreSQL, старый сервер, сосед
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "file-service",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgConnURL:     cfg.DatabaseDSN(),
		LegacyURL:     cfg.LegacyBaseURL,
		PeerURL:       peerURLIfEnabled(cfg),
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. Аутентификация: сессия основного приложения, опционально Bearer
	authenticators := []middleware.Authenticator{
		middleware.NewSessionAuth(cfg.SessionCookie, core.Sessions),
	}
	readyChecks := []handlers.Check{
		{Name: "postgresql", Checker: database.NewReadinessChecker(core.Pool)},
		{Name: "storage", Checker: core.Store},
	}
	if cfg.JWTJWKSURL != "" {
		jwtAuth, jwtErr := middleware.NewJWTAuth(
			cfg.JWTJWKSURL,
			cfg.JWTCACertPath,
			cfg.JWTIssuer,
			cfg.JWTAdminGroups, cfg.JWTReadonlyGroups,
			jwksClientTimeout,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if jwtErr != nil {
			logger.Error("Ошибка создания JWT-аутентификации", slog.String("error", jwtErr.Error()))
			os.Exit(1)
		}
		authenticators = append(authenticators, jwtAuth)

		checker, chkErr := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.JWTCACertPath, keycloakReadinessTimeout)
		if chkErr != nil {
			logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", chkErr.Error()))
			os.Exit(1)
		}
		readyChecks = append(readyChecks, handlers.Check{Name: "keycloak", Checker: checker, Optional: true})
		logger.Info("JWT-аутентификация включена",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	}

	// 12. Handlers
	healthHandler := handlers.NewHealthHandler(readyChecks...)
	apiHandler := handlers.NewAPIHandler(core.Resolver, core.Files, core.Migration, core.Reconcile, logger)

	// 13. HTTP-сервер
	router := server.NewRouter(server.Routes{
		API:         apiHandler,
		Health:      healthHandler,
		InterServer: middleware.InterServerAuth(cfg.InterServerSecret),
		Auth:        middleware.Authenticate(logger, authenticators...),
	}, logger)
	srv := server.New(cfg, logger, router)

	// 14. Фоновая сверка
	if cfg.ReconcileInterval > 0 {
		core.Reconcile.Start(ctx)
	}

	// 15. Запуск (блокирующий вызов с graceful shutdown)
	runErr := srv.Run()

	logger.Info("Останавливаем фоновые задачи...")
	if cfg.ReconcileInterval > 0 {
		core.Reconcile.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Файловый сервис остановлен")
}

// peerURLIfEnabled возвращает URL соседа для мониторинга, только если
// peer-уровень полностью настроен.
func peerURLIfEnabled(cfg *config.Config) string {
	if !cfg.PeerEnabled() {
		return ""
	}
	return cfg.PeerURL
}
