// Пакет database — пул PostgreSQL (pgxpool), встроенные миграции
// (golang-migrate) и проверка готовности для /health/ready.
//
// Файловый сервис работает с базой приложения заявок: миграции создают
// только отсутствующие таблицы и ведут версии в config.MigrationsTable.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makarenko444/zakaz-3/file-service/internal/config"
)

// ApplicationName — имя клиента в pg_stat_activity.
const ApplicationName = "zakaz-file-service"

// readinessTimeout — таймаут проверки готовности.
const readinessTimeout = 3 * time.Second

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect создаёт пул подключений и проверяет доступность базы.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("разбор DSN: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("создание пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL недоступен: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

// Migrate применяет встроенные миграции. Повторный запуск без новых
// миграций не является ошибкой.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("источник миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, cfg.MigrateURL())
	if err != nil {
		return fmt.Errorf("инициализация миграций: %w", err)
	}
	defer m.Close()

	before, _, _ := m.Version()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("применение миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("from_version", uint64(before)),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
		slog.String("table", config.MigrationsTable),
	)
	return nil
}

// ReadinessChecker — готовность PostgreSQL: пул отвечает и таблица
// zakaz_files доступна на чтение.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady возвращает "ok" или "fail" с сообщением.
func (c *ReadinessChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	if _, err := c.pool.Exec(ctx, `SELECT 1 FROM zakaz_files LIMIT 1`); err != nil {
		return "fail", fmt.Sprintf("таблица zakaz_files недоступна: %v", err)
	}
	return "ok", "подключение активно"
}
