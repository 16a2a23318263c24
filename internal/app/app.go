// Пакет app — сборка ядра файлового сервиса: PostgreSQL, хранилище,
// клиенты уровней и сервисный слой. Общая для HTTP-сервиса и filesctl.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makarenko444/zakaz-3/file-service/internal/config"
	"github.com/makarenko444/zakaz-3/file-service/internal/database"
	"github.com/makarenko444/zakaz-3/file-service/internal/legacyclient"
	"github.com/makarenko444/zakaz-3/file-service/internal/peerclient"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

// Core — собранное ядро сервиса.
type Core struct {
	Pool     *pgxpool.Pool
	Store    *blobstore.Store
	Legacy   *legacyclient.Client
	Peer     *peerclient.Client
	Sessions repository.SessionRepository

	Resolver  *service.Resolver
	Files     *service.FileService
	Migration *service.MigrationService
	Reconcile *service.ReconcileService
}

// Build подключается к PostgreSQL (с миграциями при cfg.DBMigrate),
// открывает хранилище и создаёт сервисы. Вызывающий обязан вызвать Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if cfg.DBMigrate {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			return nil, fmt.Errorf("миграции БД: %w", err)
		}
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("подключение к PostgreSQL: %w", err)
	}

	store, err := blobstore.New(cfg.UploadDir)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("хранилище %s: %w", cfg.UploadDir, err)
	}

	legacy := legacyclient.New(cfg.LegacyBaseURL, cfg.LegacyAuthUser, cfg.LegacyAuthPass, cfg.LegacyTimeout, logger)
	peer, err := peerclient.New(cfg.PeerURL, cfg.InterServerSecret, cfg.PeerCACertPath, cfg.PeerTimeout, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("клиент соседнего экземпляра: %w", err)
	}
	if peer.Enabled() {
		logger.Info("Peer-уровень включён", slog.String("peer_url", peer.BaseURL()))
	} else {
		logger.Info("Peer-уровень отключён (FS_PEER_URL или FS_INTER_SERVER_SECRET не заданы)")
	}

	fileRepo := repository.NewFileRepository(pool)
	audit := service.NewAuditLogger(repository.NewAuditRepository(pool), logger)
	cache := service.NewCacheService(cfg.CacheMaxSize, cfg.CacheTTL)

	return &Core{
		Pool:     pool,
		Store:    store,
		Legacy:   legacy,
		Peer:     peer,
		Sessions: repository.NewSessionRepository(pool),

		Resolver: service.NewResolver(fileRepo, cache, service.DefaultTiers(store, peer, legacy, logger), logger),
		Files:    service.NewFileService(fileRepo, store, cache, audit, logger),
		Migration: service.NewMigrationService(fileRepo, store, legacy, cache, audit, service.MigrationOptions{
			Concurrency:     cfg.MigrationConcurrency,
			ScanConcurrency: cfg.ScanConcurrency,
			PendingLimit:    cfg.PendingLimit,
		}, logger),
		Reconcile: service.NewReconcileService(fileRepo, store, cache, audit,
			cfg.ScanConcurrency, cfg.ReconcileInterval, logger),
	}, nil
}

// Close освобождает пул соединений.
func (c *Core) Close() {
	c.Pool.Close()
}
