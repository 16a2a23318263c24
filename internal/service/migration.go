// migration.go — перенос файлов со старого сервера в локальное хранилище.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

// DefaultPendingBatch — сколько ожидающих файлов переносится, если
// идентификаторы не указаны и лимит не задан.
const DefaultPendingBatch = 10

var migrationItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fs_migration_items_total",
	Help: "Результаты миграции отдельных файлов (downloaded/skipped/failed).",
}, []string{"result"})

// PendingFile — запись с legacy_path, ещё не перенесённая на диск.
type PendingFile struct {
	ID               string `json:"id"`
	ApplicationID    string `json:"application_id"`
	OriginalFilename string `json:"original_filename"`
	LegacyPath       string `json:"legacy_path"`
	LegacyURL        string `json:"legacy_url"`
	Migrated         bool   `json:"migrated"`
}

// MigrationStatus — сводка миграции.
type MigrationStatus struct {
	Total        int           `json:"total"`
	Migrated     int           `json:"migrated"`
	Pending      int           `json:"pending"`
	PendingFiles []PendingFile `json:"pendingFiles"`
	// Unchecked — записи, наличие которых на диске проверить не удалось
	Unchecked int      `json:"unchecked"`
	Errors    []string `json:"errors,omitempty"`
}

// MigrationItemResult — результат переноса одного файла.
type MigrationItemResult struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Success  bool   `json:"success"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MigrationSummary — итог пакета.
type MigrationSummary struct {
	Total      int `json:"total"`
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// MigrationReport — ответ на запуск миграции.
type MigrationReport struct {
	Message string                `json:"message"`
	Results []MigrationItemResult `json:"results"`
	Summary MigrationSummary      `json:"summary"`
}

// MigrationService — движок миграции.
type MigrationService struct {
	files           repository.FileRepository
	store           *blobstore.Store
	legacy          LegacyFetcher
	cache           *CacheService
	audit           *AuditLogger
	concurrency     int
	scanConcurrency int
	pendingLimit    int
	logger          *slog.Logger
}

// MigrationOptions — параметры параллелизма и отчёта.
type MigrationOptions struct {
	// Concurrency — сколько файлов переносится одновременно (1 — последовательно)
	Concurrency int
	// ScanConcurrency — параллельность проверок диска в Status
	ScanConcurrency int
	// PendingLimit — максимум записей в PendingFiles
	PendingLimit int
}

// NewMigrationService создаёт движок миграции.
func NewMigrationService(
	files repository.FileRepository,
	store *blobstore.Store,
	legacy LegacyFetcher,
	cache *CacheService,
	audit *AuditLogger,
	opts MigrationOptions,
	logger *slog.Logger,
) *MigrationService {
	return &MigrationService{
		files:           files,
		store:           store,
		legacy:          legacy,
		cache:           cache,
		audit:           audit,
		concurrency:     max(opts.Concurrency, 1),
		scanConcurrency: max(opts.ScanConcurrency, 1),
		pendingLimit:    max(opts.PendingLimit, 0),
		logger:          logger.With(slog.String("component", "migration")),
	}
}

// Status считает записи с legacy_path и проверяет наличие каждой на диске.
// Счётчики полные, PendingFiles — первые pendingLimit ожидающих, новые первыми.
// Запись, которую не удалось проверить, считается в Unchecked и попадает
// в Errors, остальные записи учитываются как обычно.
func (s *MigrationService) Status(ctx context.Context) (*MigrationStatus, error) {
	recs, err := s.files.ListLegacy(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение записей с legacy_path: %w", err)
	}

	checks, err := checkLocal(ctx, s.store, recs, s.scanConcurrency)
	if err != nil {
		return nil, fmt.Errorf("проверка файлов на диске: %w", err)
	}

	st := &MigrationStatus{Total: len(recs), PendingFiles: []PendingFile{}, Errors: checkErrors(recs, checks)}
	for i, rec := range recs {
		if checks[i].err != nil {
			st.Unchecked++
			continue
		}
		if checks[i].exists {
			st.Migrated++
			continue
		}
		st.Pending++
		if len(st.PendingFiles) < s.pendingLimit {
			st.PendingFiles = append(st.PendingFiles, PendingFile{
				ID:               rec.ID,
				ApplicationID:    rec.ApplicationID,
				OriginalFilename: rec.OriginalFilename,
				LegacyPath:       *rec.LegacyPath,
				LegacyURL:        s.legacy.URL(*rec.LegacyPath),
			})
		}
	}
	return st, nil
}

// MigrateBatch переносит файлы по идентификаторам. Возвращает ровно
// len(ids) результатов в порядке ids; ошибка одного файла не влияет
// на остальные. Повторы одного id обрабатываются одним исполнителем
// последовательно: второй результат будет skipped.
func (s *MigrationService) MigrateBatch(ctx context.Context, ids []string, actor *model.User) *MigrationReport {
	results := make([]MigrationItemResult, len(ids))

	// Группировка позиций по id в порядке первого появления
	order := make([]string, 0, len(ids))
	positions := make(map[string][]int, len(ids))
	for i, id := range ids {
		if _, ok := positions[id]; !ok {
			order = append(order, id)
		}
		positions[id] = append(positions[id], i)
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range order {
		idx := positions[id]
		g.Go(func() error {
			for _, pos := range idx {
				results[pos] = s.migrateOne(ctx, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := buildReport(results)
	s.logger.Info("Миграция завершена",
		slog.Int("total", report.Summary.Total),
		slog.Int("downloaded", report.Summary.Downloaded),
		slog.Int("skipped", report.Summary.Skipped),
		slog.Int("failed", report.Summary.Failed),
	)

	if len(ids) > 0 && s.audit != nil {
		entry := model.NewAuditEntry(actor, model.AuditActionOther, model.AuditEntityOther, nil, report.Message)
		entry.NewValues = map[string]any{
			"total":      report.Summary.Total,
			"downloaded": report.Summary.Downloaded,
			"skipped":    report.Summary.Skipped,
			"failed":     report.Summary.Failed,
		}
		s.audit.Log(entry)
	}
	return report
}

// MigratePending переносит первые limit ожидающих файлов.
func (s *MigrationService) MigratePending(ctx context.Context, limit int, actor *model.User) (*MigrationReport, error) {
	if limit <= 0 {
		limit = DefaultPendingBatch
	}

	recs, err := s.files.ListLegacy(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение записей с legacy_path: %w", err)
	}
	checks, err := checkLocal(ctx, s.store, recs, s.scanConcurrency)
	if err != nil {
		return nil, fmt.Errorf("проверка файлов на диске: %w", err)
	}

	ids := make([]string, 0, limit)
	for i, rec := range recs {
		if len(ids) == limit {
			break
		}
		// Непроверенная запись тоже переносится: migrateOne сообщит ошибку диска
		if !checks[i].exists {
			ids = append(ids, rec.ID)
		}
	}
	return s.MigrateBatch(ctx, ids, actor), nil
}

// migrateOne переносит один файл. Никогда не паникует и не возвращает
// ошибку: всё отражается в результате.
func (s *MigrationService) migrateOne(ctx context.Context, id string) MigrationItemResult {
	res := MigrationItemResult{ID: id}

	rec, err := s.files.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			res.Error = "запись не найдена"
		} else {
			res.Error = err.Error()
		}
		return s.fail(res)
	}
	res.Filename = rec.OriginalFilename

	if !rec.HasLegacyPath() {
		res.Error = "у записи нет legacy_path"
		return s.fail(res)
	}

	exists, err := s.store.Exists(rec.ApplicationID, rec.StoredFilename)
	if err != nil {
		res.Error = err.Error()
		return s.fail(res)
	}
	if exists {
		res.Success = true
		res.Skipped = true
		migrationItemsTotal.WithLabelValues("skipped").Inc()
		return res
	}

	s.logger.Info("Загрузка файла со старого сервера",
		slog.String("file_id", rec.ID),
		slog.String("application_id", rec.ApplicationID),
		slog.String("url", s.legacy.URL(*rec.LegacyPath)),
	)

	data, err := s.legacy.Fetch(ctx, *rec.LegacyPath)
	if err != nil {
		res.Error = err.Error()
		return s.fail(res)
	}

	if err := s.store.Write(rec.ApplicationID, rec.StoredFilename, data); err != nil {
		res.Error = err.Error()
		return s.fail(res)
	}

	if size := int64(len(data)); size != rec.FileSize {
		if err := s.files.UpdateFileSize(ctx, rec.ID, size); err != nil {
			s.logger.Warn("Не удалось обновить размер файла",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.cache != nil {
		s.cache.Delete(rec.ID)
	}

	s.logger.Info("Файл перенесён",
		slog.String("file_id", rec.ID),
		slog.String("filename", rec.OriginalFilename),
		slog.Int("bytes", len(data)),
	)
	res.Success = true
	migrationItemsTotal.WithLabelValues("downloaded").Inc()
	return res
}

func (s *MigrationService) fail(res MigrationItemResult) MigrationItemResult {
	migrationItemsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("Ошибка миграции файла",
		slog.String("file_id", res.ID),
		slog.String("filename", res.Filename),
		slog.String("error", res.Error),
	)
	return res
}

func buildReport(results []MigrationItemResult) *MigrationReport {
	var sum MigrationSummary
	sum.Total = len(results)
	for _, r := range results {
		switch {
		case r.Skipped:
			sum.Skipped++
		case r.Success:
			sum.Downloaded++
		default:
			sum.Failed++
		}
	}
	return &MigrationReport{
		Message: fmt.Sprintf("Миграция завершена: загружено %d, пропущено (уже есть) %d, с ошибкой %d",
			sum.Downloaded, sum.Skipped, sum.Failed),
		Results: results,
		Summary: sum,
	}
}
