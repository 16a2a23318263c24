// resolver.go — каскадное получение файла заявки: запись из кэша или БД,
// затем уровни по порядку до первого попадания.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
)

// ErrNotFound — записи нет или ни один уровень не содержит файла.
var ErrNotFound = errors.New("файл не найден")

// Prometheus-метрики каскада.
var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_resolve_total",
		Help: "Результаты обращений к уровням каскада (hit/miss/error).",
	}, []string{"tier", "result"})

	resolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fs_resolve_duration_seconds",
		Help:    "Длительность обращения к уровню каскада.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tier"})

	writebackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fs_writeback_total",
		Help: "Сохранения файлов, полученных от соседа (ok/error).",
	}, []string{"result"})
)

// ResolveResult — найденный файл.
type ResolveResult struct {
	Data     []byte
	MimeType string
	Size     int64
	Tier     model.SourceTier
	Record   *model.FileRecord
}

// Resolver — движок каскадного получения файлов.
type Resolver struct {
	files  repository.FileRepository
	cache  *CacheService
	tiers  []Tier
	logger *slog.Logger
}

// NewResolver создаёт движок с заданным порядком уровней.
func NewResolver(
	files repository.FileRepository,
	cache *CacheService,
	tiers []Tier,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		files:  files,
		cache:  cache,
		tiers:  tiers,
		logger: logger.With(slog.String("component", "resolver")),
	}
}

// Resolve возвращает байты файла fileID заявки appID.
//
// Уровни опрашиваются по порядку; первый, вернувший байты, определяет
// источник. isInterServerCall передаётся уровням явно: запрос соседа
// не должен снова уходить к соседу.
//
// Ошибки: ErrNotFound (нет записи или все уровни промахнулись),
// ошибка контекста вызывающего, иная ошибка уровня.
func (r *Resolver) Resolve(ctx context.Context, appID, fileID string, isInterServerCall bool) (*ResolveResult, error) {
	rec, err := r.record(ctx, appID, fileID)
	if err != nil {
		return nil, err
	}

	for _, tier := range r.tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := string(tier.Name())
		start := time.Now()
		data, err := tier.Fetch(ctx, rec, isInterServerCall)
		resolveDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			resolveTotal.WithLabelValues(name, "hit").Inc()
			r.logger.Debug("Файл получен",
				slog.String("tier", name),
				slog.String("file_id", rec.ID),
				slog.String("application_id", rec.ApplicationID),
				slog.Bool("inter_server", isInterServerCall),
			)
			return &ResolveResult{
				Data:     data,
				MimeType: rec.ContentType(),
				Size:     int64(len(data)),
				Tier:     tier.Name(),
				Record:   rec,
			}, nil
		case errors.Is(err, ErrTierMiss):
			resolveTotal.WithLabelValues(name, "miss").Inc()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			resolveTotal.WithLabelValues(name, "error").Inc()
			return nil, fmt.Errorf("уровень %s: %w", name, err)
		default:
			resolveTotal.WithLabelValues(name, "error").Inc()
			r.logger.Error("Ошибка уровня каскада",
				slog.String("tier", name),
				slog.String("file_id", rec.ID),
				slog.String("application_id", rec.ApplicationID),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("уровень %s: %w", name, err)
		}
	}

	r.logger.Info("Файл не найден ни на одном уровне",
		slog.String("file_id", rec.ID),
		slog.String("application_id", rec.ApplicationID),
		slog.Bool("has_legacy_path", rec.HasLegacyPath()),
	)
	return nil, ErrNotFound
}

// record получает запись из кэша или БД и проверяет принадлежность заявке.
func (r *Resolver) record(ctx context.Context, appID, fileID string) (*model.FileRecord, error) {
	if rec, ok := r.cache.Get(fileID); ok {
		if rec.ApplicationID != appID {
			return nil, ErrNotFound
		}
		return rec, nil
	}

	rec, err := r.files.GetForApplication(ctx, appID, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение записи файла: %w", err)
	}

	r.cache.Set(rec)
	return rec, nil
}
