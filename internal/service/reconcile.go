// reconcile.go — сверка записей zakaz_files с локальным хранилищем.
//
// Обнаруживает:
//   - zombie: записи без байтов на диске и без legacy_path
//   - orphan: файлы на диске без записи
//   - dangling: записи, заявка которых не существует
//
// Исправление (Repair) выполняется только по подтверждению оператора.
// Фоновый цикл (FS_RECONCILE_INTERVAL) только считает находки и
// публикует их в метриках.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

// Prometheus метрики сверки.
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fs_reconcile_runs_total",
		Help: "Общее количество фоновых запусков сверки",
	})

	reconcileFindings = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fs_reconcile_findings",
		Help: "Находки последней фоновой сверки по типу",
	}, []string{"kind"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fs_reconcile_duration_seconds",
		Help:    "Длительность фоновой сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ErrInvalidMode — неизвестный режим сверки.
var ErrInvalidMode = errors.New("неизвестный режим сверки")

// ScanMode — режим сверки.
type ScanMode string

const (
	ModeList          ScanMode = "list"
	ModeZombies       ScanMode = "zombies"
	ModeOrphans       ScanMode = "orphans"
	ModeNoApplication ScanMode = "no-application"
	ModeStats         ScanMode = "stats"
)

// ParseScanMode разбирает режим; пустая строка — list, dangling — синоним no-application.
func ParseScanMode(s string) (ScanMode, error) {
	switch s {
	case "", string(ModeList):
		return ModeList, nil
	case "dangling":
		return ModeNoApplication, nil
	case string(ModeZombies), string(ModeOrphans), string(ModeNoApplication), string(ModeStats):
		return ScanMode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Пагинация списка.
const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// ScanRequest — параметры сверки.
type ScanRequest struct {
	Mode ScanMode
	// Page, Limit, Search, FileType — только для list
	Page     int
	Limit    int
	Search   string
	FileType string
}

// FileEntry — запись с вычисленным состоянием хранения.
type FileEntry struct {
	*model.FileRecord
	ExistsLocally  bool               `json:"existsLocally"`
	NeedsMigration bool               `json:"needsMigration"`
	State          model.StorageState `json:"state"`
	Reason         string             `json:"reason,omitempty"`
	// CheckError — наличие на диске не удалось проверить; State тогда недостоверен
	CheckError string `json:"checkError,omitempty"`
}

// CategoryStat — статистика по категории MIME-типов.
type CategoryStat struct {
	Type           string `json:"type"`
	Label          string `json:"label"`
	Count          int64  `json:"count"`
	TotalSize      int64  `json:"totalSize"`
	PercentByCount int    `json:"percentByCount"`
	PercentBySize  int    `json:"percentBySize"`
}

// ScanResult — результат сверки. Набор полей в JSON зависит от режима.
type ScanResult struct {
	Mode       ScanMode
	Total      int
	Files      []FileEntry
	Orphans    []blobstore.FileInfo
	Page       int
	Limit      int
	TotalPages int
	DiskInfo   *blobstore.DiskUsage
	TotalCount int64
	TotalSize  int64
	ByType     []CategoryStat
	// Errors — элементы, которые не удалось проверить; сверка остальных продолжается
	Errors []string
}

// MarshalJSON формирует ответ в зависимости от режима.
func (r *ScanResult) MarshalJSON() ([]byte, error) {
	switch r.Mode {
	case ModeList:
		return json.Marshal(struct {
			Mode       ScanMode             `json:"mode"`
			Total      int                  `json:"total"`
			Page       int                  `json:"page"`
			Limit      int                  `json:"limit"`
			TotalPages int                  `json:"totalPages"`
			Files      []FileEntry          `json:"files"`
			DiskInfo   *blobstore.DiskUsage `json:"diskInfo"`
			Errors     []string             `json:"errors,omitempty"`
		}{r.Mode, r.Total, r.Page, r.Limit, r.TotalPages, nonNil(r.Files), r.DiskInfo, r.Errors})
	case ModeOrphans:
		return json.Marshal(struct {
			Mode  ScanMode             `json:"mode"`
			Total int                  `json:"total"`
			Files  []blobstore.FileInfo `json:"files"`
			Errors []string             `json:"errors,omitempty"`
		}{r.Mode, r.Total, nonNil(r.Orphans), r.Errors})
	case ModeStats:
		return json.Marshal(struct {
			Mode       ScanMode             `json:"mode"`
			TotalCount int64                `json:"totalCount"`
			TotalSize  int64                `json:"totalSize"`
			ByType     []CategoryStat       `json:"byType"`
			DiskInfo   *blobstore.DiskUsage `json:"diskInfo"`
		}{r.Mode, r.TotalCount, r.TotalSize, nonNil(r.ByType), r.DiskInfo})
	default:
		return json.Marshal(struct {
			Mode  ScanMode    `json:"mode"`
			Total int         `json:"total"`
			Files  []FileEntry `json:"files"`
			Errors []string    `json:"errors,omitempty"`
		}{r.Mode, r.Total, nonNil(r.Files), r.Errors})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// RepairRequest — подтверждённое оператором удаление.
type RepairRequest struct {
	// FileIDs — записи для удаления (zombie, dangling)
	FileIDs []string `json:"fileIds"`
	// OrphanPaths — абсолютные пути файлов для удаления (orphan)
	OrphanPaths []string `json:"orphanPaths"`
}

// RepairResult — итог удаления.
type RepairResult struct {
	Message string   `json:"message"`
	Deleted int      `json:"deleted"`
	Errors  []string `json:"errors"`
}

// CleanupResult — итог удаления записей, которые не удалось перенести.
type CleanupResult struct {
	Message  string   `json:"message"`
	Deleted  []string `json:"deleted"`
	NotFound []string `json:"notFound"`
	Errors   []string `json:"errors"`
}

// ReconcileReport — находки фоновой сверки.
type ReconcileReport struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Zombies     int       `json:"zombies"`
	Orphans     int       `json:"orphans"`
	Dangling    int       `json:"dangling"`
	// Errors — сколько записей и путей не удалось проверить
	Errors int `json:"errors"`
}

// ReconcileService — сверка БД и диска.
type ReconcileService struct {
	files           repository.FileRepository
	store           *blobstore.Store
	cache           *CacheService
	audit           *AuditLogger
	scanConcurrency int
	interval        time.Duration
	logger          *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска фоновой сверки
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	files repository.FileRepository,
	store *blobstore.Store,
	cache *CacheService,
	audit *AuditLogger,
	scanConcurrency int,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		files:           files,
		store:           store,
		cache:           cache,
		audit:           audit,
		scanConcurrency: max(scanConcurrency, 1),
		interval:        interval,
		logger:          logger.With(slog.String("component", "reconcile")),
	}
}

// Scan выполняет сверку в указанном режиме.
func (rs *ReconcileService) Scan(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	switch req.Mode {
	case ModeList, "":
		return rs.scanList(ctx, req)
	case ModeZombies:
		return rs.scanZombies(ctx)
	case ModeOrphans:
		return rs.scanOrphans(ctx)
	case ModeNoApplication:
		return rs.scanDangling(ctx)
	case ModeStats:
		return rs.scanStats(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
}

func (rs *ReconcileService) scanList(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	page := max(req.Page, 1)
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)

	recs, total, err := rs.files.List(ctx, repository.ListParams{
		Search:   req.Search,
		Category: req.FileType,
		Limit:    limit,
		Offset:   (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("получение списка файлов: %w", err)
	}

	checks, err := checkLocal(ctx, rs.store, recs, rs.scanConcurrency)
	if err != nil {
		return nil, fmt.Errorf("проверка файлов на диске: %w", err)
	}

	files := make([]FileEntry, len(recs))
	for i, rec := range recs {
		files[i] = newFileEntry(rec, checks[i], "")
	}

	return &ScanResult{
		Mode:       ModeList,
		Total:      total,
		Files:      files,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
		DiskInfo:   rs.diskInfo(),
		Errors:     checkErrors(recs, checks),
	}, nil
}

// scanZombies проверяет диск для каждой записи: работа пропорциональна
// числу записей, а не размеру директории.
func (rs *ReconcileService) scanZombies(ctx context.Context) (*ScanResult, error) {
	recs, err := rs.files.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение записей: %w", err)
	}
	checks, err := checkLocal(ctx, rs.store, recs, rs.scanConcurrency)
	if err != nil {
		return nil, fmt.Errorf("проверка файлов на диске: %w", err)
	}

	// Зомби — только подтверждённое отсутствие; непроверенные записи идут в Errors
	files := []FileEntry{}
	for i, rec := range recs {
		if checks[i].err == nil && model.ComputeState(checks[i].exists, rec) == model.StateZombie {
			files = append(files, newFileEntry(rec, checks[i], "Файл отсутствует на диске"))
		}
	}
	return &ScanResult{Mode: ModeZombies, Total: len(files), Files: files, Errors: checkErrors(recs, checks)}, nil
}

func (rs *ReconcileService) scanOrphans(ctx context.Context) (*ScanResult, error) {
	orphans, walkErrs, err := rs.findOrphans(ctx)
	if err != nil {
		return nil, err
	}
	return &ScanResult{Mode: ModeOrphans, Total: len(orphans), Orphans: orphans, Errors: walkErrs}, nil
}

// findOrphans обходит хранилище и ищет запись для каждого файла.
// Нечитаемые директории и файлы возвращаются сообщениями, обход
// остальных продолжается.
func (rs *ReconcileService) findOrphans(ctx context.Context) ([]blobstore.FileInfo, []string, error) {
	var found []blobstore.FileInfo
	skipped, err := rs.store.Walk(func(fi blobstore.FileInfo) error {
		found = append(found, fi)
		return ctx.Err()
	})
	if err != nil {
		return nil, nil, fmt.Errorf("обход хранилища: %w", err)
	}
	var walkErrs []string
	for _, we := range skipped {
		walkErrs = append(walkErrs, fmt.Sprintf("Не удалось прочитать %s: %v", we.Path, we.Err))
	}

	orphan := make([]bool, len(found))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rs.scanConcurrency)
	for i, fi := range found {
		g.Go(func() error {
			ok, err := rs.files.ExistsByStoredName(gctx, fi.ApplicationID, fi.Filename)
			if err != nil {
				return err
			}
			orphan[i] = !ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("поиск записей для файлов на диске: %w", err)
	}

	result := []blobstore.FileInfo{}
	for i, fi := range found {
		if orphan[i] {
			result = append(result, fi)
		}
	}
	return result, walkErrs, nil
}

func (rs *ReconcileService) scanDangling(ctx context.Context) (*ScanResult, error) {
	recs, err := rs.files.ListDangling(ctx)
	if err != nil {
		return nil, fmt.Errorf("поиск записей без заявки: %w", err)
	}
	checks, err := checkLocal(ctx, rs.store, recs, rs.scanConcurrency)
	if err != nil {
		return nil, fmt.Errorf("проверка файлов на диске: %w", err)
	}

	files := make([]FileEntry, len(recs))
	for i, rec := range recs {
		files[i] = newFileEntry(rec, checks[i], "Заявка не существует")
	}
	return &ScanResult{Mode: ModeNoApplication, Total: len(files), Files: files, Errors: checkErrors(recs, checks)}, nil
}

func (rs *ReconcileService) scanStats(ctx context.Context) (*ScanResult, error) {
	rows, err := rs.files.StatsByMimeType(ctx)
	if err != nil {
		return nil, fmt.Errorf("статистика файлов: %w", err)
	}

	byCategory := map[string]*CategoryStat{}
	var totalCount, totalSize int64
	for _, row := range rows {
		cat := model.MimeCategory(row.MimeType)
		st, ok := byCategory[cat]
		if !ok {
			st = &CategoryStat{Type: cat, Label: model.CategoryLabel(cat)}
			byCategory[cat] = st
		}
		st.Count += row.Count
		st.TotalSize += row.TotalSize
		totalCount += row.Count
		totalSize += row.TotalSize
	}

	stats := make([]CategoryStat, 0, len(byCategory))
	for _, st := range byCategory {
		st.PercentByCount = percent(st.Count, totalCount)
		st.PercentBySize = percent(st.TotalSize, totalSize)
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalSize != stats[j].TotalSize {
			return stats[i].TotalSize > stats[j].TotalSize
		}
		return stats[i].Type < stats[j].Type
	})

	return &ScanResult{
		Mode:       ModeStats,
		TotalCount: totalCount,
		TotalSize:  totalSize,
		ByType:     stats,
		DiskInfo:   rs.diskInfo(),
	}, nil
}

// Repair удаляет записи по id и файлы по абсолютным путям. Ошибка
// отдельного элемента попадает в Errors и не прерывает остальные.
func (rs *ReconcileService) Repair(ctx context.Context, req RepairRequest, actor *model.User) *RepairResult {
	res := &RepairResult{Errors: []string{}}

	for _, id := range req.FileIDs {
		rec, err := rs.files.Delete(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				res.Errors = append(res.Errors, fmt.Sprintf("Не удалось удалить %s: запись не найдена", id))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("Не удалось удалить %s: %v", id, err))
			}
			continue
		}
		if rs.cache != nil {
			rs.cache.Delete(id)
		}
		res.Deleted++
		rs.logger.Info("Запись удалена при сверке",
			slog.String("file_id", id),
			slog.String("application_id", rec.ApplicationID),
			slog.String("filename", rec.OriginalFilename),
		)
	}

	for _, p := range req.OrphanPaths {
		if err := rs.store.DeletePath(p); err != nil {
			if errors.Is(err, blobstore.ErrOutsideRoot) {
				rs.logger.Warn("Отклонено удаление пути вне хранилища", slog.String("path", p))
				res.Errors = append(res.Errors, fmt.Sprintf("Недопустимый путь: %s", p))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("Не удалось удалить %s: %v", p, err))
			}
			continue
		}
		res.Deleted++
		rs.logger.Info("Файл удалён при сверке", slog.String("path", p))
	}

	res.Message = fmt.Sprintf("Удалено элементов: %d", res.Deleted)

	if rs.audit != nil && (len(req.FileIDs) > 0 || len(req.OrphanPaths) > 0) {
		entry := model.NewAuditEntry(actor, model.AuditActionDelete, model.AuditEntityOther, nil,
			"Сверка файлов: "+res.Message)
		entry.OldValues = map[string]any{"fileIds": req.FileIDs, "orphanPaths": req.OrphanPaths}
		entry.NewValues = map[string]any{"deleted": res.Deleted, "errors": len(res.Errors)}
		rs.audit.Log(entry)
	}
	return res
}

// CleanupUnmigrateable удаляет записи с legacy_path по оригинальному
// имени файла: файлы, которых нет и на старом сервере.
func (rs *ReconcileService) CleanupUnmigrateable(ctx context.Context, filenames []string, actor *model.User) *CleanupResult {
	res := &CleanupResult{Deleted: []string{}, NotFound: []string{}, Errors: []string{}}

	for _, name := range filenames {
		n, err := rs.files.DeleteUnmigrateable(ctx, name)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", name, err))
		case n > 0:
			res.Deleted = append(res.Deleted, name)
		default:
			res.NotFound = append(res.NotFound, name)
		}
	}
	res.Message = fmt.Sprintf("Удалено %d файлов", len(res.Deleted))

	if rs.audit != nil && len(filenames) > 0 {
		entry := model.NewAuditEntry(actor, model.AuditActionDelete, model.AuditEntityOther, nil,
			"Удаление неперенесённых файлов: "+res.Message)
		entry.OldValues = map[string]any{"filenames": filenames}
		rs.audit.Log(entry)
	}
	return res
}

// --- фоновая сверка ---

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Фоновая сверка запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего цикла.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
		<-rs.done
	}
	rs.logger.Info("Фоновая сверка остановлена")
}

// IsInProgress возвращает true, если фоновая сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := rs.RunOnce(ctx); err != nil && ctx.Err() == nil {
				rs.logger.Error("Ошибка фоновой сверки", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет один цикл сверки без исправлений.
// Если сверка уже выполняется, возвращает nil, true, nil.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileReport, bool, error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true, nil
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	rs.logger.Info("Сверка начата")

	zombies, err := rs.scanZombies(ctx)
	if err != nil {
		return nil, false, err
	}
	orphans, walkErrs, err := rs.findOrphans(ctx)
	if err != nil {
		return nil, false, err
	}
	dangling, err := rs.files.ListDangling(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("поиск записей без заявки: %w", err)
	}

	report.Zombies = zombies.Total
	report.Orphans = len(orphans)
	report.Dangling = len(dangling)
	report.Errors = len(zombies.Errors) + len(walkErrs)
	report.CompletedAt = time.Now().UTC()

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	reconcileFindings.WithLabelValues("zombie").Set(float64(report.Zombies))
	reconcileFindings.WithLabelValues("orphan").Set(float64(report.Orphans))
	reconcileFindings.WithLabelValues("dangling").Set(float64(report.Dangling))

	rs.logger.Info("Сверка завершена",
		slog.Int("zombies", report.Zombies),
		slog.Int("orphans", report.Orphans),
		slog.Int("dangling", report.Dangling),
		slog.Int("errors", report.Errors),
		slog.Duration("duration", report.CompletedAt.Sub(report.StartedAt)),
	)
	return report, false, nil
}

func (rs *ReconcileService) diskInfo() *blobstore.DiskUsage {
	du, err := rs.store.DiskUsage()
	if err != nil {
		rs.logger.Debug("Информация о диске недоступна", slog.String("error", err.Error()))
		return nil
	}
	return du
}

func newFileEntry(rec *model.FileRecord, p localCheck, reason string) FileEntry {
	e := FileEntry{
		FileRecord:     rec,
		ExistsLocally:  p.exists,
		NeedsMigration: !p.exists && rec.HasLegacyPath(),
		State:          model.ComputeState(p.exists, rec),
		Reason:         reason,
	}
	if p.err != nil {
		e.CheckError = p.err.Error()
	}
	return e
}

func percent(part, total int64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}
