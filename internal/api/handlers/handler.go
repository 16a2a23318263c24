// handler.go — обработчики HTTP API файлового сервиса.
// Обработчики принимают сервисы через интерфейсы и только переводят
// HTTP в вызовы сервисного слоя и обратно.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
)

// maxBodySize — ограничение тела JSON-запросов администратора.
const maxBodySize = 1 << 20

// FileResolver — каскадное получение файла (service.Resolver).
type FileResolver interface {
	Resolve(ctx context.Context, appID, fileID string, isInterServerCall bool) (*service.ResolveResult, error)
}

// FileDeleter — удаление файла заявки (service.FileService).
type FileDeleter interface {
	Delete(ctx context.Context, appID, fileID string, user *model.User, client model.ClientInfo) error
}

// Migrator — миграция со старого сервера (service.MigrationService).
type Migrator interface {
	Status(ctx context.Context) (*service.MigrationStatus, error)
	MigrateBatch(ctx context.Context, ids []string, actor *model.User) *service.MigrationReport
	MigratePending(ctx context.Context, limit int, actor *model.User) (*service.MigrationReport, error)
}

// Reconciler — сверка БД и диска (service.ReconcileService).
type Reconciler interface {
	Scan(ctx context.Context, req service.ScanRequest) (*service.ScanResult, error)
	Repair(ctx context.Context, req service.RepairRequest, actor *model.User) *service.RepairResult
	CleanupUnmigrateable(ctx context.Context, filenames []string, actor *model.User) *service.CleanupResult
}

// APIHandler — обработчик API файлового сервиса.
type APIHandler struct {
	resolver   FileResolver
	files      FileDeleter
	migrator   Migrator
	reconciler Reconciler
	logger     *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(
	resolver FileResolver,
	files FileDeleter,
	migrator Migrator,
	reconciler Reconciler,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		resolver:   resolver,
		files:      files,
		migrator:   migrator,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса в dst. Пустое тело допустимо
// и оставляет dst без изменений.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("некорректный JSON: %w", err)
	}
	return nil
}
