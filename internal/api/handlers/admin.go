// admin.go — административные endpoints: миграция со старого сервера
// и сверка БД с диском. Доступ только для администратора (RequireAdmin).
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/makarenko444/zakaz-3/file-service/internal/api/errors"
	"github.com/makarenko444/zakaz-3/file-service/internal/api/middleware"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
)

// migrateRequest — тело POST /api/admin/migrate-files.
type migrateRequest struct {
	FileIDs []string `json:"fileIds"`
	Limit   int      `json:"limit"`
}

// cleanupRequest — тело POST /api/admin/cleanup-unmigrateable.
type cleanupRequest struct {
	Filenames []string `json:"filenames"`
}

// MigrationStatus — GET /api/admin/migrate-files.
func (h *APIHandler) MigrationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.migrator.Status(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статуса миграции", slog.String("error", err.Error()))
		apierrors.InternalError(w, r, "Не удалось получить статус миграции")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// MigrateFiles — POST /api/admin/migrate-files.
// С fileIds переносит указанные файлы, без них — первые limit ожидающих.
func (h *APIHandler) MigrateFiles(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.ValidationError(w, r, err.Error())
		return
	}
	if req.Limit < 0 {
		apierrors.ValidationError(w, r, "limit не может быть отрицательным")
		return
	}

	user := middleware.UserFromContext(r.Context())

	if len(req.FileIDs) > 0 {
		writeJSON(w, http.StatusOK, h.migrator.MigrateBatch(r.Context(), req.FileIDs, user))
		return
	}

	report, err := h.migrator.MigratePending(r.Context(), req.Limit, user)
	if err != nil {
		h.logger.Error("Ошибка миграции ожидающих файлов", slog.String("error", err.Error()))
		apierrors.InternalError(w, r, "Не удалось выполнить миграцию")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ScanFiles — GET /api/admin/files?mode=&page=&limit=&search=&fileType=.
func (h *APIHandler) ScanFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode, err := service.ParseScanMode(q.Get("mode"))
	if err != nil {
		apierrors.ValidationError(w, r, err.Error())
		return
	}
	page, err := queryInt(q.Get("page"))
	if err != nil {
		apierrors.ValidationError(w, r, "page: "+err.Error())
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		apierrors.ValidationError(w, r, "limit: "+err.Error())
		return
	}

	res, err := h.reconciler.Scan(r.Context(), service.ScanRequest{
		Mode:     mode,
		Page:     page,
		Limit:    limit,
		Search:   q.Get("search"),
		FileType: q.Get("fileType"),
	})
	if err != nil {
		h.logger.Error("Ошибка сверки файлов",
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, r, "Не удалось выполнить сверку")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RepairFiles — DELETE /api/admin/files, тело {fileIds?, orphanPaths?}.
func (h *APIHandler) RepairFiles(w http.ResponseWriter, r *http.Request) {
	var req service.RepairRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.ValidationError(w, r, err.Error())
		return
	}
	if len(req.FileIDs) == 0 && len(req.OrphanPaths) == 0 {
		apierrors.ValidationError(w, r, "Не указаны файлы для удаления")
		return
	}

	res := h.reconciler.Repair(r.Context(), req, middleware.UserFromContext(r.Context()))
	writeJSON(w, http.StatusOK, res)
}

// CleanupUnmigrateable — POST /api/admin/cleanup-unmigrateable, тело {filenames}.
func (h *APIHandler) CleanupUnmigrateable(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.ValidationError(w, r, err.Error())
		return
	}
	if len(req.Filenames) == 0 {
		apierrors.ValidationError(w, r, "Не указаны имена файлов")
		return
	}

	res := h.reconciler.CleanupUnmigrateable(r.Context(), req.Filenames, middleware.UserFromContext(r.Context()))
	writeJSON(w, http.StatusOK, res)
}

// queryInt разбирает необязательный целочисленный параметр запроса.
func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
