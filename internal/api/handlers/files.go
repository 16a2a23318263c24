// files.go — чтение и удаление файла заявки:
// GET/DELETE /api/applications/{applicationId}/files/{fileId}.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/makarenko444/zakaz-3/file-service/internal/api/errors"
	"github.com/makarenko444/zakaz-3/file-service/internal/api/middleware"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
)

// HeaderFileSource — уровень каскада, отдавший байты (local, peer, legacy).
const HeaderFileSource = middleware.HeaderFileSource

// DownloadFile — GET /api/applications/{applicationId}/files/{fileId}.
// Доступ: сессия пользователя или межсерверный секрет.
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "applicationId")
	fileID := chi.URLParam(r, "fileId")
	inter := middleware.IsInterServerCall(r.Context())

	res, err := h.resolver.Resolve(r.Context(), appID, fileID, inter)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			apierrors.NotFound(w, r, "Файл не найден")
		case errors.Is(err, context.Canceled):
			// Клиент закрыл соединение, отвечать некому
			h.logger.Debug("Запрос файла отменён клиентом",
				slog.String("application_id", appID),
				slog.String("file_id", fileID),
			)
		default:
			h.logger.Error("Ошибка получения файла",
				slog.String("application_id", appID),
				slog.String("file_id", fileID),
				slog.Bool("inter_server", inter),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, r, "Внутренняя ошибка при получении файла")
		}
		return
	}

	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", contentDisposition(res.Record.OriginalFilename))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.Header().Set(HeaderFileSource, string(res.Tier))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		h.logger.Debug("Ошибка отправки файла клиенту",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteFile — DELETE /api/applications/{applicationId}/files/{fileId}.
// Удалить может загрузивший пользователь или администратор.
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "applicationId")
	fileID := chi.URLParam(r, "fileId")
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		apierrors.Unauthorized(w, r, "Требуется авторизация")
		return
	}

	err := h.files.Delete(r.Context(), appID, fileID, user, middleware.ClientInfo(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Файл удалён"})
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, r, "Файл не найден")
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, r, "Удалить файл может только загрузивший его пользователь или администратор")
	default:
		h.logger.Error("Ошибка удаления файла",
			slog.String("application_id", appID),
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, r, "Внутренняя ошибка при удалении файла")
	}
}

// contentDisposition формирует заголовок вложения: ASCII-имя filename
// для старых клиентов и полное имя filename* в кодировке RFC 5987.
func contentDisposition(filename string) string {
	return `attachment; filename="` + asciiFallback(filename) + `"; filename*=UTF-8''` + encodeRFC5987(filename)
}

// asciiFallback заменяет на "_" всё, кроме печатного ASCII, а также
// кавычку и обратную косую черту.
func asciiFallback(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

// encodeRFC5987 кодирует байты вне attr-char как %XX.
func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := range len(s) {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
