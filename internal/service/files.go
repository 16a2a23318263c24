package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
	"github.com/makarenko444/zakaz-3/file-service/internal/storage/blobstore"
)

// ErrForbidden — пользователь не может удалить чужой файл.
var ErrForbidden = errors.New("недостаточно прав")

// FileService — операции над отдельным файлом заявки.
type FileService struct {
	files  repository.FileRepository
	store  *blobstore.Store
	cache  *CacheService
	audit  *AuditLogger
	logger *slog.Logger
}

// NewFileService создаёт сервис файлов заявки.
func NewFileService(
	files repository.FileRepository,
	store *blobstore.Store,
	cache *CacheService,
	audit *AuditLogger,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		files:  files,
		store:  store,
		cache:  cache,
		audit:  audit,
		logger: logger.With(slog.String("component", "file_service")),
	}
}

// Delete удаляет файл заявки: сначала запись, затем байты.
// Удалить может только загрузивший пользователь или администратор.
// Ошибка удаления байтов только логируется: файл без записи найдёт сверка.
func (s *FileService) Delete(ctx context.Context, appID, fileID string, user *model.User, client model.ClientInfo) error {
	rec, err := s.files.GetForApplication(ctx, appID, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("получение записи файла: %w", err)
	}

	isOwner := user != nil && rec.UploadedBy != nil && *rec.UploadedBy == user.ID
	if !isOwner && !user.IsAdmin() {
		return ErrForbidden
	}

	if _, err := s.files.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("удаление записи файла: %w", err)
	}
	s.cache.Delete(rec.ID)

	if err := s.store.Delete(rec.ApplicationID, rec.StoredFilename); err != nil {
		s.logger.Warn("Не удалось удалить файл с диска",
			slog.String("file_id", rec.ID),
			slog.String("application_id", rec.ApplicationID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Файл удалён",
		slog.String("file_id", rec.ID),
		slog.String("application_id", rec.ApplicationID),
		slog.String("user_id", user.ID),
	)

	appRef := rec.ApplicationID
	entry := model.NewAuditEntry(user, model.AuditActionDeleteFile, model.AuditEntityApplication, &appRef,
		"Удален файл "+rec.OriginalFilename).WithClient(client)
	entry.OldValues = map[string]any{
		"file_id":           rec.ID,
		"original_filename": rec.OriginalFilename,
	}
	s.audit.Log(entry)
	return nil
}
