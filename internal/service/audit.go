package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
)

// AuditLogger записывает действия в журнал аудита. Ошибка записи
// только логируется: основное действие уже выполнено.
type AuditLogger struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// NewAuditLogger создаёт журнал аудита. repo может быть nil —
// тогда записи только логируются.
func NewAuditLogger(repo repository.AuditRepository, logger *slog.Logger) *AuditLogger {
	return &AuditLogger{repo: repo, logger: logger.With(slog.String("component", "audit"))}
}

// Log записывает действие. Контекст запроса не используется для записи,
// чтобы отмена запроса не теряла запись о выполненном действии.
func (a *AuditLogger) Log(e model.AuditEntry) {
	a.logger.Info("Аудит",
		slog.String("action", e.ActionType),
		slog.String("entity", e.EntityType),
		slog.String("description", e.Description),
	)
	if a.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.repo.Insert(ctx, e); err != nil {
		a.logger.Error("Не удалось записать журнал аудита",
			slog.String("action", e.ActionType),
			slog.String("error", err.Error()),
		)
	}
}
