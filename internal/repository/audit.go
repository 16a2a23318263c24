package repository

import (
	"context"
	"fmt"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
)

// AuditRepository — журнал аудита zakaz_audit_log.
type AuditRepository interface {
	// Insert добавляет запись в журнал.
	Insert(ctx context.Context, e model.AuditEntry) error
}

type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий журнала аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Insert(ctx context.Context, e model.AuditEntry) error {
	entityID := e.EntityID
	if entityID != nil && !isUUID(*entityID) {
		entityID = nil
	}
	userID := e.UserID
	if userID != nil && !isUUID(*userID) {
		userID = nil
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO zakaz_audit_log (
			user_id, user_email, user_name, action_type, entity_type, entity_id,
			description, old_values, new_values, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		userID, e.UserEmail, e.UserName, e.ActionType, e.EntityType, entityID,
		e.Description, jsonOrNil(e.OldValues), jsonOrNil(e.NewValues), e.IPAddress, e.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи журнала аудита: %w", err)
	}
	return nil
}

// jsonOrNil возвращает nil для пустой карты, чтобы в JSONB попал SQL NULL.
func jsonOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
