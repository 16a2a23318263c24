package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
)

// SessionRepository — сессии пользователей приложения заявок.
type SessionRepository interface {
	// UserBySessionToken возвращает активного пользователя по токену сессии.
	// Истёкшая сессия удаляется; ErrNotFound — сессии или пользователя нет.
	UserBySessionToken(ctx context.Context, token string) (*model.User, error)
}

type sessionRepo struct {
	db  DBTX
	now func() time.Time
}

// NewSessionRepository создаёт репозиторий сессий.
func NewSessionRepository(db DBTX) SessionRepository {
	return &sessionRepo{db: db, now: time.Now}
}

func (r *sessionRepo) UserBySessionToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	var (
		userID    string
		expiresAt time.Time
	)
	err := r.db.QueryRow(ctx, `
		SELECT user_id::text, expires_at
		FROM zakaz_sessions
		WHERE session_token = $1`, token).Scan(&userID, &expiresAt)
	if err != nil {
		return nil, rowErr("ошибка получения сессии", err)
	}

	now := r.now()
	if expiresAt.Before(now) {
		if _, err := r.db.Exec(ctx, `DELETE FROM zakaz_sessions WHERE session_token = $1`, token); err != nil {
			return nil, fmt.Errorf("ошибка удаления истёкшей сессии: %w", err)
		}
		return nil, ErrNotFound
	}

	if _, err := r.db.Exec(ctx,
		`UPDATE zakaz_sessions SET last_activity = $2 WHERE session_token = $1`, token, now); err != nil {
		return nil, fmt.Errorf("ошибка обновления активности сессии: %w", err)
	}

	u := &model.User{}
	err = r.db.QueryRow(ctx, `
		SELECT id::text, COALESCE(full_name, ''), email, role
		FROM zakaz_users
		WHERE id = $1 AND active`, userID).Scan(&u.ID, &u.Name, &u.Email, &u.Role)
	if err != nil {
		return nil, rowErr("ошибка получения пользователя", err)
	}
	return u, nil
}
