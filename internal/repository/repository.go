// Пакет repository — доступ к таблицам приложения заявок в PostgreSQL.
// Сервис читает zakaz_files, zakaz_sessions и zakaz_users, изменяет
// zakaz_files только при миграции и удалении, дописывает zakaz_audit_log.
// Запросы — SQL через pgx.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound — запись не найдена (в том числе при некорректном UUID).
var ErrNotFound = errors.New("запись не найдена")

// DBTX — общий интерфейс *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowErr переводит pgx.ErrNoRows в ErrNotFound, остальные ошибки
// оборачивает описанием операции.
func rowErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUUID проверяет идентификатор до обращения к базе: столбцы id имеют
// тип uuid, и некорректная строка дала бы ошибку приведения типа.
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
