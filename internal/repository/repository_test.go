package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/makarenko444/zakaz-3/file-service/internal/config"
	"github.com/makarenko444/zakaz-3/file-service/internal/database"
	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("zakaz_test"),
		postgres.WithUsername("zakaz"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("FS_UPLOAD_DIR", t.TempDir())
	t.Setenv("FS_DB_HOST", host)
	t.Setenv("FS_DB_PORT", port.Port())
	t.Setenv("FS_DB_NAME", "zakaz_test")
	t.Setenv("FS_DB_USER", "zakaz")
	t.Setenv("FS_DB_PASSWORD", "test-password")
	t.Setenv("FS_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func insertApplication(t *testing.T, pool *pgxpool.Pool, customer string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(),
		`INSERT INTO zakaz_applications (customer_fullname) VALUES ($1) RETURNING id::text`,
		customer).Scan(&id)
	if err != nil {
		t.Fatalf("ошибка создания заявки: %v", err)
	}
	return id
}

func insertFile(t *testing.T, pool *pgxpool.Pool, appID, original, stored, mime string, legacy *string, uploadedAt time.Time) string {
	t.Helper()
	id := uuid.New().String()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO zakaz_files (id, application_id, original_filename, stored_filename,
			file_size, mime_type, legacy_path, uploaded_at)
		VALUES ($1, $2, $3, $4, 100, $5, $6, $7)`,
		id, appID, original, stored, mime, legacy, uploadedAt)
	if err != nil {
		t.Fatalf("ошибка создания записи файла: %v", err)
	}
	return id
}

// --- Тесты FileRepository ---

func TestFileRepository_GetAndDelete(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	appID := insertApplication(t, pool, "Иванов И.И.")
	legacy := "/old/отчёт.pdf"
	fileID := insertFile(t, pool, appID, "отчёт.pdf", "1700000000_abc.pdf", "application/pdf", &legacy, time.Now())

	got, err := repo.GetByID(ctx, fileID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.ApplicationID != appID || got.StoredFilename != "1700000000_abc.pdf" {
		t.Errorf("GetByID() = %+v", got)
	}
	if got.LegacyPath == nil || *got.LegacyPath != legacy {
		t.Errorf("LegacyPath = %v", got.LegacyPath)
	}

	if _, err := repo.GetForApplication(ctx, uuid.New().String(), fileID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetForApplication() с чужой заявкой: ожидали ErrNotFound, получили %v", err)
	}
	if _, err := repo.GetByID(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(not-a-uuid): ожидали ErrNotFound, получили %v", err)
	}

	if err := repo.UpdateFileSize(ctx, fileID, 4242); err != nil {
		t.Fatalf("UpdateFileSize() ошибка: %v", err)
	}

	deleted, err := repo.Delete(ctx, fileID)
	if err != nil {
		t.Fatalf("Delete() ошибка: %v", err)
	}
	if deleted.FileSize != 4242 {
		t.Errorf("FileSize после обновления = %d, ожидали 4242", deleted.FileSize)
	}
	if _, err := repo.Delete(ctx, fileID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete(): ожидали ErrNotFound, получили %v", err)
	}
}

func TestFileRepository_Lists(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	appID := insertApplication(t, pool, "ООО Ромашка")
	missingApp := uuid.New().String()
	legacy := "/old/a.jpg"
	now := time.Now()

	insertFile(t, pool, appID, "a.jpg", "1_a.jpg", "image/jpeg", &legacy, now.Add(-time.Hour))
	insertFile(t, pool, appID, "b.pdf", "2_b.pdf", "application/pdf", nil, now)
	dangling := insertFile(t, pool, missingApp, "c.xlsx", "3_c.xlsx", "application/vnd.ms-excel", nil, now.Add(-2*time.Hour))

	legacyFiles, err := repo.ListLegacy(ctx)
	if err != nil {
		t.Fatalf("ListLegacy() ошибка: %v", err)
	}
	if len(legacyFiles) != 1 || legacyFiles[0].OriginalFilename != "a.jpg" {
		t.Errorf("ListLegacy() = %v", legacyFiles)
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() ошибка: %v", err)
	}
	if len(all) != 3 || all[0].OriginalFilename != "b.pdf" {
		t.Fatalf("ListAll() вернул %d записей, первая %q", len(all), all[0].OriginalFilename)
	}
	if all[0].Application == nil || all[0].Application.CustomerFullname == nil ||
		*all[0].Application.CustomerFullname != "ООО Ромашка" {
		t.Errorf("сведения о заявке не заполнены: %+v", all[0].Application)
	}

	danglingFiles, err := repo.ListDangling(ctx)
	if err != nil {
		t.Fatalf("ListDangling() ошибка: %v", err)
	}
	if len(danglingFiles) != 1 || danglingFiles[0].ID != dangling {
		t.Errorf("ListDangling() = %v", danglingFiles)
	}

	page, total, err := repo.List(ctx, ListParams{Category: "image", Limit: 10})
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if total != 1 || len(page) != 1 || page[0].MimeType != "image/jpeg" {
		t.Errorf("List(image) = %d записей, total=%d", len(page), total)
	}

	page, total, err = repo.List(ctx, ListParams{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].OriginalFilename != "a.jpg" {
		t.Errorf("List(page 2) = %v, total=%d", page, total)
	}

	exists, err := repo.ExistsByStoredName(ctx, appID, "1_a.jpg")
	if err != nil || !exists {
		t.Errorf("ExistsByStoredName() = %v, %v; ожидали true", exists, err)
	}
	exists, err = repo.ExistsByStoredName(ctx, "not-a-uuid", "1_a.jpg")
	if err != nil || exists {
		t.Errorf("ExistsByStoredName(not-a-uuid) = %v, %v; ожидали false", exists, err)
	}

	stats, err := repo.StatsByMimeType(ctx)
	if err != nil {
		t.Fatalf("StatsByMimeType() ошибка: %v", err)
	}
	if len(stats) != 3 {
		t.Errorf("StatsByMimeType() вернул %d групп, ожидали 3", len(stats))
	}

	n, err := repo.DeleteUnmigrateable(ctx, "a.jpg")
	if err != nil || n != 1 {
		t.Errorf("DeleteUnmigrateable(a.jpg) = %d, %v; ожидали 1", n, err)
	}
	// Запись без legacy_path не удаляется
	n, err = repo.DeleteUnmigrateable(ctx, "b.pdf")
	if err != nil || n != 0 {
		t.Errorf("DeleteUnmigrateable(b.pdf) = %d, %v; ожидали 0", n, err)
	}
}

// --- Тесты SessionRepository ---

func TestSessionRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(pool)

	var userID string
	err := pool.QueryRow(ctx, `
		INSERT INTO zakaz_users (email, full_name, role)
		VALUES ('admin@example.ru', 'Админ', 'admin') RETURNING id::text`).Scan(&userID)
	if err != nil {
		t.Fatalf("ошибка создания пользователя: %v", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO zakaz_sessions (user_id, session_token, expires_at)
		VALUES ($1, 'valid-token', now() + interval '1 day'),
		       ($1, 'expired-token', now() - interval '1 day')`, userID)
	if err != nil {
		t.Fatalf("ошибка создания сессий: %v", err)
	}

	u, err := repo.UserBySessionToken(ctx, "valid-token")
	if err != nil {
		t.Fatalf("UserBySessionToken() ошибка: %v", err)
	}
	if u.ID != userID || !u.IsAdmin() || u.Name != "Админ" {
		t.Errorf("пользователь = %+v", u)
	}

	if _, err := repo.UserBySessionToken(ctx, "expired-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("истёкшая сессия: ожидали ErrNotFound, получили %v", err)
	}
	var count int
	_ = pool.QueryRow(ctx, `SELECT COUNT(*) FROM zakaz_sessions WHERE session_token = 'expired-token'`).Scan(&count)
	if count != 0 {
		t.Error("истёкшая сессия не удалена")
	}

	if _, err := repo.UserBySessionToken(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный токен: ожидали ErrNotFound, получили %v", err)
	}
}

// --- Тесты AuditRepository ---

func TestAuditRepository_Insert(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewAuditRepository(pool)

	u := &model.User{ID: uuid.New().String(), Name: "Админ", Email: "admin@example.ru", Role: model.RoleAdmin}
	entry := model.NewAuditEntry(u, model.AuditActionOther, model.AuditEntityOther, nil, "Миграция файлов")
	entry.NewValues = map[string]any{"downloaded": 3}

	if err := repo.Insert(ctx, entry); err != nil {
		t.Fatalf("Insert() ошибка: %v", err)
	}

	var desc string
	var downloaded int
	err := pool.QueryRow(ctx,
		`SELECT description, (new_values->>'downloaded')::int FROM zakaz_audit_log`).Scan(&desc, &downloaded)
	if err != nil {
		t.Fatalf("ошибка чтения журнала: %v", err)
	}
	if desc != "Миграция файлов" || downloaded != 3 {
		t.Errorf("запись журнала = %q, %d", desc, downloaded)
	}
}
