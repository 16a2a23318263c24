package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
)

// fileColumns — столбцы zakaz_files (алиас f) для SELECT-запросов.
// UUID приводятся к text, NULL-значения размера и MIME — к нулевым.
const fileColumns = `f.id::text, f.application_id::text, f.original_filename, f.stored_filename,
	COALESCE(f.file_size, 0), COALESCE(f.mime_type, ''), f.legacy_path, f.uploaded_by::text, f.uploaded_at`

// appColumns — сведения о заявке из LEFT JOIN zakaz_applications a.
const appColumns = `a.application_number, a.customer_fullname`

// ListParams — параметры списка файлов для администратора.
type ListParams struct {
	// Search — подстрока original_filename (ILIKE)
	Search string
	// Category — категория MIME-типа (model.MimeCategory), пустая — без фильтра
	Category string
	// SortBy — поле сортировки: uploaded_at, original_filename, file_size
	SortBy string
	// SortOrder — направление: asc, desc
	SortOrder string
	// Limit — количество результатов
	Limit int
	// Offset — смещение
	Offset int
}

// MimeStat — агрегат по одному MIME-типу.
type MimeStat struct {
	MimeType  string
	Count     int64
	TotalSize int64
}

// FileRepository — доступ к таблице zakaz_files.
type FileRepository interface {
	// GetByID возвращает запись по идентификатору.
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)
	// GetForApplication возвращает запись, только если она принадлежит заявке.
	GetForApplication(ctx context.Context, appID, id string) (*model.FileRecord, error)
	// ListLegacy возвращает записи с legacy_path, новые первыми.
	ListLegacy(ctx context.Context) ([]*model.FileRecord, error)
	// ListAll возвращает все записи с данными заявки, новые первыми.
	ListAll(ctx context.Context) ([]*model.FileRecord, error)
	// ListDangling возвращает записи, заявка которых не существует.
	ListDangling(ctx context.Context) ([]*model.FileRecord, error)
	// List возвращает страницу записей по фильтрам и общее количество.
	List(ctx context.Context, params ListParams) ([]*model.FileRecord, int, error)
	// ExistsByStoredName проверяет наличие записи для файла на диске.
	ExistsByStoredName(ctx context.Context, appID, storedName string) (bool, error)
	// UpdateFileSize записывает фактический размер файла.
	UpdateFileSize(ctx context.Context, id string, size int64) error
	// Delete удаляет запись и возвращает её.
	Delete(ctx context.Context, id string) (*model.FileRecord, error)
	// DeleteUnmigrateable удаляет записи с legacy_path по оригинальному имени.
	DeleteUnmigrateable(ctx context.Context, originalFilename string) (int64, error)
	// StatsByMimeType возвращает количество и объём по MIME-типам.
	StatsByMimeType(ctx context.Context) ([]MimeStat, error)
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// scanner — общий интерфейс pgx.Row и pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	err := row.Scan(
		&f.ID, &f.ApplicationID, &f.OriginalFilename, &f.StoredFilename,
		&f.FileSize, &f.MimeType, &f.LegacyPath, &f.UploadedBy, &f.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func scanFileWithApp(row scanner) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var (
		appNumber *int64
		customer  *string
	)
	err := row.Scan(
		&f.ID, &f.ApplicationID, &f.OriginalFilename, &f.StoredFilename,
		&f.FileSize, &f.MimeType, &f.LegacyPath, &f.UploadedBy, &f.UploadedAt,
		&appNumber, &customer,
	)
	if err != nil {
		return nil, err
	}
	if appNumber != nil {
		f.Application = &model.ApplicationRef{Number: *appNumber, CustomerFullname: customer}
	}
	return f, nil
}

func (r *fileRepo) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	if !isUUID(id) {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM zakaz_files f WHERE f.id = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, rowErr("ошибка получения файла", err)
	}
	return f, nil
}

func (r *fileRepo) GetForApplication(ctx context.Context, appID, id string) (*model.FileRecord, error) {
	if !isUUID(id) || !isUUID(appID) {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(
		`SELECT %s FROM zakaz_files f WHERE f.id = $1 AND f.application_id = $2`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, id, appID))
	if err != nil {
		return nil, rowErr("ошибка получения файла заявки", err)
	}
	return f, nil
}

func (r *fileRepo) ListLegacy(ctx context.Context) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM zakaz_files f
		WHERE f.legacy_path IS NOT NULL AND f.legacy_path <> ''
		ORDER BY f.uploaded_at DESC`, fileColumns)
	return r.queryFiles(ctx, query, scanFile)
}

func (r *fileRepo) ListAll(ctx context.Context) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s, %s FROM zakaz_files f
		LEFT JOIN zakaz_applications a ON a.id = f.application_id
		ORDER BY f.uploaded_at DESC`, fileColumns, appColumns)
	return r.queryFiles(ctx, query, scanFileWithApp)
}

func (r *fileRepo) ListDangling(ctx context.Context) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM zakaz_files f
		LEFT JOIN zakaz_applications a ON a.id = f.application_id
		WHERE a.id IS NULL
		ORDER BY f.uploaded_at DESC`, fileColumns)
	return r.queryFiles(ctx, query, scanFile)
}

// List выполняет поиск с фильтрами, сортировкой и пагинацией.
// Возвращает (результаты, общее количество, ошибка).
func (r *fileRepo) List(ctx context.Context, params ListParams) ([]*model.FileRecord, int, error) {
	where, args := buildListWhere(params, 1)
	argNum := len(args) + 1
	orderBy := buildOrderBy(params.SortBy, params.SortOrder)

	dataQuery := fmt.Sprintf(`
		SELECT %s, %s FROM zakaz_files f
		LEFT JOIN zakaz_applications a ON a.id = f.application_id
		%s %s LIMIT $%d OFFSET $%d`,
		fileColumns, appColumns, where, orderBy, argNum, argNum+1,
	)
	dataArgs := append(append([]any{}, args...), params.Limit, params.Offset)

	result, err := r.queryFiles(ctx, dataQuery, scanFileWithApp, dataArgs...)
	if err != nil {
		return nil, 0, err
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM zakaz_files f %s`, where)
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта файлов: %w", err)
	}

	return result, total, nil
}

func (r *fileRepo) ExistsByStoredName(ctx context.Context, appID, storedName string) (bool, error) {
	// Директория с именем не-UUID не может принадлежать ни одной записи
	if !isUUID(appID) {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM zakaz_files
			WHERE application_id = $1 AND stored_filename = $2
		)`, appID, storedName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки записи файла: %w", err)
	}
	return exists, nil
}

func (r *fileRepo) UpdateFileSize(ctx context.Context, id string, size int64) error {
	if !isUUID(id) {
		return ErrNotFound
	}
	tag, err := r.db.Exec(ctx, `UPDATE zakaz_files SET file_size = $2 WHERE id = $1`, id, size)
	if err != nil {
		return fmt.Errorf("ошибка обновления размера файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) Delete(ctx context.Context, id string) (*model.FileRecord, error) {
	if !isUUID(id) {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`DELETE FROM zakaz_files f WHERE f.id = $1 RETURNING %s`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, rowErr("ошибка удаления файла", err)
	}
	return f, nil
}

func (r *fileRepo) DeleteUnmigrateable(ctx context.Context, originalFilename string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM zakaz_files
		WHERE original_filename = $1 AND legacy_path IS NOT NULL`, originalFilename)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления записей %q: %w", originalFilename, err)
	}
	return tag.RowsAffected(), nil
}

func (r *fileRepo) StatsByMimeType(ctx context.Context) ([]MimeStat, error) {
	rows, err := r.db.Query(ctx, `
		SELECT COALESCE(mime_type, ''), COUNT(*), COALESCE(SUM(file_size), 0)::bigint
		FROM zakaz_files
		GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("ошибка статистики файлов: %w", err)
	}
	defer rows.Close()

	var result []MimeStat
	for rows.Next() {
		var s MimeStat
		if err := rows.Scan(&s.MimeType, &s.Count, &s.TotalSize); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статистики: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации статистики: %w", err)
	}
	return result, nil
}

func (r *fileRepo) queryFiles(
	ctx context.Context,
	query string,
	scan func(scanner) (*model.FileRecord, error),
	args ...any,
) ([]*model.FileRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// buildListWhere строит WHERE-условие и аргументы списка файлов.
// startArg — номер первого $-параметра.
func buildListWhere(params ListParams, startArg int) (whereClause string, args []any) {
	var conditions []string
	argNum := startArg

	if params.Search != "" {
		conditions = append(conditions, fmt.Sprintf("f.original_filename ILIKE $%d", argNum))
		args = append(args, "%"+escapeLike(params.Search)+"%")
		argNum++
	}

	// Фильтр по категории: OR по шаблонам mime_type
	if patterns := model.MimePatterns(params.Category); len(patterns) > 0 {
		var ors []string
		for _, p := range patterns {
			ors = append(ors, fmt.Sprintf("f.mime_type ILIKE $%d", argNum))
			args = append(args, p)
			argNum++
		}
		conditions = append(conditions, "("+strings.Join(ors, " OR ")+")")
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

const defaultSortColumn = "uploaded_at"

// buildOrderBy строит ORDER BY по whitelist полей.
func buildOrderBy(sortBy, sortOrder string) string {
	column := defaultSortColumn
	switch sortBy {
	case "original_filename", "file_size":
		column = sortBy
	}

	direction := "DESC"
	if strings.EqualFold(sortOrder, "asc") {
		direction = "ASC"
	}

	return fmt.Sprintf("ORDER BY f.%s %s, f.id", column, direction)
}

// escapeLike экранирует спецсимволы LIKE в пользовательской подстроке.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

