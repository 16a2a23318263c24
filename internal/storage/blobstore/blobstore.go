// Пакет blobstore — локальное файловое хранилище вложений заявок.
// Раскладка: {root}/{application_id}/{stored_filename}.
// Запись атомарная (temp-файл → fsync → rename), удаление по пути
// разрешено только внутри канонизированного корня.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Ошибки хранилища.
var (
	// ErrNotExist — файла нет в хранилище.
	ErrNotExist = errors.New("файл отсутствует в хранилище")
	// ErrInvalidName — недопустимый идентификатор заявки или имя файла.
	ErrInvalidName = errors.New("недопустимое имя в хранилище")
	// ErrOutsideRoot — путь не принадлежит корню хранилища.
	ErrOutsideRoot = errors.New("путь вне корня хранилища")
)

// tmpPrefix — префикс временных файлов незавершённой записи.
const tmpPrefix = ".tmp-"

// Store — локальное хранилище файлов.
type Store struct {
	// root — канонический абсолютный путь корня (без симлинков)
	root string
}

// FileInfo — файл, найденный при обходе хранилища.
type FileInfo struct {
	// Path — абсолютный путь к файлу
	Path string `json:"path"`
	// ApplicationID — имя директории заявки
	ApplicationID string `json:"applicationId"`
	// Filename — имя файла внутри директории заявки
	Filename string `json:"filename"`
	// Size — размер в байтах
	Size int64 `json:"size"`
}

// DiskUsage — ёмкость файловой системы, на которой лежит хранилище.
type DiskUsage struct {
	Total   int64 `json:"total"`
	Used    int64 `json:"used"`
	Free    int64 `json:"free"`
	Percent int   `json:"percent"`
}

// New создаёт хранилище. Создаёт корневую директорию, если её нет,
// и запоминает её канонический путь.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранилища %s: %w", root, err)
	}

	canonical, err := canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("канонизация корня хранилища %s: %w", root, err)
	}

	return &Store{root: canonical}, nil
}

// Root возвращает канонический путь корня хранилища.
func (s *Store) Root() string {
	return s.root
}

// Path возвращает абсолютный путь файла заявки.
func (s *Store) Path(appID, name string) (string, error) {
	if err := validateName(appID); err != nil {
		return "", fmt.Errorf("application_id %q: %w", appID, err)
	}
	if err := validateName(name); err != nil {
		return "", fmt.Errorf("stored_filename %q: %w", name, err)
	}
	return filepath.Join(s.root, appID, name), nil
}

// Exists проверяет наличие файла. Ошибки, отличные от отсутствия
// файла, возвращаются вызывающему.
func (s *Store) Exists(appID, name string) (bool, error) {
	p, err := s.Path(appID, name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("проверка файла %s: %w", p, err)
	}
	return info.Mode().IsRegular(), nil
}

// Read читает файл целиком. Возвращает ErrNotExist при отсутствии файла.
func (s *Store) Read(appID, name string) ([]byte, error) {
	p, err := s.Path(appID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("чтение файла %s: %w", p, err)
	}
	return data, nil
}

// Write атомарно записывает данные в файл заявки.
// Каждый писатель использует собственный temp-файл, поэтому параллельная
// запись одинаковых байтов завершается корректно (побеждает последний rename).
func (s *Store) Write(appID, name string, data []byte) error {
	p, err := s.Path(appID, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("создание директории заявки %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Chmod(tmpPath, 0o640); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка установки прав: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Delete удаляет файл заявки. Отсутствие файла не считается ошибкой.
func (s *Store) Delete(appID, name string) error {
	p, err := s.Path(appID, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ошибка удаления файла %s: %w", p, err)
	}
	return nil
}

// DeletePath удаляет файл по абсолютному пути, если путь после канонизации
// лежит строго внутри корня хранилища и указывает на обычный файл.
func (s *Store) DeletePath(path string) error {
	target, err := s.Contain(path)
	if err != nil {
		return err
	}

	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("проверка файла %s: %w", target, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: не является обычным файлом", target)
	}

	if err := os.Remove(target); err != nil {
		return fmt.Errorf("ошибка удаления файла %s: %w", target, err)
	}
	return nil
}

// Contain проверяет, что путь является потомком корня и не проходит
// через симлинки: сам файл проверяется через Lstat, а канонический путь
// должен совпасть с очищенным.
// Возвращает канонический путь, ErrNotExist или ErrOutsideRoot.
func (s *Store) Contain(path string) (string, error) {
	if path == "" || !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q не является абсолютным путём", ErrOutsideRoot, path)
	}
	clean := filepath.Clean(path)
	if !s.within(clean) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	info, err := os.Lstat(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotExist
		}
		return "", fmt.Errorf("проверка пути %s: %w", path, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s является симлинком", ErrOutsideRoot, path)
	}

	target, err := canonicalize(clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotExist
		}
		return "", fmt.Errorf("канонизация пути %s: %w", path, err)
	}
	if target != clean {
		return "", fmt.Errorf("%w: %s проходит через симлинк", ErrOutsideRoot, path)
	}
	return target, nil
}

// within сообщает, лежит ли очищенный абсолютный путь строго внутри корня.
func (s *Store) within(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// WalkError — директория или файл, пропущенные при обходе.
type WalkError struct {
	Path string
	Err  error
}

// Walk обходит хранилище на два уровня (директория заявки → файл)
// и вызывает fn для каждого обычного файла. Временные файлы пропускаются.
// Нечитаемая директория заявки или файл не прерывают обход и возвращаются
// в skipped. err — ошибка чтения корня или ошибка fn.
func (s *Store) Walk(fn func(FileInfo) error) (skipped []WalkError, err error) {
	appDirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("чтение корня хранилища: %w", err)
	}

	for _, appDir := range appDirs {
		if !appDir.IsDir() {
			continue
		}
		appPath := filepath.Join(s.root, appDir.Name())

		entries, err := os.ReadDir(appPath)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				skipped = append(skipped, WalkError{Path: appPath, Err: err})
			}
			continue
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tmpPrefix) {
				continue
			}
			filePath := filepath.Join(appPath, entry.Name())
			info, err := entry.Info()
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					skipped = append(skipped, WalkError{Path: filePath, Err: err})
				}
				continue
			}

			if err := fn(FileInfo{
				Path:          filePath,
				ApplicationID: appDir.Name(),
				Filename:      entry.Name(),
				Size:          info.Size(),
			}); err != nil {
				return skipped, err
			}
		}
	}
	return skipped, nil
}

// validateName отклоняет имена, способные выйти за пределы директории.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return ErrInvalidName
	}
	return nil
}

// canonicalize возвращает абсолютный путь без симлинков и "..".
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// CheckReady проверяет, что в корень хранилища можно писать:
// создаёт и удаляет временный файл.
func (s *Store) CheckReady() (status, message string) {
	f, err := os.CreateTemp(s.root, tmpPrefix+"ready-*")
	if err != nil {
		return "fail", fmt.Sprintf("хранилище недоступно для записи: %v", err)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return "degraded", fmt.Sprintf("не удалось удалить проверочный файл: %v", err)
	}
	return "ok", s.root
}
