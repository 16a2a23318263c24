// Пакет legacyclient — HTTP-клиент старого сервера файлов (legacy origin).
// Авторизация — общая учётная запись Basic Auth из конфигурации,
// а не пользователь, выполняющий запрос.
package legacyclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// userAgent — User-Agent запросов к старому серверу.
const userAgent = "Mozilla/5.0 (compatible; ZakazMigration/1.0)"

// ErrInvalidURL — из legacy_path не удалось построить HTTP-запрос.
var ErrInvalidURL = errors.New("некорректный URL файла на старом сервере")

// StatusError — старый сервер вернул не-2xx статус.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "HTTP " + e.Status
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// IsStatus сообщает, является ли ошибка ответом старого сервера с не-2xx статусом.
func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Client — клиент старого сервера.
type Client struct {
	baseURL    string
	user       string
	pass       string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент старого сервера.
// baseURL — базовый URL для относительных legacy_path.
// user, pass — учётная запись Basic Auth (пустой user — без авторизации).
// timeout — верхняя граница одного запроса.
func New(baseURL, user, pass string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		pass:    pass,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
			},
		},
		logger: logger.With(slog.String("component", "legacy_client")),
	}
}

// BaseURL возвращает базовый URL старого сервера.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL возвращает закодированный URL файла на старом сервере.
func (c *Client) URL(legacyPath string) string {
	return EncodeURL(c.baseURL, legacyPath)
}

// Fetch скачивает файл со старого сервера целиком в память.
// Не-2xx ответ возвращается как *StatusError.
func (c *Client) Fetch(ctx context.Context, legacyPath string) ([]byte, error) {
	reqURL := c.URL(legacyPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidURL, reqURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	c.logger.Debug("Загрузка файла со старого сервера",
		slog.String("url", reqURL),
		slog.String("legacy_path", legacyPath),
	)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации и legacy_path записи
	if err != nil {
		return nil, fmt.Errorf("запрос к legacy %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа legacy %s: %w", reqURL, err)
	}
	return data, nil
}

// EncodeURL строит URL файла на старом сервере из legacy_path.
//
// Полный http(s) URL: путь перекодируется посегментно, схема, хост,
// query и fragment не меняются.
// Относительный путь: ведущий "/" убирается, сегменты перекодируются,
// результат приклеивается к base.
//
// Каждый сегмент сначала декодируется, затем кодируется заново, поэтому уже
// закодированные сегменты нормализуются, а не кодируются повторно.
func EncodeURL(base, legacyPath string) string {
	if scheme, rest, ok := splitScheme(legacyPath); ok {
		// URL разбирается вручную: url.Parse отвергает путь с одиночным "%"
		authority, tail := rest, ""
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			authority, tail = rest[:i], rest[i:]
		}
		path, suffix := tail, ""
		if i := strings.IndexAny(tail, "?#"); i >= 0 {
			path, suffix = tail[:i], tail[i:]
		}
		return scheme + "://" + authority + encodeSegments(path) + suffix
	}

	clean := strings.TrimPrefix(legacyPath, "/")
	return strings.TrimRight(base, "/") + "/" + encodeSegments(clean)
}

// splitScheme отделяет схему http или https (без учёта регистра).
func splitScheme(s string) (scheme, rest string, ok bool) {
	for _, sc := range []string{"http", "https"} {
		prefix := sc + "://"
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			return s[:len(sc)], s[len(prefix):], true
		}
	}
	return "", "", false
}

// encodeSegments декодирует и заново кодирует каждый сегмент пути.
// Сегмент, который не удаётся декодировать, кодируется как есть.
func encodeSegments(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			decoded = seg
		}
		segments[i] = escapeSegment(decoded)
	}
	return strings.Join(segments, "/")
}

// escapeSegment кодирует сегмент так же, как encodeURIComponent:
// без экранирования остаются только A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func escapeSegment(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if isUnreserved(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0F])
	}
	return b.String()
}

func isUnreserved(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	}
	switch ch {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
