// Пакет peerclient — HTTP-клиент соседнего экземпляра файлового сервиса.
// Запросы подписываются общим секретом межсерверного взаимодействия;
// принимающая сторона по нему понимает, что запрос пришёл из каскада
// соседа, и сама к peer-уровню уже не обращается.
package peerclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HeaderInterServerSecret — заголовок с общим секретом межсерверного запроса.
const HeaderInterServerSecret = "X-Inter-Server-Secret"

// ErrNotFound — соседний экземпляр ответил 404.
var ErrNotFound = errors.New("файл не найден на соседнем сервере")

// StatusError — соседний экземпляр вернул неожиданный статус.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("соседний сервер вернул статус %d", e.Code)
}

// Client — HTTP-клиент соседнего экземпляра.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент соседнего экземпляра.
// baseURL или secret могут быть пустыми — тогда клиент выключен (Enabled() == false).
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
func New(baseURL, secret, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата соседнего сервера: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат соседнего сервера добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		baseURL: normalizeURL(baseURL),
		secret:  secret,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.With(slog.String("component", "peer_client")),
	}, nil
}

// Enabled сообщает, настроен ли соседний экземпляр.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != "" && c.secret != ""
}

// BaseURL возвращает URL соседнего экземпляра.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch запрашивает файл заявки у соседнего экземпляра и читает его целиком.
//
// Формат запроса: GET {peer}/api/applications/{appID}/files/{fileID}
// Авторизация: заголовок X-Inter-Server-Secret.
func (c *Client) Fetch(ctx context.Context, appID, fileID string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/api/applications/%s/files/%s",
		c.baseURL, url.PathEscape(appID), url.PathEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса к соседнему серверу: %w", err)
	}
	req.Header.Set(HeaderInterServerSecret, c.secret)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос к соседнему серверу %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа соседнего сервера: %w", err)
	}

	c.logger.Debug("Файл получен с соседнего сервера",
		slog.String("application_id", appID),
		slog.String("file_id", fileID),
		slog.Int("bytes", len(data)),
	)
	return data, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
