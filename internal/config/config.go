// Пакет config — загрузка и валидация конфигурации файлового сервиса
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации файлового сервиса.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- Хранилище ---

	// Корневая директория локального хранилища файлов заявок
	UploadDir string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Применять встроенные миграции при старте
	DBMigrate bool
	// Максимум соединений пула
	DBMaxConns int32

	// --- Legacy-сервер ---

	// Базовый URL старого сервера
	LegacyBaseURL string
	// Учётная запись Basic Auth старого сервера (общая, не пользовательская)
	LegacyAuthUser string
	LegacyAuthPass string
	// Таймаут запроса к старому серверу
	LegacyTimeout time.Duration

	// --- Соседний экземпляр (peer) ---

	// URL соседнего экземпляра; пустой — peer-уровень отключён
	PeerURL string
	// Общий секрет межсерверных запросов; пустой — peer-уровень отключён
	InterServerSecret string
	// Таймаут запроса к соседнему экземпляру
	PeerTimeout time.Duration
	// CA-сертификат для https-соединений с соседом (опционально)
	PeerCACertPath string

	// --- Кэш метаданных ---

	CacheMaxSize int
	CacheTTL     time.Duration

	// --- Миграция и сверка ---

	// Количество параллельно мигрируемых файлов (1 — последовательно)
	MigrationConcurrency int
	// Количество параллельных проверок существования файлов на диске
	ScanConcurrency int
	// Максимум ожидающих файлов в ответе статуса миграции
	PendingLimit int
	// Интервал фоновой сверки (0 — отключена)
	ReconcileInterval time.Duration

	// --- Аутентификация ---

	// Имя cookie пользовательской сессии
	SessionCookie string
	// URL JWKS endpoint; пустой — Bearer-аутентификация отключена
	JWTJWKSURL string
	// Ожидаемый issuer JWT (пустой — не проверяется)
	JWTIssuer string
	// CA-сертификат для JWKS (опционально)
	JWTCACertPath string
	// Группы IdP, дающие роль admin
	JWTAdminGroups []string
	// Группы IdP, дающие роль пользователя
	JWTReadonlyGroups []string
	JWKSRefreshInterval time.Duration
	JWTLeeway           time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
//
//nolint:funlen,cyclop // линейный разбор переменных окружения
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// FS_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("FS_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("FS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FS_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	// FS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FS_LOG_LEVEL: %w", err)
	}

	// FS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FS_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("FS_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("FS_HTTP_READ_TIMEOUT: %w", err)
	}
	// Запись ответа включает каскад peer + legacy, поэтому таймаут больше суммы таймаутов уровней
	if cfg.HTTPWriteTimeout, err = getEnvDuration("FS_HTTP_WRITE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("FS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("FS_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("FS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("FS_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("FS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище ---

	// FS_UPLOAD_DIR — обязательный
	cfg.UploadDir, err = getEnvRequired("FS_UPLOAD_DIR")
	if err != nil {
		return nil, err
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("FS_DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = getEnvInt("FS_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("FS_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("FS_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("FS_DB_USER"); err != nil {
		return nil, err
	}
	cfg.DBPassword = os.Getenv("FS_DB_PASSWORD")
	cfg.DBSSLMode = getEnvDefault("FS_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("FS_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}
	if cfg.DBMigrate, err = getEnvBool("FS_DB_MIGRATE", true); err != nil {
		return nil, fmt.Errorf("FS_DB_MIGRATE: %w", err)
	}
	maxConns, err := getEnvInt("FS_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("FS_DB_MAX_CONNS: %w", err)
	}
	if maxConns < 1 || maxConns > 1000 {
		return nil, fmt.Errorf("FS_DB_MAX_CONNS: значение %d вне диапазона 1-1000", maxConns)
	}
	cfg.DBMaxConns = int32(maxConns)

	// --- Legacy-сервер ---

	cfg.LegacyBaseURL = strings.TrimRight(getEnvDefault("FS_LEGACY_FILE_URL", "http://zakaz.tomica.ru"), "/")
	if err := validateURL(cfg.LegacyBaseURL); err != nil {
		return nil, fmt.Errorf("FS_LEGACY_FILE_URL: %w", err)
	}
	cfg.LegacyAuthUser = os.Getenv("FS_LEGACY_AUTH_USER")
	cfg.LegacyAuthPass = os.Getenv("FS_LEGACY_AUTH_PASS")
	if cfg.LegacyTimeout, err = getEnvDuration("FS_LEGACY_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("FS_LEGACY_TIMEOUT: %w", err)
	}

	// --- Соседний экземпляр ---

	cfg.PeerURL = strings.TrimRight(os.Getenv("FS_PEER_URL"), "/")
	if cfg.PeerURL != "" {
		if err := validateURL(cfg.PeerURL); err != nil {
			return nil, fmt.Errorf("FS_PEER_URL: %w", err)
		}
	}
	cfg.InterServerSecret = os.Getenv("FS_INTER_SERVER_SECRET")
	if cfg.PeerTimeout, err = getEnvDurationFallback("FS_PEER_TIMEOUT", cfg.LegacyTimeout); err != nil {
		return nil, fmt.Errorf("FS_PEER_TIMEOUT: %w", err)
	}
	cfg.PeerCACertPath = os.Getenv("FS_PEER_CA_CERT_PATH")

	// --- Кэш ---

	if cfg.CacheMaxSize, err = getEnvInt("FS_CACHE_MAX_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("FS_CACHE_MAX_SIZE: %w", err)
	}
	if cfg.CacheMaxSize < 1 {
		return nil, fmt.Errorf("FS_CACHE_MAX_SIZE: значение должно быть > 0")
	}
	if cfg.CacheTTL, err = getEnvDuration("FS_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("FS_CACHE_TTL: %w", err)
	}

	// --- Миграция и сверка ---

	if cfg.MigrationConcurrency, err = getEnvInt("FS_MIGRATION_CONCURRENCY", 1); err != nil {
		return nil, fmt.Errorf("FS_MIGRATION_CONCURRENCY: %w", err)
	}
	if cfg.MigrationConcurrency < 1 || cfg.MigrationConcurrency > 64 {
		return nil, fmt.Errorf("FS_MIGRATION_CONCURRENCY: значение %d вне диапазона 1-64", cfg.MigrationConcurrency)
	}
	if cfg.ScanConcurrency, err = getEnvInt("FS_SCAN_CONCURRENCY", 16); err != nil {
		return nil, fmt.Errorf("FS_SCAN_CONCURRENCY: %w", err)
	}
	if cfg.ScanConcurrency < 1 {
		return nil, fmt.Errorf("FS_SCAN_CONCURRENCY: значение должно быть > 0")
	}
	if cfg.PendingLimit, err = getEnvInt("FS_PENDING_LIMIT", 500); err != nil {
		return nil, fmt.Errorf("FS_PENDING_LIMIT: %w", err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("FS_RECONCILE_INTERVAL", 0); err != nil {
		return nil, fmt.Errorf("FS_RECONCILE_INTERVAL: %w", err)
	}

	// --- Аутентификация ---

	cfg.SessionCookie = getEnvDefault("FS_SESSION_COOKIE", "zakaz_session")
	cfg.JWTJWKSURL = os.Getenv("FS_JWT_JWKS_URL")
	cfg.JWTIssuer = os.Getenv("FS_JWT_ISSUER")
	cfg.JWTCACertPath = os.Getenv("FS_JWT_CA_CERT_PATH")
	cfg.JWTAdminGroups = getEnvList("FS_JWT_ADMIN_GROUPS", []string{"admin"})
	cfg.JWTReadonlyGroups = getEnvList("FS_JWT_READONLY_GROUPS", []string{"users"})
	if cfg.JWKSRefreshInterval, err = getEnvDuration("FS_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("FS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("FS_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("FS_JWT_LEEWAY: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("FS_DEPHEALTH_GROUP", "zakaz")
	if cfg.DephealthCheckInterval, err = getEnvDuration("FS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("FS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// PeerEnabled сообщает, настроен ли peer-уровень.
// Отсутствие URL или секрета — не ошибка, а «не настроено».
func (c *Config) PeerEnabled() bool {
	return c.PeerURL != "" && c.InterServerSecret != ""
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		c.dbUserInfo(), c.DBHost, c.DBPort, url.PathEscape(c.DBName), c.DBSSLMode)
}

// MigrationsTable — таблица версий миграций файлового сервиса.
// База общая с приложением заявок, поэтому таблица своя.
const MigrationsTable = "fs_schema_migrations"

// MigrateURL возвращает URL базы для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	return fmt.Sprintf("pgx5://%s@%s:%d/%s?sslmode=%s&x-migrations-table=%s",
		c.dbUserInfo(), c.DBHost, c.DBPort, url.PathEscape(c.DBName), c.DBSSLMode, MigrationsTable)
}

func (c *Config) dbUserInfo() string {
	if c.DBPassword == "" {
		return url.User(c.DBUser).String()
	}
	return url.UserPassword(c.DBUser, c.DBPassword).String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d < 0 {
		return 0, fmt.Errorf("значение должно быть >= 0")
	}
	return d, nil
}

// getEnvDurationFallback возвращает time.Duration из переменной окружения.
// Если переменная не задана, используется fallbackVal.
// Если задана — парсится и валидируется (> 0).
func getEnvDurationFallback(key string, fallbackVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallbackVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// getEnvList разбирает список через запятую, пустые элементы отбрасываются.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var result []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// validateURL проверяет, что значение — абсолютный http(s) URL.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("некорректный URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q должен начинаться с http:// или https://", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q не содержит хост", raw)
	}
	return nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
