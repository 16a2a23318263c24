// auth.go — аутентификация запросов файлового сервиса.
//
// Пользователь определяется по cookie сессии zakaz (SessionAuth) или по
// Bearer-токену Keycloak (JWTAuth, опционально). Межсерверные запросы
// соседнего экземпляра проходят по общему секрету (InterServerAuth)
// и пользователя не имеют.
package middleware

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/makarenko444/zakaz-3/file-service/internal/api/errors"
	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/peerclient"
	"github.com/makarenko444/zakaz-3/file-service/internal/repository"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyUser — аутентифицированный пользователь.
	ContextKeyUser contextKey = "user"
	// ContextKeyInterServer — запрос пришёл от соседнего экземпляра.
	ContextKeyInterServer contextKey = "inter_server"
)

// ErrNoCredentials — запрос не содержит данных для этого способа аутентификации.
var ErrNoCredentials = errors.New("учётные данные отсутствуют")

// Authenticator определяет пользователя запроса.
// Возвращает ErrNoCredentials, если способ к запросу неприменим.
type Authenticator interface {
	Authenticate(r *http.Request) (*model.User, error)
}

// Authenticate возвращает middleware, перебирающий способы аутентификации
// по порядку. Первый успешный помещает пользователя в контекст.
// Межсерверный запрос (после InterServerAuth) пропускается без пользователя.
func Authenticate(logger *slog.Logger, authenticators ...Authenticator) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsInterServerCall(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}

			rejected := false
			for _, a := range authenticators {
				user, err := a.Authenticate(r)
				switch {
				case err == nil && user != nil:
					ctx := context.WithValue(r.Context(), ContextKeyUser, user)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				case errors.Is(err, ErrNoCredentials):
				case err != nil:
					rejected = true
					logger.Debug("Аутентификация не пройдена",
						slog.String("error", err.Error()),
						slog.String("remote_addr", r.RemoteAddr),
					)
				}
			}

			if rejected {
				apierrors.Unauthorized(w, r, "Сессия недействительна или истекла")
				return
			}
			apierrors.Unauthorized(w, r, "Требуется авторизация")
		})
	}
}

// RequireAdmin пропускает только администраторов.
// Должен использоваться ПОСЛЕ Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			apierrors.Unauthorized(w, r, "Требуется авторизация")
			return
		}
		if !user.IsAdmin() {
			apierrors.Forbidden(w, r, "Доступ только для администратора")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- межсерверные запросы ---

// InterServerAuth помечает запрос как межсерверный, если заголовок
// X-Inter-Server-Secret совпадает с общим секретом. Пустой секрет
// отключает межсерверный доступ. Неверный секрет не отклоняет запрос:
// он проходит обычную аутентификацию.
func InterServerAuth(secret string) func(http.Handler) http.Handler {
	expected := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(peerclient.HeaderInterServerSecret)
			if len(expected) > 0 && got != "" &&
				subtle.ConstantTimeCompare([]byte(got), expected) == 1 {
				ctx := context.WithValue(r.Context(), ContextKeyInterServer, true)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- cookie сессии ---

// SessionAuth — аутентификация по cookie сессии основного приложения.
type SessionAuth struct {
	cookie   string
	sessions repository.SessionRepository
}

// NewSessionAuth создаёт аутентификацию по cookie с именем cookieName.
func NewSessionAuth(cookieName string, sessions repository.SessionRepository) *SessionAuth {
	return &SessionAuth{cookie: cookieName, sessions: sessions}
}

// Authenticate ищет пользователя по токену сессии из cookie.
func (s *SessionAuth) Authenticate(r *http.Request) (*model.User, error) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return nil, ErrNoCredentials
	}
	user, err := s.sessions.UserBySessionToken(r.Context(), c.Value)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errors.New("сессия не найдена или истекла")
		}
		return nil, fmt.Errorf("проверка сессии: %w", err)
	}
	return user, nil
}

// --- Bearer-токены Keycloak ---

// Роли в порядке возрастания привилегий.
const (
	RoleUser  = "user"
	RoleAdmin = model.RoleAdmin
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

// keycloakClaims — raw claims из Keycloak JWT для парсинга.
type keycloakClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	Name              string       `json:"name"`
	Email             string       `json:"email"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth — аутентификация по Bearer-токену через JWKS Keycloak.
type JWTAuth struct {
	jwks        keyfunc.Keyfunc
	logger      *slog.Logger
	adminGroups []string
	userGroups  []string
	issuer      string
	jwtLeeway   time.Duration
}

// NewJWTAuth создаёт JWT-аутентификацию с JWKS из Keycloak.
// jwksURL — URL к JWKS endpoint Keycloak.
// caCertPath — опциональный путь к CA-сертификату для TLS.
// issuer — ожидаемый issuer JWT (пустой — не проверяется).
// adminGroups, userGroups — группы для маппинга в роли.
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	adminGroups, userGroups []string,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: jwksClientTimeout}
	if caCertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(caCertPath, jwksClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если Keycloak ещё недоступен
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, issuer, adminGroups, userGroups, jwtLeeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт JWT-аутентификацию с готовым keyfunc.
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	adminGroups, userGroups []string,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) *JWTAuth {
	return &JWTAuth{
		jwks:        kf,
		logger:      logger.With(slog.String("component", "jwt_auth")),
		adminGroups: adminGroups,
		userGroups:  userGroups,
		issuer:      issuer,
		jwtLeeway:   jwtLeeway,
	}
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// Authenticate валидирует Bearer-токен (RS256) и строит пользователя.
// Токен без роли (ни одной подходящей группы) отклоняется.
func (j *JWTAuth) Authenticate(r *http.Request) (*model.User, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ErrNoCredentials
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return nil, errors.New("неверный формат Authorization: ожидается Bearer <token>")
	}

	rawClaims := &keycloakClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(parts[1], rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("невалидный или просроченный токен: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("невалидный токен")
	}

	subject, err := rawClaims.GetSubject()
	if err != nil || subject == "" {
		return nil, errors.New("отсутствует sub в токене")
	}

	role := j.effectiveRole(rawClaims)
	if role == "" {
		return nil, errors.New("у субъекта нет роли файлового сервиса")
	}

	name := rawClaims.Name
	if name == "" {
		name = rawClaims.PreferredUsername
	}
	return &model.User{
		ID:    subject,
		Name:  name,
		Email: rawClaims.Email,
		Role:  role,
	}, nil
}

// effectiveRole вычисляет роль по группам, затем по realm_access.roles.
func (j *JWTAuth) effectiveRole(raw *keycloakClaims) string {
	if role := mapGroupsToRole(raw.Groups, j.adminGroups, j.userGroups); role != "" {
		return role
	}
	if raw.RealmAccess == nil {
		return ""
	}
	var validRoles []string
	for _, r := range raw.RealmAccess.Roles {
		if _, ok := roleWeight[r]; ok {
			validRoles = append(validRoles, r)
		}
	}
	return highestRole(validRoles)
}

// mapGroupsToRole определяет роль пользователя на основе его групп IdP.
func mapGroupsToRole(groups, adminGroups, userGroups []string) string {
	adminSet := toSet(adminGroups)
	userSet := toSet(userGroups)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if userSet[g] {
			roles = append(roles, RoleUser)
		}
	}
	return highestRole(roles)
}

// highestRole возвращает максимальную роль из набора.
func highestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		if roleWeight[r] > roleWeight[highest] {
			highest = r
		}
	}
	return highest
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}

// --- Context helpers ---

// UserFromContext извлекает пользователя из контекста запроса.
// Возвращает nil для межсерверных и неаутентифицированных запросов.
func UserFromContext(ctx context.Context) *model.User {
	user, _ := ctx.Value(ContextKeyUser).(*model.User)
	return user
}

// IsInterServerCall сообщает, прошёл ли запрос проверку общего секрета.
func IsInterServerCall(ctx context.Context) bool {
	v, _ := ctx.Value(ContextKeyInterServer).(bool)
	return v
}

// ClientInfo извлекает адрес и User-Agent клиента для журнала аудита.
// Учитывается первый адрес X-Forwarded-For (сервис стоит за прокси).
func ClientInfo(r *http.Request) model.ClientInfo {
	ip := ""
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return model.ClientInfo{IPAddress: ip, UserAgent: r.UserAgent()}
}

// --- ReadinessChecker для Keycloak ---

// KeycloakReadinessChecker — проверка доступности Keycloak через JWKS.
type KeycloakReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewKeycloakReadinessChecker создаёт checker доступности Keycloak.
func NewKeycloakReadinessChecker(jwksURL, caCertPath string, readinessTimeout time.Duration) (*KeycloakReadinessChecker, error) {
	client := &http.Client{Timeout: readinessTimeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, readinessTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}
	return &KeycloakReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// CheckReady проверяет доступность JWKS endpoint Keycloak.
// Недоступность Keycloak не мешает входу по cookie, поэтому
// результат не хуже degraded.
func (k *KeycloakReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // G704: URL из конфигурации Keycloak
	if err != nil {
		return statusDegraded, fmt.Sprintf("Keycloak JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusDegraded, fmt.Sprintf("Keycloak JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return statusDegraded, fmt.Sprintf("Keycloak JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return statusDegraded, "Keycloak JWKS: нет ключей"
	}
	return statusOK, fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
