package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/makarenko444/zakaz-3/file-service/internal/api/handlers"
	"github.com/makarenko444/zakaz-3/file-service/internal/api/middleware"
	"github.com/makarenko444/zakaz-3/file-service/internal/domain/model"
	"github.com/makarenko444/zakaz-3/file-service/internal/peerclient"
	"github.com/makarenko444/zakaz-3/file-service/internal/service"
)

const (
	testSecret = "s3cret"
	fileURL    = "/api/applications/11111111-1111-1111-1111-111111111111/files/22222222-2222-2222-2222-222222222222"
)

// headerAuth — пользователь из заголовка X-Test-Role.
type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (*model.User, error) {
	role := r.Header.Get("X-Test-Role")
	if role == "" {
		return nil, middleware.ErrNoCredentials
	}
	return &model.User{ID: "u1", Name: "Тест", Role: role}, nil
}

type stubResolver struct {
	inter bool
}

func (s *stubResolver) Resolve(_ context.Context, _, _ string, inter bool) (*service.ResolveResult, error) {
	s.inter = inter
	return &service.ResolveResult{
		Data: []byte("%PDF"), MimeType: "application/pdf", Size: 4, Tier: model.TierLocal,
		Record: &model.FileRecord{OriginalFilename: "a.pdf"},
	}, nil
}

type stubDeleter struct{ calls int }

func (s *stubDeleter) Delete(context.Context, string, string, *model.User, model.ClientInfo) error {
	s.calls++
	return nil
}

// stubMigrator возвращает статус с большим списком ожидающих файлов.
type stubMigrator struct{}

func (stubMigrator) Status(context.Context) (*service.MigrationStatus, error) {
	st := &service.MigrationStatus{}
	for i := range 200 {
		st.PendingFiles = append(st.PendingFiles, service.PendingFile{
			ID:         fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			LegacyPath: fmt.Sprintf("/uploads/%d.pdf", i),
		})
	}
	st.Total, st.Pending = len(st.PendingFiles), len(st.PendingFiles)
	return st, nil
}

func (stubMigrator) MigrateBatch(context.Context, []string, *model.User) *service.MigrationReport {
	return &service.MigrationReport{}
}

func (stubMigrator) MigratePending(context.Context, int, *model.User) (*service.MigrationReport, error) {
	return &service.MigrationReport{}, nil
}

type stubReconciler struct{}

func (stubReconciler) Scan(_ context.Context, req service.ScanRequest) (*service.ScanResult, error) {
	return &service.ScanResult{Mode: req.Mode}, nil
}

func (stubReconciler) Repair(context.Context, service.RepairRequest, *model.User) *service.RepairResult {
	return &service.RepairResult{}
}

func (stubReconciler) CleanupUnmigrateable(context.Context, []string, *model.User) *service.CleanupResult {
	return &service.CleanupResult{}
}

type okChecker struct{}

func (okChecker) CheckReady() (string, string) { return "ok", "" }

func newTestRouter(t *testing.T) (http.Handler, *stubResolver, *stubDeleter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := &stubResolver{}
	deleter := &stubDeleter{}

	router := NewRouter(Routes{
		API:         handlers.NewAPIHandler(resolver, deleter, stubMigrator{}, stubReconciler{}, logger),
		Health:      handlers.NewHealthHandler(handlers.Check{Name: "postgresql", Checker: okChecker{}}, handlers.Check{Name: "storage", Checker: okChecker{}}),
		InterServer: middleware.InterServerAuth(testSecret),
		Auth:        middleware.Authenticate(logger, headerAuth{}),
	}, logger)
	return router, resolver, deleter
}

func TestRouter_Access(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		role     string
		secret   string
		wantCode int
	}{
		{"liveness без авторизации", http.MethodGet, "/health/live", "", "", http.StatusOK},
		{"readiness без авторизации", http.MethodGet, "/health/ready", "", "", http.StatusOK},
		{"файл без авторизации", http.MethodGet, fileURL, "", "", http.StatusUnauthorized},
		{"файл пользователю", http.MethodGet, fileURL, "user", "", http.StatusOK},
		{"файл соседу", http.MethodGet, fileURL, "", testSecret, http.StatusOK},
		{"неверный секрет", http.MethodGet, fileURL, "", "wrong", http.StatusUnauthorized},
		{"удаление по секрету", http.MethodDelete, fileURL, "", testSecret, http.StatusUnauthorized},
		{"удаление пользователем", http.MethodDelete, fileURL, "user", "", http.StatusOK},
		{"админка без авторизации", http.MethodGet, "/api/admin/migrate-files", "", "", http.StatusUnauthorized},
		{"админка пользователю", http.MethodGet, "/api/admin/migrate-files", "user", "", http.StatusForbidden},
		{"админка по секрету", http.MethodGet, "/api/admin/files", "", testSecret, http.StatusUnauthorized},
		{"админка администратору", http.MethodGet, "/api/admin/files?mode=stats", model.RoleAdmin, "", http.StatusOK},
		{"неизвестный путь", http.MethodGet, "/api/unknown", model.RoleAdmin, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, _ := newTestRouter(t)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.role != "" {
				req.Header.Set("X-Test-Role", tt.role)
			}
			if tt.secret != "" {
				req.Header.Set(peerclient.HeaderInterServerSecret, tt.secret)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("статус %d, ожидался %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestRouter_InterServerFlagReachesResolver(t *testing.T) {
	router, resolver, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, fileURL, nil)
	req.Header.Set(peerclient.HeaderInterServerSecret, testSecret)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if !resolver.inter {
		t.Error("запрос соседа не помечен как межсерверный")
	}
}

func TestRouter_AdminResponsesCompressed(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/migrate-files", nil)
	req.Header.Set("X-Test-Role", model.RoleAdmin)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, ожидался gzip", got)
	}
}

func TestRouter_FileResponseNotCompressed(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, fileURL, nil)
	req.Header.Set("X-Test-Role", "user")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("файл не должен сжиматься, Content-Encoding = %q", got)
	}
	if rec.Body.String() != "%PDF" {
		t.Errorf("тело %q", rec.Body.String())
	}
}
