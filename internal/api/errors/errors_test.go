package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

func TestWriteError_Format(t *testing.T) {
	tests := []struct {
		name     string
		write    func(http.ResponseWriter, *http.Request, string)
		wantCode int
		wantAPI  string
	}{
		{"validation", ValidationError, http.StatusBadRequest, CodeValidationError},
		{"not found", NotFound, http.StatusNotFound, CodeNotFound},
		{"unauthorized", Unauthorized, http.StatusUnauthorized, CodeUnauthorized},
		{"forbidden", Forbidden, http.StatusForbidden, CodeForbidden},
		{"internal", InternalError, http.StatusInternalServerError, CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec, httptest.NewRequest(http.MethodGet, "/", nil), "сообщение")

			if rec.Code != tt.wantCode {
				t.Errorf("статус %d, ожидался %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body Body
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Code != tt.wantAPI || body.Error.Message != "сообщение" {
				t.Errorf("тело %+v", body)
			}
			if body.Error.RequestID != "" {
				t.Errorf("requestId без RequestID middleware: %q", body.Error.RequestID)
			}
		})
	}
}

func TestWriteError_RequestID(t *testing.T) {
	h := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, r, "Файл не найден")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body Body
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.RequestID != "req-42" {
		t.Errorf("requestId = %q, ожидался req-42", body.Error.RequestID)
	}
}
