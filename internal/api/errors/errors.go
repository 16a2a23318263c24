// Пакет errors — ответы с ошибками HTTP API файлового сервиса.
//
//	{"error": {"code": "NOT_FOUND", "message": "Файл не найден", "requestId": "host/abc-000042"}}
//
// requestId совпадает с request_id в журнале запросов (chi RequestID).
package errors

import (
	"encoding/json"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Body — тело ответа с ошибкой.
type Body struct {
	Error Detail `json:"error"`
}

// Detail — описание ошибки.
type Detail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteError записывает ошибку в едином формате.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := Body{Error: Detail{Code: code, Message: message}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ValidationError — 400.
func ValidationError(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404: записи нет или файл не найден ни на одном уровне.
func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403.
func Forbidden(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusForbidden, CodeForbidden, message)
}

// InternalError — 500. Подробности ошибки пишутся в журнал, не в ответ.
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusInternalServerError, CodeInternalError, message)
}
