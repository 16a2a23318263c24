// health.go — пробы kubelet и экспорт метрик.
package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/makarenko444/zakaz-3/file-service/internal/config"
)

// serviceName — имя сервиса в ответах health.
const serviceName = "file-service"

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// ReadinessChecker — проверка одной зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает "ok", "degraded" или "fail" и пояснение.
	CheckReady() (status, message string)
}

// Check — именованная проверка готовности. Провал необязательной
// проверки понижает итог только до degraded.
type Check struct {
	Name     string
	Checker  ReadinessChecker
	Optional bool
}

// HealthHandler отдаёт /health/live, /health/ready и /metrics.
type HealthHandler struct {
	checks  []Check
	metrics http.Handler
	now     func() time.Time
}

// NewHealthHandler создаёт обработчик проб. Проверка с nil Checker
// считается проваленной.
func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		metrics: promhttp.Handler(),
		now:     time.Now,
	}
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type statusResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

func (h *HealthHandler) response(status string) statusResponse {
	return statusResponse{
		Status:    status,
		Service:   serviceName,
		Version:   config.Version,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
}

// HealthLive всегда 200, пока процесс обслуживает запросы.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.response(statusOK))
}

// HealthReady опрашивает все зависимости: 503 при итоговом fail,
// иначе 200.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := h.response(statusOK)
	resp.Checks = make(map[string]checkResult, len(h.checks))

	statuses := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		res := runCheck(c.Checker)
		resp.Checks[c.Name] = res

		st := res.Status
		if c.Optional && st == statusFail {
			st = statusDegraded
		}
		statuses = append(statuses, st)
	}
	resp.Status = overallStatus(statuses...)

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics — экспорт Prometheus.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

func runCheck(c ReadinessChecker) checkResult {
	if c == nil {
		return checkResult{Status: statusFail, Message: "проверка не настроена"}
	}
	status, msg := c.CheckReady()
	return checkResult{Status: status, Message: msg}
}

// overallStatus: любой fail даёт fail, затем degraded, иначе ok.
// Неизвестный статус приравнивается к fail.
func overallStatus(statuses ...string) string {
	result := statusOK
	for _, s := range statuses {
		switch s {
		case statusOK:
		case statusDegraded:
			result = statusDegraded
		default:
			return statusFail
		}
	}
	return result
}
