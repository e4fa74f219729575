// health.go: обработчики health endpoints консоли.
// /health/live: liveness probe (процесс жив)
// /health/ready: readiness probe (PostgreSQL + backend API доступны)
// /metrics: Prometheus метрики
package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/asset-console/internal/config"
)

const serviceName = "asset-console"

// ReadinessChecker: интерфейс проверки готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status string, message string)
}

// DependencyReporter: фоновый мониторинг зависимостей (dephealth).
type DependencyReporter interface {
	Health() map[string]bool
}

// HealthHandler: обработчик health endpoints.
type HealthHandler struct {
	pgChecker      ReadinessChecker
	backendChecker ReadinessChecker
	deps           DependencyReporter
	promHandler    http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
// pgChecker проверяет PostgreSQL, backendChecker проверяет backend API.
// nil-проверка даёт "fail". deps может быть nil.
func NewHealthHandler(pgChecker, backendChecker ReadinessChecker, deps DependencyReporter) *HealthHandler {
	return &HealthHandler{
		pgChecker:      pgChecker,
		backendChecker: backendChecker,
		deps:           deps,
		promHandler:    promhttp.Handler(),
	}
}

// healthCheckResult: результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL healthCheckResult `json:"postgresql"`
		Backend    healthCheckResult `json:"backend"`
	} `json:"checks"`
	// Dependencies: последние результаты фонового мониторинга.
	// На итоговый статус не влияют.
	Dependencies []dependencyState `json:"dependencies,omitempty"`
}

type dependencyState struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// HealthLive: liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady: readiness probe. Проверяет PostgreSQL и backend API.
// Возвращает 200 (ok/degraded) или 503 (fail).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}

	resp.Checks.PostgreSQL = check(h.pgChecker)
	resp.Checks.Backend = check(h.backendChecker)
	resp.Status = overallStatus(resp.Checks.PostgreSQL.Status, resp.Checks.Backend.Status)

	if h.deps != nil {
		for name, ok := range h.deps.Health() {
			resp.Dependencies = append(resp.Dependencies, dependencyState{Name: name, Healthy: ok})
		}
		sort.Slice(resp.Dependencies, func(i, j int) bool {
			return resp.Dependencies[i].Name < resp.Dependencies[j].Name
		})
	}

	status := http.StatusOK
	if resp.Status == statusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// GetMetrics: Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

func check(c ReadinessChecker) healthCheckResult {
	if c == nil {
		return healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}
	status, msg := c.CheckReady()
	return healthCheckResult{Status: status, Message: msg}
}

// overallStatus определяет итоговый статус из статусов зависимостей.
// Если хотя бы одна зависимость fail, итог fail.
// Если хотя бы одна degraded, итог degraded.
// Иначе: ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
