package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// ReadinessChecker: проверка доступности backend API через health endpoint.
type ReadinessChecker struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewReadinessChecker создаёт checker. healthPath: путь health endpoint
// backend (AC_BACKEND_HEALTH_PATH).
func NewReadinessChecker(c *Client, healthPath string, timeout time.Duration) *ReadinessChecker {
	return &ReadinessChecker{
		url:     c.baseURL + healthPath,
		client:  c.httpClient,
		timeout: timeout,
	}
}

// URL возвращает проверяемый адрес.
func (r *ReadinessChecker) URL() string {
	return r.url
}

// CheckReady проверяет health endpoint backend.
// 5xx дают fail, прочие не-2xx дают degraded (backend отвечает, но не здоров).
func (r *ReadinessChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := r.client.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return statusFail, fmt.Sprintf("backend недоступен: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return statusOK, "backend доступен"
	case resp.StatusCode >= 500:
		return statusFail, fmt.Sprintf("backend вернул статус %d", resp.StatusCode)
	default:
		return statusDegraded, fmt.Sprintf("backend вернул статус %d", resp.StatusCode)
	}
}
