// Пакет backend: HTTP-клиент профиля текущего пользователя backend
// (GET /api/auth/me) с LRU-кэшем на время жизни профиля.
package backend

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// ErrUnauthorized: backend отклонил токен (401/403).
var ErrUnauthorized = errors.New("backend: токен отклонён")

// Client: клиент профиля пользователя.
type Client struct {
	httpClient *http.Client
	baseURL    string
	mePath     string
	logger     *slog.Logger
}

// New создаёт клиент профиля.
// caCertPath: путь к CA-сертификату для TLS (пустая строка = системный пул).
// timeout: таймаут запросов (AC_BACKEND_TIMEOUT).
func New(baseURL, mePath, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: timeout}

	if caCertPath != "" {
		tlsConfig, err := BuildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата backend: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		logger.Info("CA-сертификат backend добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return NewWithHTTP(baseURL, mePath, httpClient, logger), nil
}

// NewWithHTTP создаёт клиент с готовым *http.Client.
func NewWithHTTP(baseURL, mePath string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		mePath:     "/" + strings.TrimLeft(mePath, "/"),
		logger:     logger.With(slog.String("component", "backend_client")),
	}
}

// BuildTLSConfig создаёт TLS-конфигурацию с дополнительным CA.
func BuildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// MeURL: полный URL профиля (используется и для проверки доступности).
func (c *Client) MeURL() string {
	return c.baseURL + c.mePath
}

// Me запрашивает профиль владельца токена.
func (c *Client) Me(ctx context.Context, token string) (*model.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.MeURL(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса профиля: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос профиля к backend: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend вернул статус %d для профиля: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user model.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("декодирование профиля: %w", err)
	}
	if user.Username == "" && user.ID == "" {
		return nil, fmt.Errorf("профиль без id и username")
	}

	c.logger.Debug("Профиль получен",
		slog.String("username", user.Username),
		slog.Int("permissions", len(user.Permissions)),
		slog.Int("roles", len(user.Roles)),
	)
	return &user, nil
}
