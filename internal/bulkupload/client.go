// Пакет bulkupload: массовая загрузка Excel-файлов в backend с
// отслеживанием прогресса через SSE-поток, скачивание шаблонов, выгрузок
// и отчётов об ошибках.
package bulkupload

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// TokenProvider возвращает bearer-токен для запросов к backend.
// В консоли токен берётся из cookie запроса пользователя.
type TokenProvider func(ctx context.Context) (string, error)

// maxErrorBody: сколько байт тела ошибки читать для сообщения.
const maxErrorBody = 64 << 10

// Client: HTTP-клиент эндпоинтов массовой загрузки backend.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokenProvider TokenProvider
	logger        *slog.Logger
}

// NewClient создаёт клиент.
// caCertPath: путь к CA-сертификату для TLS (пустая строка = системный пул).
// tokenProvider может быть nil: запросы уйдут без Authorization.
// У HTTP-клиента нет общего таймаута: поток прогресса живёт сколько угодно,
// отмена: только через context.
func NewClient(baseURL, caCertPath string, tokenProvider TokenProvider, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата backend: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
	}

	return NewClientWithHTTP(baseURL, httpClient, tokenProvider, logger), nil
}

// NewClientWithHTTP создаёт клиент с готовым *http.Client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, tokenProvider TokenProvider, logger *slog.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    httpClient,
		tokenProvider: tokenProvider,
		logger:        logger.With(slog.String("component", "bulkupload_client")),
	}
}

// WithTokenProvider возвращает копию клиента с другим источником токена.
// Используется консолью: один транспорт, токен берётся из запроса пользователя.
func (c *Client) WithTokenProvider(tp TokenProvider) *Client {
	cp := *c
	cp.tokenProvider = tp
	return &cp
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

// IsExcelFile проверяет расширение .xlsx (без учёта регистра).
func IsExcelFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".xlsx")
}

// Upload отправляет файл multipart-запросом (поле "file") и возвращает
// поток прогресса. До начала потока backend может ответить:
//   - 400: JSON {"message": "..."} → *RejectedError
//   - 401 → ErrUnauthorized
func (c *Client) Upload(ctx context.Context, endpoint, filename string, content io.Reader) (*Stream, error) {
	if !IsExcelFile(filename) {
		return nil, ErrInvalidFileType
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("создание multipart: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("чтение файла %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("закрытие multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), &body)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос Upload к %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	c.logger.Debug("Поток прогресса открыт",
		slog.String("endpoint", endpoint),
		slog.String("filename", filename),
	)
	return NewStream(resp.Body, c.logger), nil
}

// Download выполняет GET или POST (с JSON payload) и возвращает бинарное тело.
// Используется для шаблона, выгрузки данных и отчёта об ошибках.
func (c *Client) Download(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("сериализация payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Download: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet, application/octet-stream")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("чтение ответа %s: %w", endpoint, err)
	}
	return data, nil
}

// authorize добавляет bearer-токен, если задан TokenProvider.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokenProvider == nil {
		return nil
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("получение токена: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// responseError преобразует ответ с ошибкой в типизированную ошибку.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusBadRequest:
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Message != "" {
			return &RejectedError{Message: msg.Message}
		}
		return &RejectedError{Message: strings.TrimSpace(string(raw))}
	default:
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
}
