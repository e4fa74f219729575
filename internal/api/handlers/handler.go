// Пакет handlers: HTTP-обработчики API консоли.
// handler.go: основной обработчик, делегирующий запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/bigkaa/asset-console/internal/api/errors"
	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/depreciation"
	"github.com/bigkaa/asset-console/internal/domain/permission"
	"github.com/bigkaa/asset-console/internal/i18n"
	"github.com/bigkaa/asset-console/internal/service"
)

// APIHandler: основной обработчик API консоли.
type APIHandler struct {
	health         *HealthHandler
	uploads        *service.UploadService
	catalog        *bulkupload.Catalog
	bundle         *i18n.Bundle
	validate       *validator.Validate
	uiFlags        map[string]permission.Requirement
	maxUploadBytes int64
	now            func() time.Time
	logger         *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// maxUploadBytes: предельный размер загружаемого файла (AC_MAX_UPLOAD_MB).
func NewAPIHandler(
	health *HealthHandler,
	uploads *service.UploadService,
	catalog *bulkupload.Catalog,
	bundle *i18n.Bundle,
	maxUploadBytes int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:         health,
		uploads:        uploads,
		catalog:        catalog,
		bundle:         bundle,
		validate:       newValidator(),
		uiFlags:        UIFlags(catalog),
		maxUploadBytes: maxUploadBytes,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "api_handler")),
	}
}

// Health возвращает обработчик health endpoints.
func (h *APIHandler) Health() *HealthHandler {
	return h.health
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit, offset int) (int, int) {
	l := limit
	if l < 1 {
		l = 50
	}
	if l > 500 {
		l = 500
	}
	o := offset
	if o < 0 {
		o = 0
	}
	return l, o
}

// RouteNotFound: 404 для путей вне маршрутов консоли.
func (h *APIHandler) RouteNotFound(w http.ResponseWriter, r *http.Request) {
	apierrors.NotFound(w, h.bundle.T(r.Context(), "error.route_not_found"))
}

// writeUnauthenticated: 401 для запроса без пользователя в контексте.
func (h *APIHandler) writeUnauthenticated(w http.ResponseWriter, r *http.Request) {
	apierrors.Unauthorized(w, h.bundle.T(r.Context(), bulkupload.MsgAuthRequired))
}

// writeServiceError отображает ошибку сервисного слоя в HTTP-ответ.
// Ошибки, не распознанные как ошибки клиента или backend, считаются внутренними.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var rejected *bulkupload.RejectedError
	var status *bulkupload.StatusError

	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Debug("Запрос отменён клиентом", slog.String("path", r.URL.Path))
	case errors.Is(err, service.ErrFeatureNotFound):
		apierrors.NotFound(w, h.bundle.T(ctx, "error.feature_not_found"))
	case errors.Is(err, service.ErrAttemptNotFound):
		apierrors.NotFound(w, h.bundle.T(ctx, "error.attempt_not_found"))
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, h.bundle.T(ctx, "error.forbidden"))
	case errors.Is(err, service.ErrValidation), errors.Is(err, bulkupload.ErrInvalidFileType):
		apierrors.ValidationError(w, h.validationMessage(ctx, err))
	case errors.Is(err, bulkupload.ErrNotSupported):
		apierrors.NotSupported(w, h.bundle.T(ctx, "error.not_supported"))
	case errors.Is(err, bulkupload.ErrUnauthorized):
		apierrors.Unauthorized(w, h.bundle.T(ctx, bulkupload.MsgAuthRequired))
	case errors.As(err, &rejected):
		apierrors.ValidationError(w, rejected.Message)
	case errors.As(err, &status):
		h.logger.Warn("Backend вернул ошибку",
			slog.String("path", r.URL.Path),
			slog.Int("status", status.Code),
		)
		apierrors.BackendUnavailable(w, h.bundle.T(ctx, "error.backend_unavailable"))
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, h.bundle.T(ctx, "error.internal"))
	}
}

// validationKeys: ключи каталога для ошибок валидации.
var validationKeys = []struct {
	err error
	key string
}{
	{bulkupload.ErrInvalidFileType, "error.invalid_file_type"},
	{bulkupload.ErrNoProgress, "error.no_progress"},
	{depreciation.ErrInvalidCapital, "error.depreciation.capital"},
	{depreciation.ErrInvalidResidual, "error.depreciation.residual"},
	{depreciation.ErrInvalidRate, "error.depreciation.rate"},
	{depreciation.ErrInvalidDates, "error.depreciation.dates"},
	{depreciation.ErrUnknownMethod, "error.depreciation.method"},
}

// validationMessage переводит ошибку валидации на язык запроса.
// Тексты ошибок Go клиенту не отдаются.
func (h *APIHandler) validationMessage(ctx context.Context, err error) string {
	for _, v := range validationKeys {
		if errors.Is(err, v.err) {
			return h.bundle.T(ctx, v.key)
		}
	}
	return h.bundle.T(ctx, "error.validation")
}

// writeDownloadError: как writeServiceError, но сетевые ошибки
// обращения к backend отдаются как 502.
func (h *APIHandler) writeDownloadError(w http.ResponseWriter, r *http.Request, err error) {
	var status *bulkupload.StatusError
	var rejected *bulkupload.RejectedError
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, service.ErrFeatureNotFound),
		errors.Is(err, service.ErrAttemptNotFound),
		errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrValidation),
		errors.Is(err, bulkupload.ErrNotSupported),
		errors.Is(err, bulkupload.ErrUnauthorized),
		errors.As(err, &status),
		errors.As(err, &rejected):
		h.writeServiceError(w, r, err)
	default:
		h.logger.Warn("Скачивание не удалось",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.BackendUnavailable(w, h.bundle.T(r.Context(), "error.backend_unavailable"))
	}
}
