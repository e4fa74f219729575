// bulk.go: массовая загрузка. Каталог фич, загрузка файла с потоком
// прогресса, шаблоны, выгрузки, отчёты об ошибках и история попыток.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/asset-console/internal/api/errors"
	"github.com/bigkaa/asset-console/internal/api/middleware"
	"github.com/bigkaa/asset-console/internal/api/openapi"
	"github.com/bigkaa/asset-console/internal/domain/model"
	"github.com/bigkaa/asset-console/internal/i18n"
	"github.com/bigkaa/asset-console/internal/service"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	// multipartMemory: часть формы, которая держится в памяти; остальное
	// пишется во временные файлы.
	multipartMemory = 8 << 20
	// uploadField: имя поля формы с файлом.
	uploadField = "file"
)

// attemptResponse: попытка загрузки в ответах API.
type attemptResponse struct {
	ID             string             `json:"id"`
	Feature        string             `json:"feature"`
	Filename       string             `json:"filename"`
	Username       string             `json:"username"`
	Status         model.UploadStatus `json:"status"`
	TotalRecords   int                `json:"totalRecords"`
	SuccessCount   int                `json:"successCount"`
	FailureCount   int                `json:"failureCount"`
	DuplicateCount int                `json:"duplicateCount"`
	SkippedCount   int                `json:"skippedCount"`
	Message        string             `json:"message,omitempty"`
	StartedAt      time.Time          `json:"startedAt"`
	FinishedAt     *time.Time         `json:"finishedAt"`
}

func toAttemptResponse(a *model.UploadAttempt) attemptResponse {
	return attemptResponse{
		ID:             a.ID,
		Feature:        a.Feature,
		Filename:       a.Filename,
		Username:       a.Username,
		Status:         a.Status,
		TotalRecords:   a.TotalRecords,
		SuccessCount:   a.SuccessCount,
		FailureCount:   a.FailureCount,
		DuplicateCount: a.DuplicateCount,
		SkippedCount:   a.SkippedCount,
		Message:        a.Message,
		StartedAt:      a.StartedAt,
		FinishedAt:     a.FinishedAt,
	}
}

// ListFeatures: GET /api/v1/bulk/features.
func (h *APIHandler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	items := h.uploads.Features(middleware.EvaluatorFromContext(r.Context()))
	if items == nil {
		items = []service.FeatureView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// UploadFile: POST /api/v1/bulk/{feature}/upload.
// Ответ: поток событий попытки. Ошибки до начала потока (фича, размер,
// тип и содержимое файла) возвращаются обычным JSON-ответом.
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := middleware.PrincipalFromContext(ctx)
	if p == nil {
		h.writeUnauthenticated(w, r)
		return
	}

	if r.ContentLength > h.maxUploadBytes {
		h.writeTooLarge(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeTooLarge(w, r)
			return
		}
		apierrors.ValidationError(w, h.bundle.T(ctx, "error.file_required"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[uploadField]
	if len(headers) == 0 {
		apierrors.ValidationError(w, h.bundle.T(ctx, "error.file_required"))
		return
	}
	var file openapi_types.File
	file.InitFromMultipart(headers[0])
	content, err := file.Bytes()
	if err != nil {
		h.logger.Error("Ошибка чтения загруженного файла", slog.String("error", err.Error()))
		apierrors.InternalError(w, h.bundle.T(ctx, "error.internal"))
		return
	}

	relay := newSSERelay(w, h.bundle, i18n.LangFromContext(ctx), file.Filename(), h.logger)
	result, err := h.uploads.Upload(ctx, service.UploadRequest{
		Feature:  chi.URLParam(r, middleware.FeatureParam),
		Filename: file.Filename(),
		Content:  content,
		Username: p.User.Username,
		Token:    p.Token,
	}, relay.Emit)
	if err != nil && !relay.Started() {
		h.writeServiceError(w, r, err)
		return
	}
	if result != nil {
		h.logger.Info("Попытка загрузки завершена",
			slog.String("attempt_id", result.AttemptID),
			slog.String("state", result.State.String()),
			slog.String("username", p.User.Username),
		)
	}
}

// DownloadTemplate: GET /api/v1/bulk/{feature}/template.
func (h *APIHandler) DownloadTemplate(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		h.writeUnauthenticated(w, r)
		return
	}
	name, data, err := h.uploads.Template(r.Context(), chi.URLParam(r, middleware.FeatureParam), p.Token)
	if err != nil {
		h.writeDownloadError(w, r, err)
		return
	}
	writeWorkbook(w, name, data)
}

// ExportData: GET и POST /api/v1/bulk/{feature}/export.
// Тело POST: JSON-фильтр, передаётся backend без изменений.
func (h *APIHandler) ExportData(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		h.writeUnauthenticated(w, r)
		return
	}

	var filter map[string]any
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&filter); err != nil && !errors.Is(err, io.EOF) {
			apierrors.ValidationError(w, h.bundle.T(r.Context(), "error.invalid_json"))
			return
		}
	}

	name, data, err := h.uploads.Export(r.Context(), chi.URLParam(r, middleware.FeatureParam), p.Token, filter)
	if err != nil {
		h.writeDownloadError(w, r, err)
		return
	}
	writeWorkbook(w, name, data)
}

// DownloadErrorReport: POST /api/v1/bulk/{feature}/error-report.
// Тело: итоговая запись прогресса, полученная браузером из потока.
func (h *APIHandler) DownloadErrorReport(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		h.writeUnauthenticated(w, r)
		return
	}

	var progress model.UploadProgress
	if err := json.NewDecoder(r.Body).Decode(&progress); err != nil {
		apierrors.ValidationError(w, h.bundle.T(r.Context(), "error.invalid_json"))
		return
	}

	name, data, local, err := h.uploads.ErrorReport(r.Context(), chi.URLParam(r, middleware.FeatureParam), p.Token, &progress)
	if err != nil {
		h.writeDownloadError(w, r, err)
		return
	}
	if local {
		w.Header().Set("X-Report-Source", "local")
	}
	writeWorkbook(w, name, data)
}

// ListUploads: GET /api/v1/bulk-uploads.
func (h *APIHandler) ListUploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, offset = paginationDefaults(limit, offset)

	attempts, total, err := h.uploads.History(r.Context(), middleware.EvaluatorFromContext(r.Context()), service.HistoryQuery{
		Feature: q.Get("feature"),
		Status:  model.UploadStatus(q.Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, toAttemptResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// GetUpload: GET /api/v1/bulk-uploads/{id}.
func (h *APIHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	a, err := h.uploads.Attempt(r.Context(), chi.URLParam(r, "id"), middleware.EvaluatorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptResponse(a))
}

// GetUploadErrorReport: GET /api/v1/bulk-uploads/{id}/error-report.
func (h *APIHandler) GetUploadErrorReport(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		h.writeUnauthenticated(w, r)
		return
	}
	name, data, err := h.uploads.StoredReport(r.Context(), chi.URLParam(r, "id"), p.Token, p.Evaluator)
	if err != nil {
		h.writeDownloadError(w, r, err)
		return
	}
	writeWorkbook(w, name, data)
}

// OpenAPISpec: GET /api/v1/openapi.yaml.
func (h *APIHandler) OpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Spec())
}

func (h *APIHandler) writeTooLarge(w http.ResponseWriter, r *http.Request) {
	apierrors.TooLarge(w, h.bundle.T(r.Context(), "error.file_too_large", h.maxUploadBytes>>20))
}

// writeWorkbook отдаёт .xlsx как вложение.
func writeWorkbook(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
