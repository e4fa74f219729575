// downloads.go: вспомогательные скачивания фичи (шаблон, выгрузка и
// отчёт об ошибках). Используются сессией и сервисом консоли.
package bulkupload

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// DownloadTemplate скачивает пустой шаблон загрузки (GET).
func DownloadTemplate(ctx context.Context, tr Transport, f Feature) ([]byte, error) {
	if f.TemplatePath == "" {
		return nil, ErrNotSupported
	}
	data, err := tr.Download(ctx, http.MethodGet, f.TemplatePath, nil)
	countDownload(OpTemplate, err)
	return data, err
}

// DownloadExport скачивает выгрузку данных. Для POST-выгрузок filter уходит
// в теле запроса (nil: пустой фильтр), для GET игнорируется.
func DownloadExport(ctx context.Context, tr Transport, f Feature, filter any) ([]byte, error) {
	if f.ExportPath == "" {
		return nil, ErrNotSupported
	}
	method := f.ExportMethod
	if method == "" {
		method = http.MethodGet
	}
	var payload any
	if method == http.MethodPost {
		payload = filter
		if payload == nil {
			payload = map[string]any{}
		}
	}
	data, err := tr.Download(ctx, method, f.ExportPath, payload)
	countDownload(OpExport, err)
	return data, err
}

// DownloadErrorReport отправляет запись прогресса на эндпоинт отчёта (POST).
// Если эндпоинт не настроен или backend вернул ошибку, отчёт строится
// локально; local = true в этом случае. 401 и отмена контекста не
// подменяются локальным отчётом.
func DownloadErrorReport(ctx context.Context, tr Transport, f Feature, p *model.UploadProgress, logger *slog.Logger) (data []byte, local bool, err error) {
	if p == nil {
		return nil, false, ErrNoProgress
	}

	if f.ErrorReportPath != "" {
		data, err = tr.Download(ctx, http.MethodPost, f.ErrorReportPath, p)
	} else {
		err = ErrNotSupported
	}
	if err == nil {
		countDownload(OpErrors, nil)
		return data, false, nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrUnauthorized) {
		countDownload(OpErrors, err)
		return nil, false, err
	}

	if logger != nil {
		logger.Warn("Отчёт об ошибках построен локально",
			slog.String("feature", f.Key),
			slog.String("error", err.Error()),
		)
	}
	data, err = RenderErrorReport(p)
	if err != nil {
		countDownload(OpErrors, err)
		return nil, false, err
	}
	downloadsTotal.WithLabelValues(OpErrors, "local").Inc()
	return data, true, nil
}

func countDownload(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	downloadsTotal.WithLabelValues(op, status).Inc()
}
