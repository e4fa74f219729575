// Пакет openapi: контракт API консоли (встроенный openapi.yaml) и
// middleware проверки входящих запросов по нему.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/bigkaa/asset-console/internal/api/errors"
	"github.com/bigkaa/asset-console/internal/i18n"
)

//go:embed openapi.yaml
var specYAML []byte

// Spec возвращает исходный YAML контракта.
func Spec() []byte {
	return specYAML
}

// Load разбирает и валидирует контракт.
func Load() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("разбор openapi.yaml: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("валидация openapi.yaml: %w", err)
	}
	return doc, nil
}

// Validator проверяет параметры и JSON-тела запросов по контракту.
// Запросы к путям вне контракта (например, /metrics) пропускаются.
type Validator struct {
	router routers.Router
	bundle *i18n.Bundle
	logger *slog.Logger
}

// NewValidator создаёт middleware проверки. Сообщения об ошибках
// переводятся через bundle на язык из контекста запроса.
func NewValidator(doc *openapi3.T, bundle *i18n.Bundle, logger *slog.Logger) (*Validator, error) {
	// Сервера не заданы: маршруты сопоставляются по пути запроса.
	doc.Servers = nil
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("роутер openapi: %w", err)
	}
	return &Validator{
		router: router,
		bundle: bundle,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware возвращает HTTP middleware проверки запросов.
// Тело multipart не проверяется: файл разбирает обработчик загрузки.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
					ExcludeRequestBody: isMultipart(r),
					MultiError:         false,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				v.logger.Debug("Запрос не соответствует контракту",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, v.message(r.Context(), err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// message: краткое описание ошибки на языке запроса, без дампа схемы.
// Причина берётся из kin-openapi как есть.
func (v *Validator) message(ctx context.Context, err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		reason := reasonOf(reqErr)
		switch {
		case reqErr.Parameter != nil && reason != "":
			return v.bundle.T(ctx, "error.invalid_parameter", reqErr.Parameter.Name, reason)
		case reqErr.RequestBody != nil && reason != "":
			return v.bundle.T(ctx, "error.invalid_body", reason)
		}
	}
	return v.bundle.T(ctx, "error.validation")
}

func reasonOf(e *openapi3filter.RequestError) string {
	var schemaErr *openapi3.SchemaError
	if errors.As(e.Err, &schemaErr) {
		return schemaErr.Reason
	}
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}
