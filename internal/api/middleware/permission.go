// permission.go: guard-middleware маршрутов по требованиям к правам.
// Должны использоваться ПОСЛЕ Auth.Middleware().
package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/asset-console/internal/api/errors"
	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/permission"
)

// FeatureParam: имя параметра маршрута с ключом фичи.
const FeatureParam = "feature"

// Require пропускает запрос, если пользователь удовлетворяет требованию.
func Require(req permission.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PrincipalFromContext(r.Context()) == nil {
				apierrors.Unauthorized(w, "Отсутствует пользователь в контексте")
				return
			}
			if !EvaluatorFromContext(r.Context()).Allows(req) {
				apierrors.Forbidden(w, "Недостаточно прав")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireFeature проверяет право на операцию фичи из параметра {feature}.
// need выбирает требование фичи (импорт или экспорт).
// Неизвестная фича: 404.
func RequireFeature(catalog *bulkupload.Catalog, need func(bulkupload.Feature) permission.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PrincipalFromContext(r.Context()) == nil {
				apierrors.Unauthorized(w, "Отсутствует пользователь в контексте")
				return
			}
			f, ok := catalog.Get(chi.URLParam(r, FeatureParam))
			if !ok {
				apierrors.NotFound(w, "Неизвестная фича массовой загрузки")
				return
			}
			if !EvaluatorFromContext(r.Context()).Allows(need(f)) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется "+need(f).Permission)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ImportOf: требование импорта фичи.
func ImportOf(f bulkupload.Feature) permission.Requirement { return f.ImportRequirement() }

// ExportOf: требование экспорта фичи.
func ExportOf(f bulkupload.Feature) permission.Requirement { return f.ExportRequirement() }
