// me.go: профиль текущего пользователя и флаги видимости элементов UI.
package handlers

import (
	"net/http"

	"github.com/bigkaa/asset-console/internal/api/middleware"
	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/permission"
)

// currentUserResponse: ответ GET /api/v1/me.
type currentUserResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	IsAdmin     bool     `json:"isAdmin"`
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles"`
}

// UIFlags: именованные требования для пунктов меню и кнопок консоли.
// Флаги bulk.<key>.import / bulk.<key>.export строятся по каталогу фич.
func UIFlags(catalog *bulkupload.Catalog) map[string]permission.Requirement {
	view := func(scope string) permission.Requirement {
		return permission.Requirement{Permission: permission.Key(scope, permission.ActionView)}
	}

	flags := map[string]permission.Requirement{
		"menu.sites":        view(permission.ScopeSite),
		"menu.warehouses":   view(permission.ScopeWarehouse),
		"menu.datacenters":  view(permission.ScopeDatacenter),
		"menu.vendors":      view(permission.ScopeVendor),
		"menu.landlords":    view(permission.ScopeLandlord),
		"menu.locations":    view(permission.ScopeLocation),
		"menu.assets":       view(permission.ScopeAsset),
		"menu.depreciation": view(permission.ScopeDepreciation),
		"menu.users": {AnyOf: []string{
			permission.Key(permission.ScopeUser, permission.ActionView),
			permission.Key(permission.ScopeRole, permission.ActionView),
		}},
		"menu.admin": {AdminRequired: true},
		"users.manage": {AllOf: []string{
			permission.Key(permission.ScopeUser, permission.ActionCreate),
			permission.Key(permission.ScopeUser, permission.ActionUpdate),
			permission.Key(permission.ScopeUser, permission.ActionDelete),
		}},
	}

	if catalog == nil {
		return flags
	}
	for _, f := range catalog.All() {
		flags["bulk."+f.Key+".import"] = f.ImportRequirement()
		flags["bulk."+f.Key+".export"] = f.ExportRequirement()
	}
	if scopes := catalog.ImportScopes(); len(scopes) > 0 {
		flags["bulk.any"] = permission.Requirement{AnyOf: scopes}
	}
	return flags
}

// GetMe: GET /api/v1/me.
func (h *APIHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil || p.User == nil {
		h.writeUnauthenticated(w, r)
		return
	}

	writeJSON(w, http.StatusOK, currentUserResponse{
		ID:          p.User.ID,
		Username:    p.User.Username,
		Email:       p.User.Email,
		IsAdmin:     p.Evaluator.IsAdmin(),
		Permissions: p.Evaluator.Permissions().Values(),
		Roles:       p.User.RoleNames(),
	})
}

// GetMyPermissions: GET /api/v1/me/permissions.
func (h *APIHandler) GetMyPermissions(w http.ResponseWriter, r *http.Request) {
	ev := middleware.EvaluatorFromContext(r.Context())
	writeJSON(w, http.StatusOK, ev.Flags(h.uiFlags))
}
