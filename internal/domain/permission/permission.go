// Пакет permission: вычисление прав пользователя консоли.
// Разрешения имеют формат SCOPE:ACTION, значение ALL означает администратора.
// Сравнение регистронезависимое: всё приводится к верхнему регистру.
// Правило: наличие ALL разрешает любую проверку.
package permission

import (
	"sort"
	"strings"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// Admin: служебное разрешение администратора.
const Admin = "ALL"

// Области (scope) разрешений консоли.
const (
	ScopeSite         = "SITE"
	ScopeWarehouse    = "WAREHOUSE"
	ScopeDatacenter   = "DATACENTER"
	ScopeVendor       = "VENDOR"
	ScopeLandlord     = "LANDLORD"
	ScopeLocation     = "LOCATION"
	ScopeAsset        = "ASSET"
	ScopeDepreciation = "DEPRECIATION"
	ScopeUser         = "USER"
	ScopeRole         = "ROLE"
)

// Действия (action) разрешений.
const (
	ActionView   = "VIEW"
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionImport = "IMPORT"
	ActionExport = "EXPORT"
)

// Key собирает разрешение SCOPE:ACTION.
func Key(scope, action string) string {
	return normalize(scope) + ":" + normalize(action)
}

// Source: источник разрешений пользователя.
// Реализации: Explicit (список из записи пользователя) и DerivedFromRoles.
type Source interface {
	raw() []string
}

// Explicit: разрешения заданы списком напрямую.
type Explicit struct {
	Values []string
}

func (e Explicit) raw() []string { return e.Values }

// DerivedFromRoles: разрешения собираются из всех назначенных ролей.
type DerivedFromRoles struct {
	Roles []model.Role
}

func (d DerivedFromRoles) raw() []string {
	var out []string
	for _, r := range d.Roles {
		out = append(out, r.Permissions...)
	}
	return out
}

// SourceForUser выбирает источник разрешений пользователя.
// Если агрегированный список пуст: разрешения вычисляются по ролям.
func SourceForUser(u *model.User) Source {
	if u == nil {
		return Explicit{}
	}
	if len(u.Permissions) > 0 {
		return Explicit{Values: u.Permissions}
	}
	return DerivedFromRoles{Roles: u.Roles}
}

// Set: нормализованный набор разрешений.
type Set struct {
	values map[string]struct{}
	admin  bool
}

// Normalize строит нормализованный набор из источника.
// Пустые строки игнорируются.
func Normalize(src Source) Set {
	s := Set{values: make(map[string]struct{})}
	if src == nil {
		return s
	}
	for _, p := range src.raw() {
		p = normalize(p)
		if p == "" {
			continue
		}
		if p == Admin {
			s.admin = true
		}
		s.values[p] = struct{}{}
	}
	return s
}

// Contains проверяет наличие разрешения с учётом ALL.
func (s Set) Contains(p string) bool {
	if s.admin {
		return true
	}
	_, ok := s.values[normalize(p)]
	return ok
}

// IsAdmin: набор содержит ALL.
func (s Set) IsAdmin() bool {
	return s.admin
}

// Len возвращает количество разрешений в наборе.
func (s Set) Len() int {
	return len(s.values)
}

// Values возвращает отсортированный список разрешений.
func (s Set) Values() []string {
	out := make([]string, 0, len(s.values))
	for p := range s.values {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// normalize приводит разрешение к каноническому виду.
func normalize(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}
