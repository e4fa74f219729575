package permission

import (
	"github.com/bigkaa/asset-console/internal/domain/model"
)

// Requirement: декларативное требование к правам для маршрута или элемента UI.
// Незаданные поля пропускаются (считаются выполненными).
type Requirement struct {
	// Permission: одно конкретное разрешение.
	Permission string `json:"permission,omitempty"`
	// AnyOf: достаточно любого из перечисленных (OR).
	AnyOf []string `json:"anyOf,omitempty"`
	// AllOf: нужны все перечисленные (AND).
	AllOf []string `json:"allOf,omitempty"`
	// AdminRequired: требуется ALL.
	AdminRequired bool `json:"adminRequired,omitempty"`
}

// IsZero: требование не содержит ни одной проверки.
func (r Requirement) IsZero() bool {
	return r.Permission == "" && len(r.AnyOf) == 0 && len(r.AllOf) == 0 && !r.AdminRequired
}

// Evaluator отвечает на вопрос «доступно ли действие текущему пользователю».
// Чистая функция от (пользователь, требование), без побочных эффектов.
type Evaluator struct {
	user *model.User
	set  Set
}

// NewEvaluator создаёт Evaluator для пользователя. user может быть nil.
func NewEvaluator(user *model.User) *Evaluator {
	return &Evaluator{
		user: user,
		set:  Normalize(SourceForUser(user)),
	}
}

// User возвращает пользователя, для которого вычисляются права.
func (e *Evaluator) User() *model.User {
	return e.user
}

// Permissions возвращает нормализованный набор разрешений.
func (e *Evaluator) Permissions() Set {
	return e.set
}

// HasPermission: есть ALL или указанное разрешение.
// Без пользователя всегда false.
func (e *Evaluator) HasPermission(p string) bool {
	if e.user == nil {
		return false
	}
	return e.set.Contains(p)
}

// HasAnyPermission: есть ALL или хотя бы одно из разрешений (OR).
// Пустой список: true (ограничений нет).
func (e *Evaluator) HasAnyPermission(list []string) bool {
	if e.user == nil {
		return false
	}
	if e.set.IsAdmin() || len(list) == 0 {
		return true
	}
	for _, p := range list {
		if e.set.Contains(p) {
			return true
		}
	}
	return false
}

// HasAllPermissions: есть ALL или все разрешения списка (AND).
// Пустой список: true.
func (e *Evaluator) HasAllPermissions(list []string) bool {
	if e.user == nil {
		return false
	}
	if e.set.IsAdmin() {
		return true
	}
	for _, p := range list {
		if !e.set.Contains(p) {
			return false
		}
	}
	return true
}

// IsAdmin: набор разрешений содержит ALL.
func (e *Evaluator) IsAdmin() bool {
	return e.user != nil && e.set.IsAdmin()
}

// Allows проверяет требование в фиксированном порядке:
// admin → одно разрешение → any → all. Первая неудача означает отказ.
func (e *Evaluator) Allows(req Requirement) bool {
	if req.IsZero() {
		return true
	}
	if req.AdminRequired && !e.IsAdmin() {
		return false
	}
	if req.Permission != "" && !e.HasPermission(req.Permission) {
		return false
	}
	if len(req.AnyOf) > 0 && !e.HasAnyPermission(req.AnyOf) {
		return false
	}
	if len(req.AllOf) > 0 && !e.HasAllPermissions(req.AllOf) {
		return false
	}
	return true
}

// Flags вычисляет набор именованных требований (для скрытия элементов UI).
func (e *Evaluator) Flags(reqs map[string]Requirement) map[string]bool {
	out := make(map[string]bool, len(reqs))
	for name, req := range reqs {
		out[name] = e.Allows(req)
	}
	return out
}
