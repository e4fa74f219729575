// Пакет model: доменные модели Asset Console.
package model

// Role: роль пользователя в backend с набором разрешений.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// User: текущий пользователь консоли (ответ backend GET /api/auth/me).
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	// Permissions: агрегированные разрешения пользователя (SCOPE:ACTION, ALL).
	// Backend может вернуть пустой список, тогда разрешения вычисляются по ролям.
	Permissions []string `json:"permissions"`
	// Roles: назначенные роли.
	Roles []Role `json:"roles"`
}

// RoleNames возвращает имена назначенных ролей.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}
