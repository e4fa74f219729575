// errors.go: ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrFeatureNotFound: фича массовой загрузки отсутствует в каталоге.
	ErrFeatureNotFound = errors.New("фича массовой загрузки не найдена")
	// ErrAttemptNotFound: попытка загрузки не найдена (или недоступна пользователю).
	ErrAttemptNotFound = errors.New("попытка загрузки не найдена")
	// ErrValidation: ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrForbidden: недостаточно прав для операции.
	ErrForbidden = errors.New("недостаточно прав")
)
