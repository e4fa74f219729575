package bulkupload

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFileType: выбран файл не .xlsx. Проверяется до любого сетевого запроса.
	ErrInvalidFileType = errors.New("недопустимый тип файла: ожидается .xlsx")
	// ErrUnauthorized: backend ответил 401, требуется повторный вход.
	ErrUnauthorized = errors.New("требуется аутентификация")
	// ErrNoFile: загрузка запущена без выбранного файла.
	ErrNoFile = errors.New("файл не выбран")
	// ErrNoProgress: нет записи прогресса для отчёта об ошибках.
	ErrNoProgress = errors.New("нет данных о загрузке")
	// ErrSuperseded: попытка отменена более новой загрузкой или закрытием диалога.
	ErrSuperseded = errors.New("загрузка отменена")
	// ErrIncompleteStream: поток закончился без терминального статуса.
	ErrIncompleteStream = errors.New("поток прогресса завершился без итогового статуса")
	// ErrNotSupported: у фичи не настроен эндпоинт операции.
	ErrNotSupported = errors.New("операция не поддерживается для этой сущности")
)

// RejectedError: backend отклонил запрос до начала потока (HTTP 400).
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "запрос отклонён: " + e.Message
}

// StatusError: неожиданный HTTP-статус backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend вернул статус %d: %s", e.Code, e.Body)
}
