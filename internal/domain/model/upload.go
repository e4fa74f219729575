package model

import "time"

// UploadStatus: статус операции массовой загрузки.
type UploadStatus string

const (
	StatusProcessing          UploadStatus = "PROCESSING"
	StatusCompleted           UploadStatus = "COMPLETED"
	StatusCompletedWithErrors UploadStatus = "COMPLETED_WITH_ERRORS"
	StatusFailed              UploadStatus = "FAILED"
)

// IsTerminal: true для статусов, после которых событий больше не будет.
func (s UploadStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// ErrorType: классификация ошибки строки.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeDuplicate  ErrorType = "DUPLICATE"
	ErrorTypeError      ErrorType = "ERROR"
)

// UploadError: ошибка обработки одной строки файла.
type UploadError struct {
	RowNumber    int    `json:"rowNumber"`
	FieldName    string `json:"fieldName"`
	ErrorMessage string `json:"errorMessage"`
	// RejectedValue: отклонённое значение ячейки (строка, число или null).
	RejectedValue any       `json:"rejectedValue,omitempty"`
	ErrorType     ErrorType `json:"errorType,omitempty"`
}

// UploadProgress: состояние одной операции загрузки.
// Каждое событие SSE-потока содержит полный снимок, а не дельту.
type UploadProgress struct {
	Status             UploadStatus  `json:"status"`
	TotalRecords       int           `json:"totalRecords"`
	ProcessedRecords   int           `json:"processedRecords"`
	SuccessCount       int           `json:"successCount"`
	FailureCount       int           `json:"failureCount"`
	DuplicateCount     int           `json:"duplicateCount"`
	SkippedCount       int           `json:"skippedCount"`
	ProgressPercentage float64       `json:"progressPercentage"`
	Message            string        `json:"message"`
	Errors             []UploadError `json:"errors,omitempty"`
	Timestamp          string        `json:"timestamp,omitempty"`
}

// IsTerminal сообщает, является ли статус записи терминальным.
func (p *UploadProgress) IsTerminal() bool {
	return p != nil && p.Status.IsTerminal()
}

// HasErrors: true, если запись содержит ошибки строк.
func (p *UploadProgress) HasErrors() bool {
	return p != nil && len(p.Errors) > 0
}

// UploadAttempt: запись истории загрузок (таблица upload_attempts).
type UploadAttempt struct {
	ID             string
	Feature        string
	Filename       string
	Username       string
	Status         UploadStatus
	TotalRecords   int
	SuccessCount   int
	FailureCount   int
	DuplicateCount int
	SkippedCount   int
	Message        string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// ApplyProgress переносит счётчики итоговой записи прогресса в попытку.
func (a *UploadAttempt) ApplyProgress(p *UploadProgress) {
	if p == nil {
		return
	}
	a.Status = p.Status
	a.TotalRecords = p.TotalRecords
	a.SuccessCount = p.SuccessCount
	a.FailureCount = p.FailureCount
	a.DuplicateCount = p.DuplicateCount
	a.SkippedCount = p.SkippedCount
	a.Message = p.Message
}
