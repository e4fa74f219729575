package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/asset-console/internal/domain/model"
)

// AttemptFilter: фильтры списка попыток.
type AttemptFilter struct {
	// Features: ограничить фичами (пусто = все).
	Features []string
	// Username: только попытки пользователя (пусто = все).
	Username string
	// Status: только с этим статусом (пусто = все).
	Status model.UploadStatus
	Limit  int
	Offset int
}

// UploadAttemptRepository: интерфейс для таблицы upload_attempts.
type UploadAttemptRepository interface {
	// Create сохраняет новую попытку (статус PROCESSING).
	Create(ctx context.Context, a *model.UploadAttempt) error
	// Finish записывает итог попытки. Если не найдена, ErrNotFound.
	Finish(ctx context.Context, a *model.UploadAttempt) error
	// GetByID возвращает попытку по ID. Если не найдена, ErrNotFound.
	GetByID(ctx context.Context, id string) (*model.UploadAttempt, error)
	// List возвращает попытки по фильтру (новые первыми) и общее количество.
	List(ctx context.Context, f AttemptFilter) ([]*model.UploadAttempt, int, error)
	// FailStale закрывает зависшие PROCESSING-попытки, начатые раньше before.
	FailStale(ctx context.Context, before time.Time, message string) (int64, error)
}

type uploadAttemptRepo struct {
	db DBTX
}

// NewUploadAttemptRepository создаёт репозиторий истории загрузок.
func NewUploadAttemptRepository(db DBTX) UploadAttemptRepository {
	return &uploadAttemptRepo{db: db}
}

const attemptColumns = `id, feature, filename, username, status, total_records,
	success_count, failure_count, duplicate_count, skipped_count, message,
	started_at, finished_at`

func (r *uploadAttemptRepo) Create(ctx context.Context, a *model.UploadAttempt) error {
	query := `
		INSERT INTO upload_attempts (id, feature, filename, username, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING started_at`

	if a.Status == "" {
		a.Status = model.StatusProcessing
	}
	err := r.db.QueryRow(ctx, query, a.ID, a.Feature, a.Filename, a.Username, a.Status).Scan(&a.StartedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания upload_attempts[%s]: %w", a.ID, err)
	}
	return nil
}

func (r *uploadAttemptRepo) Finish(ctx context.Context, a *model.UploadAttempt) error {
	query := `
		UPDATE upload_attempts
		SET status = $2, total_records = $3, success_count = $4, failure_count = $5,
			duplicate_count = $6, skipped_count = $7, message = $8, finished_at = NOW()
		WHERE id = $1
		RETURNING finished_at`

	var finished time.Time
	err := r.db.QueryRow(ctx, query,
		a.ID, a.Status, a.TotalRecords, a.SuccessCount, a.FailureCount,
		a.DuplicateCount, a.SkippedCount, a.Message,
	).Scan(&finished)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка завершения upload_attempts[%s]: %w", a.ID, err)
	}
	a.FinishedAt = &finished
	return nil
}

func (r *uploadAttemptRepo) GetByID(ctx context.Context, id string) (*model.UploadAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM upload_attempts WHERE id = $1`

	a, err := scanAttempt(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения upload_attempts[%s]: %w", id, err)
	}
	return a, nil
}

func (r *uploadAttemptRepo) List(ctx context.Context, f AttemptFilter) ([]*model.UploadAttempt, int, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Features) > 0 {
		args = append(args, f.Features)
		conds = append(conds, fmt.Sprintf("feature = ANY($%d)", len(args)))
	}
	if f.Username != "" {
		args = append(args, f.Username)
		conds = append(conds, fmt.Sprintf("username = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM upload_attempts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ошибка подсчёта upload_attempts: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM upload_attempts%s ORDER BY started_at DESC, id LIMIT $%d OFFSET $%d`,
		attemptColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка upload_attempts: %w", err)
	}
	defer rows.Close()

	var items []*model.UploadAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования upload_attempts: %w", err)
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *uploadAttemptRepo) FailStale(ctx context.Context, before time.Time, message string) (int64, error) {
	query := `
		UPDATE upload_attempts
		SET status = 'FAILED', message = $2, finished_at = NOW()
		WHERE status = 'PROCESSING' AND started_at < $1`

	tag, err := r.db.Exec(ctx, query, before, message)
	if err != nil {
		return 0, fmt.Errorf("ошибка закрытия зависших upload_attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanAttempt сканирует строку upload_attempts (pgx.Row или pgx.Rows).
func scanAttempt(row pgx.Row) (*model.UploadAttempt, error) {
	a := &model.UploadAttempt{}
	var status string
	err := row.Scan(
		&a.ID, &a.Feature, &a.Filename, &a.Username, &status,
		&a.TotalRecords, &a.SuccessCount, &a.FailureCount, &a.DuplicateCount, &a.SkippedCount,
		&a.Message, &a.StartedAt, &a.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = model.UploadStatus(status)
	return a, nil
}
