// Пакет repository: история попыток массовой загрузки в PostgreSQL.
// Запросы пишутся на SQL и выполняются через pgx.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound: попытки с таким ID нет.
	ErrNotFound = errors.New("попытка загрузки не найдена")
	// ErrConflict: попытка с таким ID уже записана.
	ErrConflict = errors.New("попытка загрузки уже существует")
)

// DBTX: то, что нужно репозиторию от *pgxpool.Pool или pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLSTATE, которые репозиторий переводит в свои ошибки.
const codeUniqueViolation = "23505"

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
