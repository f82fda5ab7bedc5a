package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shaiso/Jobhost/internal/domain"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии
	// (например, обновление job в финальном статусе).
	ErrInvalidState = errors.New("invalid state")

	// ErrCapacityExceeded — host недоступен или уже загружен полностью.
	ErrCapacityExceeded = domain.ErrCapacityExceeded

	// ErrHostIdle — у host нет загрузки, которую можно освободить.
	ErrHostIdle = domain.ErrHostIdle
)

// isUniqueViolation проверяет, что ошибка — нарушение уникальности (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
