package repo

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound - запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists - запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState - операция невозможна в текущем состоянии.
	// Для записей run это же значит, что claim перешёл к другому воркеру.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict - запись изменилась с момента чтения.
	ErrConflict = errors.New("concurrent update")
)

// isUniqueViolation проверяет SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
