package bulk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind - класс ошибки bulk-операции.
// От него зависит, уходит ли операция в построчный fallback.
type ErrorKind int

const (
	// KindFatal - ошибка данных или программы, fallback не поможет.
	KindFatal ErrorKind = iota

	// KindUnavailable - пакетный путь недоступен (нет функции, таблицы, прав).
	KindUnavailable

	// KindConflict - нарушение уникальности, которое ON CONFLICT не покрыл.
	KindConflict

	// KindTransient - временная ошибка соединения или сериализации.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

var (
	// ErrInvalidSpec - описание таблицы или слияния некорректно.
	ErrInvalidSpec = errors.New("invalid bulk spec")

	// ErrEntityNotFound - дубликат для слияния не найден.
	ErrEntityNotFound = errors.New("entity not found")
)

// OpError - ошибка bulk-операции с классификацией.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// KindOf возвращает класс ошибки: из OpError, если он есть в цепочке,
// иначе через Classify.
func KindOf(err error) ErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return Classify(err)
}

// Classify сопоставляет ошибку драйвера с ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return KindConflict
		case pgErr.Code == "42883", // undefined_function
			pgErr.Code == "42P01", // undefined_table
			pgErr.Code == "0A000", // feature_not_supported
			pgErr.Code == "42501": // insufficient_privilege
			return KindUnavailable
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57014", // query_canceled (statement_timeout)
			strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"):
			return KindTransient
		default:
			return KindFatal
		}
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

// shouldFallback - пакетный путь можно заменить построчным.
func shouldFallback(kind ErrorKind) bool {
	return kind == KindUnavailable || kind == KindTransient || kind == KindConflict
}

func opError(op string, err error) *OpError {
	return &OpError{Op: op, Kind: Classify(err), Err: err}
}
