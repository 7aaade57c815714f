package domain

import "errors"

var (
	// ErrInvalidStepState - состояние шага не проходит валидацию
	// (неизвестный статус, битый JSON, отрицательный attempt).
	ErrInvalidStepState = errors.New("invalid step state")

	// ErrInvalidSettings - настройки не проходят валидацию.
	ErrInvalidSettings = errors.New("invalid settings")
)
