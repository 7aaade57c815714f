package worker

import "errors"

// Ошибки исполнителя шагов.
var (
	// ErrStepTimeout - шаг превысил таймаут (exit code 124).
	ErrStepTimeout = errors.New("step timed out")

	// ErrStartFailed - исполняемый файл не удалось запустить (exit code 127).
	ErrStartFailed = errors.New("step failed to start")

	// ErrStepFailed - шаг завершился с ненулевым кодом.
	ErrStepFailed = errors.New("step failed")

	// ErrNotConfigured - у шага нет ни команды, ни встроенного исполнителя.
	ErrNotConfigured = errors.New("step not configured")
)

// Синтетические коды выхода, по соглашению coreutils timeout и sh.
const (
	ExitCodeTimeout     = 124
	ExitCodeStartFailed = 127
)
