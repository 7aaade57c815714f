package scheduler

import "errors"

// Ошибки планировщика.
var (
	// ErrActiveRun - уже есть queued или running run.
	ErrActiveRun = errors.New("a run is already queued or running")

	// ErrInvalidCron - некорректное cron-выражение.
	ErrInvalidCron = errors.New("invalid cron expression")
)
