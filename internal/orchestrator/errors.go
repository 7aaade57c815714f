package orchestrator

import "errors"

// Ошибки supervisor'а.
var (
	// ErrResumeLimitExceeded - run перезахватывался больше max_resume_attempts раз.
	ErrResumeLimitExceeded = errors.New("resume limit exceeded")

	// ErrCancelled - run отменён по запросу.
	ErrCancelled = errors.New("cancelled by request")

	// ErrRunAbandoned - запись в хранилище не удалась после всех повторов;
	// run остаётся running и будет перезахвачен.
	ErrRunAbandoned = errors.New("run abandoned")

	// ErrClaimLost - run перезахвачен другим воркером, пока этот его вёл.
	ErrClaimLost = errors.New("claim lost")

	// ErrSupervisorStopped - supervisor остановлен.
	ErrSupervisorStopped = errors.New("supervisor stopped")
)
