package domain

// RunStatus - статус выполнения run.
//
// Жизненный цикл:
//
//	queued → running → completed
//	                 ↘ failed
//	(или)  → cancelled (из queued сразу, из running только между шагами)
type RunStatus string

const (
	// RunStatusQueued - run создан и ждёт, пока его заберёт supervisor.
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning - run захвачен воркером и выполняется.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted - все шаги завершены или пропущены.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed - один из шагов упал, run не возобновляется.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled - run отменён пользователем.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для queued и running.
// В одном деплое может существовать не более одного активного run.
func (s RunStatus) IsActive() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// Valid проверяет, что статус известен.
func (s RunStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// StepStatus - статус выполнения отдельного шага внутри run.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed
//	        → skipped (шаг не включён для данного run)
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsDone возвращает true, если шаг больше не нужно выполнять.
// failed сюда не входит: упавший шаг останавливает run.
func (s StepStatus) IsDone() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Valid проверяет, что статус известен.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}
