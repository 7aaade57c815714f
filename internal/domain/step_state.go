package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StepState - сохранённое состояние одного шага run.
//
// Хранится в pipeline_runs.step_states (JSONB), ключ - имя шага.
// Создаётся лениво, когда шаг впервые собирается выполняться.
type StepState struct {
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Attempt - сколько раз шаг запускался (resume увеличивает счётчик).
	Attempt int `json:"attempt"`

	// LogTail - последние байты stdout/stderr, обрезанные по границе строки.
	LogTail string `json:"log_tail,omitempty"`

	// ExitCode - код выхода процесса. Nil, пока шаг не завершился.
	ExitCode *int `json:"exit_code,omitempty"`

	// Error - краткое описание причины падения.
	Error string `json:"error,omitempty"`
}

// Validate проверяет инварианты состояния.
func (s StepState) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidStepState, s.Status)
	}
	if s.Attempt < 0 {
		return fmt.Errorf("%w: negative attempt %d", ErrInvalidStepState, s.Attempt)
	}
	if s.Status == StepStatusCompleted && s.ExitCode != nil && *s.ExitCode != 0 {
		return fmt.Errorf("%w: completed with exit code %d", ErrInvalidStepState, *s.ExitCode)
	}
	return nil
}

// UnmarshalJSON отклоняет неизвестные поля и невалидные статусы.
func (s *StepState) UnmarshalJSON(data []byte) error {
	type plain StepState
	var p plain

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStepState, err)
	}

	st := StepState(p)
	if err := st.Validate(); err != nil {
		return err
	}
	*s = st
	return nil
}

// StepStates - состояния шагов run, ключ - имя шага.
type StepStates map[string]StepState

// Get возвращает состояние шага или pending, если шаг ещё не трогали.
func (m StepStates) Get(step string) StepState {
	if st, ok := m[step]; ok {
		return st
	}
	return StepState{Status: StepStatusPending}
}

// DecodeStepStates разбирает JSONB-колонку step_states.
// NULL и пустой объект дают пустую карту.
func DecodeStepStates(data []byte) (StepStates, error) {
	states := StepStates{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return states, nil
	}
	if err := json.Unmarshal(data, &states); err != nil {
		if errors.Is(err, ErrInvalidStepState) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidStepState, err)
	}
	return states, nil
}
