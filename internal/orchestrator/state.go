package orchestrator

import (
	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/steps"
)

// ResumeIndex возвращает индекс первого шага, который ещё не
// completed и не skipped. len(defs) - все шаги завершены.
//
// Шаги завершаются строго по порядку, поэтому всё до индекса
// считается выполненным, даже если run прерывался.
func ResumeIndex(defs []*steps.Definition, states domain.StepStates) int {
	for i, def := range defs {
		if !states.Get(def.Name).Status.IsDone() {
			return i
		}
	}
	return len(defs)
}

// InFlightStep возвращает шаг, на котором run прервался в статусе running.
func InFlightStep(defs []*steps.Definition, states domain.StepStates) (*steps.Definition, bool) {
	i := ResumeIndex(defs, states)
	if i == len(defs) {
		return nil, false
	}
	if states.Get(defs[i].Name).Status != domain.StepStatusRunning {
		return nil, false
	}
	return defs[i], true
}

// Progress - сводка выполнения run по реестру.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// RunProgress считает шаги run по статусам.
func RunProgress(defs []*steps.Definition, states domain.StepStates) Progress {
	p := Progress{Total: len(defs)}
	for _, def := range defs {
		switch states.Get(def.Name).Status {
		case domain.StepStatusCompleted:
			p.Completed++
		case domain.StepStatusSkipped:
			p.Skipped++
		case domain.StepStatusFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	return p
}
