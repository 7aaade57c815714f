package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/orchestrator"
	"github.com/shaiso/Harvester/internal/scheduler"
	"github.com/shaiso/Harvester/internal/steps"
)

// Run DTOs

// TriggerRunRequest - запрос на ручной запуск.
type TriggerRunRequest struct {
	TriggeredBy      string `json:"triggered_by,omitempty"`
	IncludeInstagram *bool  `json:"include_instagram,omitempty"`
}

// RunResponse - ответ с run.
type RunResponse struct {
	ID               uuid.UUID              `json:"id"`
	Status           domain.RunStatus       `json:"status"`
	CurrentStep      string                 `json:"current_step,omitempty"`
	StepStates       domain.StepStates      `json:"step_states"`
	IncludeInstagram bool                   `json:"include_instagram"`
	TriggeredBy      string                 `json:"triggered_by"`
	ConfigSnapshot   domain.Settings        `json:"config_snapshot"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	DurationMs       int64                  `json:"duration_ms,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ClaimedBy        string                 `json:"claimed_by,omitempty"`
	HeartbeatAt      *time.Time             `json:"heartbeat_at,omitempty"`
	ResumeCount      int                    `json:"resume_count"`
	CancelRequested  bool                   `json:"cancel_requested,omitempty"`
	Progress         *orchestrator.Progress `json:"progress,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
// registry может быть nil - тогда progress не считается.
func RunFromDomain(r domain.Run, registry *steps.Registry) RunResponse {
	resp := RunResponse{
		ID:               r.ID,
		Status:           r.Status,
		CurrentStep:      r.CurrentStep,
		StepStates:       r.StepStates,
		IncludeInstagram: r.IncludeInstagram,
		TriggeredBy:      r.TriggeredBy,
		ConfigSnapshot:   r.ConfigSnapshot,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		DurationMs:       r.Duration().Milliseconds(),
		Error:            r.Error,
		ClaimedBy:        r.ClaimedBy,
		HeartbeatAt:      r.HeartbeatAt,
		ResumeCount:      r.ResumeCount,
		CancelRequested:  r.CancelRequested,
	}
	if resp.StepStates == nil {
		resp.StepStates = domain.StepStates{}
	}
	if registry != nil {
		p := orchestrator.RunProgress(registry.Steps(), r.StepStates)
		resp.Progress = &p
	}
	return resp
}

// Advance DTOs

// AdvanceResponse - итог одного решения Advance.
type AdvanceResponse struct {
	Enqueued  bool         `json:"enqueued"`
	Reason    string       `json:"reason"`
	NextRunAt *time.Time   `json:"next_run_at,omitempty"`
	Run       *RunResponse `json:"run,omitempty"`
}

// AdvanceFromResult конвертирует scheduler.Result в AdvanceResponse.
func AdvanceFromResult(res scheduler.Result) AdvanceResponse {
	resp := AdvanceResponse{
		Enqueued:  res.Enqueued,
		Reason:    res.Reason,
		NextRunAt: res.NextRunAt,
	}
	if res.Run != nil {
		run := RunFromDomain(*res.Run, nil)
		resp.Run = &run
	}
	return resp
}

// Step DTOs

// StepResponse - описание шага реестра.
type StepResponse struct {
	Name       string   `json:"name"`
	Ordinal    int      `json:"ordinal"`
	Optional   bool     `json:"optional"`
	InProcess  bool     `json:"in_process"`
	Configured bool     `json:"configured"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Timeout    string   `json:"timeout"`
}

// StepFromDefinition конвертирует steps.Definition в StepResponse.
func StepFromDefinition(d *steps.Definition) StepResponse {
	return StepResponse{
		Name:       d.Name,
		Ordinal:    d.Ordinal,
		Optional:   d.Optional,
		InProcess:  d.InProcess(),
		Configured: d.Configured(),
		Command:    d.Command,
		Args:       d.Args,
		Timeout:    d.EffectiveTimeout().String(),
	}
}
