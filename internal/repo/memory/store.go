// Package memory реализует repo.RunStore в памяти процесса.
//
// Используется в тестах и в dev-режиме (--store=memory). Семантика
// совпадает с PGStore: один активный run, эксклюзивный claim,
// перезахват по устаревшему heartbeat, записи только от владельца claim.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo"
)

// Store - потокобезопасное in-memory хранилище.
type Store struct {
	mu       sync.Mutex
	settings domain.Settings
	runs     map[uuid.UUID]*domain.Run
	now      func() time.Time
}

var _ repo.RunStore = (*Store)(nil)

// New создаёт хранилище с настройками по умолчанию.
func New() *Store {
	return &Store{
		settings: domain.DefaultSettings(),
		runs:     make(map[uuid.UUID]*domain.Run),
		now:      time.Now,
	}
}

// SetClock подменяет источник времени (для тестов).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) GetSettings(_ context.Context) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.settings.Clone()
	return &out, nil
}

func (s *Store) UpdateSettings(_ context.Context, settings *domain.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !settings.UpdatedAt.Equal(s.settings.UpdatedAt) {
		return fmt.Errorf("update settings: %w", repo.ErrConflict)
	}
	next := settings.Clone()
	next.UpdatedAt = s.touchSettings()
	s.settings = next
	settings.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *Store) AdvanceNextRun(_ context.Context, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := next.UTC()
	s.settings.NextRunAt = &t
	s.settings.UpdatedAt = s.touchSettings()
	return nil
}

// touchSettings возвращает новый updated_at, строго больше текущего,
// даже если часы стоят на месте. Вызывать под mu.
func (s *Store) touchSettings() time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.settings.UpdatedAt) {
		now = s.settings.UpdatedAt.Add(time.Microsecond)
	}
	return now
}

func (s *Store) TryEnqueueRun(_ context.Context, triggeredBy string, snapshot domain.Settings, includeInstagram bool) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Status.IsActive() {
			return nil, nil
		}
	}

	run := domain.NewRun(triggeredBy, snapshot, includeInstagram)
	run.CreatedAt = s.now().UTC()
	s.runs[run.ID] = run
	return cloneRun(run), nil
}

func (s *Store) ClaimNextQueued(_ context.Context, workerID string, staleAfter time.Duration) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cutoff := now.Add(-staleAfter)

	var candidate *domain.Run
	for _, r := range s.sortedRuns() {
		if r.Status == domain.RunStatusQueued {
			candidate = r
			break
		}
		if r.Status == domain.RunStatusRunning && (r.ClaimedBy == "" || lastSeen(r).Before(cutoff)) {
			candidate = r
			break
		}
	}
	if candidate == nil {
		return nil, nil
	}

	// Отпущенный через Release run - не resume.
	if candidate.Status == domain.RunStatusRunning && candidate.ClaimedBy != "" {
		candidate.ResumeCount++
	}
	candidate.Status = domain.RunStatusRunning
	if candidate.StartedAt == nil {
		candidate.StartedAt = &now
	}
	hb := now
	candidate.HeartbeatAt = &hb
	candidate.ClaimedBy = workerID

	return cloneRun(candidate), nil
}

func (s *Store) UpdateStepState(_ context.Context, runID uuid.UUID, workerID, step string, state domain.StepState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if !ownedBy(r, workerID) {
		return fmt.Errorf("update step %s: %w", step, repo.ErrInvalidState)
	}

	r.StepStates[step] = state
	r.CurrentStep = step
	now := s.now().UTC()
	r.HeartbeatAt = &now
	return nil
}

func (s *Store) Heartbeat(_ context.Context, runID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if !ownedBy(r, workerID) {
		return fmt.Errorf("heartbeat: claim lost: %w", repo.ErrInvalidState)
	}
	now := s.now().UTC()
	r.HeartbeatAt = &now
	return nil
}

func (s *Store) Finalize(_ context.Context, runID uuid.UUID, workerID string, status domain.RunStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with %s: %w", status, repo.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if !ownedBy(r, workerID) {
		return fmt.Errorf("finalize run %s: %w", runID, repo.ErrInvalidState)
	}

	now := s.now().UTC()
	r.Status = status
	r.CompletedAt = &now
	r.Error = errMsg
	return nil
}

func (s *Store) Release(_ context.Context, runID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return repo.ErrNotFound
	}
	if !ownedBy(r, workerID) {
		return fmt.Errorf("release run %s: %w", runID, repo.ErrInvalidState)
	}
	r.ClaimedBy = ""
	r.HeartbeatAt = nil
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := s.sortedRuns()
	limit = repo.NormalizeLimit(limit)

	runs := make([]domain.Run, 0, limit)
	for i := len(sorted) - 1; i >= 0 && len(runs) < limit; i-- {
		runs = append(runs, *cloneRun(sorted[i]))
	}
	return runs, nil
}

func (s *Store) RequestCancel(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}

	switch r.Status {
	case domain.RunStatusQueued:
		now := s.now().UTC()
		r.Status = domain.RunStatusCancelled
		r.CompletedAt = &now
		r.CancelRequested = true
	case domain.RunStatusRunning:
		r.CancelRequested = true
	default:
		return nil, fmt.Errorf("cancel run %s: %w", id, repo.ErrInvalidState)
	}
	return cloneRun(r), nil
}

func (s *Store) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	return r.CancelRequested, nil
}

// Put кладёт run как есть (для подготовки сценариев в тестах).
func (s *Store) Put(run *domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
}

// sortedRuns возвращает runs по возрастанию created_at. Вызывать под mu.
func (s *Store) sortedRuns() []*domain.Run {
	out := make([]*domain.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func ownedBy(r *domain.Run, workerID string) bool {
	return r.Status == domain.RunStatusRunning && workerID != "" && r.ClaimedBy == workerID
}

func lastSeen(r *domain.Run) time.Time {
	switch {
	case r.HeartbeatAt != nil:
		return *r.HeartbeatAt
	case r.StartedAt != nil:
		return *r.StartedAt
	default:
		return r.CreatedAt
	}
}

func cloneRun(r *domain.Run) *domain.Run {
	out := *r
	out.StepStates = make(domain.StepStates, len(r.StepStates))
	for k, v := range r.StepStates {
		out.StepStates[k] = v
	}
	out.ConfigSnapshot = r.ConfigSnapshot.Clone()
	return &out
}
