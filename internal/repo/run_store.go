package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/Harvester/internal/domain"
)

// PGStore - RunStore поверх PostgreSQL.
type PGStore struct {
	db  DB
	now func() time.Time
}

// NewPGStore создаёт новый PGStore.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

var _ RunStore = (*PGStore)(nil)

const runColumns = `id, status, current_step, step_states, include_instagram, triggered_by,
	config_snapshot, created_at, started_at, completed_at, error, claimed_by,
	heartbeat_at, resume_count, cancel_requested`

// TryEnqueueRun вставляет queued run.
//
// Частичный уникальный индекс pipeline_runs_single_active не даёт
// вставить второй активный run: ON CONFLICT DO NOTHING возвращает
// пустой результат, и мы отдаём nil без ошибки.
func (s *PGStore) TryEnqueueRun(ctx context.Context, triggeredBy string, snapshot domain.Settings, includeInstagram bool) (*domain.Run, error) {
	run := domain.NewRun(triggeredBy, snapshot, includeInstagram)

	snapshotJSON, err := json.Marshal(run.ConfigSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}

	query := `
		INSERT INTO pipeline_runs (id, status, step_states, include_instagram, triggered_by, config_snapshot, created_at)
		VALUES ($1, 'queued', '{}'::jsonb, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING ` + runColumns

	created, err := scanRun(s.db.QueryRow(ctx, query,
		run.ID,
		run.IncludeInstagram,
		run.TriggeredBy,
		snapshotJSON,
		run.CreatedAt,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	return created, nil
}

// ClaimNextQueued забирает run одним UPDATE ... WHERE id = (SELECT ... FOR UPDATE SKIP LOCKED).
//
// Конкурирующие воркеры пропускают заблокированную строку и получают
// nil. Перезахват застрявшего running run увеличивает resume_count;
// run, отпущенный через Release (claimed_by IS NULL), забирается сразу
// и как resume не считается.
func (s *PGStore) ClaimNextQueued(ctx context.Context, workerID string, staleAfter time.Duration) (*domain.Run, error) {
	cutoff := s.now().Add(-staleAfter)

	query := `
		UPDATE pipeline_runs
		SET status = 'running',
		    started_at = COALESCE(started_at, now()),
		    heartbeat_at = now(),
		    claimed_by = $1,
		    resume_count = resume_count +
		        CASE WHEN status = 'running' AND claimed_by IS NOT NULL THEN 1 ELSE 0 END
		WHERE id = (
			SELECT id FROM pipeline_runs
			WHERE status = 'queued'
			   OR (status = 'running' AND claimed_by IS NULL)
			   OR (status = 'running' AND COALESCE(heartbeat_at, started_at, created_at) < $2)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + runColumns

	run, err := scanRun(s.db.QueryRow(ctx, query, workerID, cutoff))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// UpdateStepState сливает состояние шага через jsonb_set.
// Запись проходит, только пока workerID держит claim.
func (s *PGStore) UpdateStepState(ctx context.Context, runID uuid.UUID, workerID, step string, state domain.StepState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal step state: %w", err)
	}

	query := `
		UPDATE pipeline_runs
		SET step_states = jsonb_set(step_states, ARRAY[$2::text], $3::jsonb, true),
		    current_step = $2,
		    heartbeat_at = now()
		WHERE id = $1 AND status = 'running' AND claimed_by = $4
	`
	result, err := s.db.Exec(ctx, query, runID, step, stateJSON, workerID)
	if err != nil {
		return fmt.Errorf("update step state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("update step %s: %w", step, ErrInvalidState)
	}
	return nil
}

// Heartbeat обновляет heartbeat_at, пока воркер держит run.
func (s *PGStore) Heartbeat(ctx context.Context, runID uuid.UUID, workerID string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs SET heartbeat_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`, runID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("heartbeat: claim lost: %w", ErrInvalidState)
	}
	return nil
}

// Finalize переводит run, который держит workerID, в финальный статус.
func (s *PGStore) Finalize(ctx context.Context, runID uuid.UUID, workerID string, status domain.RunStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with %s: %w", status, ErrInvalidState)
	}

	result, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs
		SET status = $2, completed_at = now(), error = $3
		WHERE id = $1 AND status = 'running' AND claimed_by = $4
	`, runID, string(status), nullString(errMsg), workerID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("finalize run %s: %w", runID, ErrInvalidState)
	}
	return nil
}

// Release снимает claim: claimed_by и heartbeat_at обнуляются,
// следующий ClaimNextQueued заберёт run без ожидания staleness.
func (s *PGStore) Release(ctx context.Context, runID uuid.UUID, workerID string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE pipeline_runs SET claimed_by = NULL, heartbeat_at = NULL
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`, runID, workerID)
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("release run %s: %w", runID, ErrInvalidState)
	}
	return nil
}

// GetRun возвращает run по ID.
func (s *PGStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	return scanRun(s.db.QueryRow(ctx, query, id))
}

// ListRuns возвращает последние runs, новые первыми.
func (s *PGStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.Query(ctx, query, NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// RequestCancel отменяет run.
//
// queued → cancelled сразу; running → cancel_requested = true,
// supervisor остановит run на границе шагов.
func (s *PGStore) RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `
		UPDATE pipeline_runs
		SET cancel_requested = true,
		    completed_at = CASE WHEN status = 'queued' THEN now() ELSE completed_at END,
		    status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING ` + runColumns

	run, err := scanRun(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		// Отличаем "нет такого run" от "run уже завершён"
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("cancel run %s: %w", id, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	return run, nil
}

// IsCancelRequested возвращает флаг отмены run.
func (s *PGStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx, `SELECT cancel_requested FROM pipeline_runs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check cancel: %w", err)
	}
	return requested, nil
}

// --- Helpers ---

// scanRun сканирует одну строку в Run. Подходит и для pgx.Row, и для pgx.Rows.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var (
		run          domain.Run
		status       string
		currentStep  *string
		statesJSON   []byte
		snapshotJSON []byte
		runError     *string
		claimedBy    *string
	)

	err := row.Scan(
		&run.ID,
		&status,
		&currentStep,
		&statesJSON,
		&run.IncludeInstagram,
		&run.TriggeredBy,
		&snapshotJSON,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&runError,
		&claimedBy,
		&run.HeartbeatAt,
		&run.ResumeCount,
		&run.CancelRequested,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Status = domain.RunStatus(status)
	if !run.Status.Valid() {
		return nil, fmt.Errorf("scan run %s: unknown status %q: %w", run.ID, status, ErrInvalidState)
	}

	states, err := domain.DecodeStepStates(statesJSON)
	if err != nil {
		return nil, fmt.Errorf("run %s step_states: %w", run.ID, err)
	}
	run.StepStates = states

	if len(snapshotJSON) > 0 {
		if err := json.Unmarshal(snapshotJSON, &run.ConfigSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal config snapshot: %w", err)
		}
	}

	if currentStep != nil {
		run.CurrentStep = *currentStep
	}
	if runError != nil {
		run.Error = *runError
	}
	if claimedBy != nil {
		run.ClaimedBy = *claimedBy
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
