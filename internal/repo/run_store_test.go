package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Harvester/internal/domain"
)

var runCols = []string{
	"id", "status", "current_step", "step_states", "include_instagram", "triggered_by",
	"config_snapshot", "created_at", "started_at", "completed_at", "error", "claimed_by",
	"heartbeat_at", "resume_count", "cancel_requested",
}

func newMockStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPGStore(mock), mock
}

func runRow(mock pgxmock.PgxPoolIface, id uuid.UUID, status string, states string, resumeCount int) *pgxmock.Rows {
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	claimedBy := "worker-1"
	return mock.NewRows(runCols).AddRow(
		id, status, nil, []byte(states), false, "cron",
		[]byte(`{"is_enabled":true,"run_interval_hours":48,"include_instagram":false,"limits":{"enrich_workers":4},"updated_at":"2026-04-01T00:00:00Z"}`),
		created, &started, nil, nil, &claimedBy,
		&started, resumeCount, false,
	)
}

func TestTryEnqueueRun_Inserted(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectQuery("INSERT INTO pipeline_runs").
		WithArgs(pgxmock.AnyArg(), true, "manual", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(runRow(mock, id, "queued", `{}`, 0))

	run, err := store.TryEnqueueRun(context.Background(), "manual", domain.DefaultSettings(), true)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, 4, run.Limit(domain.LimitEnrichWorkers))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryEnqueueRun_ActiveRunExists(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO pipeline_runs").
		WithArgs(pgxmock.AnyArg(), false, "cron", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows(runCols))

	run, err := store.TryEnqueueRun(context.Background(), "cron", domain.DefaultSettings(), false)
	require.NoError(t, err)
	assert.Nil(t, run)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextQueued(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	id := uuid.New()
	states := `{"event_scrape":{"status":"completed","attempt":1,"exit_code":0},"event_process":{"status":"running","attempt":1}}`
	mock.ExpectQuery(`UPDATE pipeline_runs(?s).*claimed_by IS NOT NULL.*claimed_by IS NULL.*FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-1", now.Add(-30*time.Minute)).
		WillReturnRows(runRow(mock, id, "running", states, 1))

	run, err := store.ClaimNextQueued(context.Background(), "worker-1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.ResumeCount)
	assert.Equal(t, "worker-1", run.ClaimedBy)
	assert.Equal(t, domain.StepStatusRunning, run.StepStates.Get("event_process").Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextQueued_Nothing(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE pipeline_runs").
		WithArgs("worker-1", pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows(runCols))

	run, err := store.ClaimNextQueued(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestGetRun_InvalidStepStates(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_runs WHERE id").
		WithArgs(id).
		WillReturnRows(runRow(mock, id, "running", `{"event_scrape":{"status":"melted"}}`, 0))

	_, err := store.GetRun(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrInvalidStepState)
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM pipeline_runs WHERE id").
		WithArgs(id).
		WillReturnRows(mock.NewRows(runCols))

	_, err := store.GetRun(context.Background(), id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStepState(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	code := 0
	state := domain.StepState{Status: domain.StepStatusCompleted, Attempt: 1, ExitCode: &code}

	mock.ExpectExec(`UPDATE pipeline_runs(?s).*claimed_by = \$4`).
		WithArgs(id, "event_scrape", []byte(`{"status":"completed","attempt":1,"exit_code":0}`), "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateStepState(context.Background(), id, "worker-1", "event_scrape", state))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStepState_NotRunning(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE pipeline_runs").
		WithArgs(pgxmock.AnyArg(), "event_scrape", pgxmock.AnyArg(), "worker-old").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateStepState(context.Background(), uuid.New(), "worker-old", "event_scrape",
		domain.StepState{Status: domain.StepStatusRunning, Attempt: 1})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestUpdateStepState_RejectsInvalid(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	err := store.UpdateStepState(context.Background(), uuid.New(), "worker-1", "event_scrape", domain.StepState{Status: "weird"})
	require.ErrorIs(t, err, domain.ErrInvalidStepState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	errMsg := "step event_process failed"
	mock.ExpectExec("UPDATE pipeline_runs").
		WithArgs(id, "failed", &errMsg, "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.Finalize(context.Background(), id, "worker-1", domain.RunStatusFailed, errMsg))

	err := store.Finalize(context.Background(), id, "worker-1", domain.RunStatusQueued, "")
	require.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_ClaimLost(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE pipeline_runs(?s).*claimed_by = \$4`).
		WithArgs(id, "completed", (*string)(nil), "worker-old").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.Finalize(context.Background(), id, "worker-old", domain.RunStatusCompleted, "")
	require.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectExec(`UPDATE pipeline_runs SET claimed_by = NULL, heartbeat_at = NULL`).
		WithArgs(id, "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE pipeline_runs SET claimed_by = NULL`).
		WithArgs(id, "worker-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.Release(context.Background(), id, "worker-1"))
	require.ErrorIs(t, store.Release(context.Background(), id, "worker-2"), ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancel_AlreadyFinished(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectQuery("UPDATE pipeline_runs").
		WithArgs(id).
		WillReturnRows(mock.NewRows(runCols))
	mock.ExpectQuery("SELECT (.+) FROM pipeline_runs WHERE id").
		WithArgs(id).
		WillReturnRows(runRow(mock, id, "completed", `{}`, 0))

	_, err := store.RequestCancel(context.Background(), id)
	require.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	a, b := uuid.New(), uuid.New()
	rows := runRow(mock, a, "completed", `{}`, 0)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows.AddRow(b, "failed", nil, []byte(`{}`), true, "manual", []byte(`{}`),
		created, nil, nil, nil, nil, nil, 0, false)

	mock.ExpectQuery("SELECT (.+) FROM pipeline_runs ORDER BY created_at DESC").
		WithArgs(MaxListLimit).
		WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), 5000)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, a, runs[0].ID)
	assert.Equal(t, domain.RunStatusFailed, runs[1].Status)
	assert.True(t, runs[1].IncludeInstagram)
}

func TestSettings(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	updated := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT is_enabled").
		WillReturnRows(mock.NewRows([]string{"is_enabled", "run_interval_hours", "next_run_at", "include_instagram", "limits", "updated_at"}).
			AddRow(true, 48, nil, false, []byte(`{"enrich_workers":8}`), updated))

	s, err := store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, s.Limit(domain.LimitEnrichWorkers))
	assert.Equal(t, 500, s.Limit(domain.LimitDedupeBatchSize))
	assert.Nil(t, s.NextRunAt)

	s.RunIntervalHours = 0
	require.ErrorIs(t, store.UpdateSettings(context.Background(), s), domain.ErrInvalidSettings)

	next := updated.Add(48 * time.Hour)
	mock.ExpectExec("UPDATE pipeline_settings SET next_run_at").
		WithArgs(next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.AdvanceNextRun(context.Background(), next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSettings_VersionCheck(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	read := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	written := read.Add(time.Minute)
	s := domain.DefaultSettings()
	s.UpdatedAt = read

	mock.ExpectQuery(`UPDATE pipeline_settings(?s).*updated_at = \$6`).
		WithArgs(false, 48, (*time.Time)(nil), false, pgxmock.AnyArg(), read).
		WillReturnRows(mock.NewRows([]string{"updated_at"}).AddRow(written))
	require.NoError(t, store.UpdateSettings(context.Background(), &s))
	assert.Equal(t, written, s.UpdatedAt)

	// Строку успел изменить AdvanceNextRun: версия не совпала.
	stale := domain.DefaultSettings()
	stale.UpdatedAt = read
	mock.ExpectQuery("UPDATE pipeline_settings").
		WithArgs(false, 48, (*time.Time)(nil), false, pgxmock.AnyArg(), read).
		WillReturnRows(mock.NewRows([]string{"updated_at"}))
	mock.ExpectQuery("SELECT is_enabled").
		WillReturnRows(mock.NewRows([]string{"is_enabled", "run_interval_hours", "next_run_at", "include_instagram", "limits", "updated_at"}).
			AddRow(false, 48, &written, false, []byte(`{}`), written))
	require.ErrorIs(t, store.UpdateSettings(context.Background(), &stale), ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
}
