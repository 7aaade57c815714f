package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo"
	"github.com/shaiso/Harvester/internal/repo/memory"
	"github.com/shaiso/Harvester/internal/steps"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
	Error *ErrorDetail    `json:"error"`
}

type testAPI struct {
	mux   *http.ServeMux
	store *memory.Store
}

func newTestAPI(t *testing.T, token string) *testAPI {
	t.Helper()
	store := memory.New()
	return newTestAPIWithStore(t, token, store, store)
}

func newTestAPIWithStore(t *testing.T, token string, backend repo.RunStore, store *memory.Store) *testAPI {
	t.Helper()

	noop := steps.UnitFunc(func(context.Context, *domain.Run, io.Writer) error { return nil })
	registry, err := steps.Pipeline(nil, noop)
	require.NoError(t, err)

	h := NewHandler(Config{
		Store:        backend,
		Registry:     registry,
		AdvanceToken: token,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testAPI{mux: mux, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, body string, header ...string) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestTriggerRun_CreatedThenConflict(t *testing.T) {
	a := newTestAPI(t, "")

	code, env := a.do(t, http.MethodPost, "/api/v1/runs", `{"include_instagram": true, "triggered_by": "ops"}`)
	require.Equal(t, http.StatusCreated, code)

	var run RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, "ops", run.TriggeredBy)
	assert.True(t, run.IncludeInstagram)
	require.NotNil(t, run.Progress)
	assert.Equal(t, 6, run.Progress.Total)
	assert.Equal(t, 6, run.Progress.Pending)

	code, env = a.do(t, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeConflict, env.Error.Code)
}

func TestTriggerRun_InvalidBody(t *testing.T) {
	a := newTestAPI(t, "")

	code, env := a.do(t, http.MethodPost, "/api/v1/runs", `{"flow_id": "x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeBadRequest, env.Error.Code)
}

func TestListAndGetRuns(t *testing.T) {
	a := newTestAPI(t, "")

	code, env := a.do(t, http.MethodPost, "/api/v1/runs", "")
	require.Equal(t, http.StatusCreated, code)
	var created RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))

	code, env = a.do(t, http.MethodGet, "/api/v1/runs?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	var runs []RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, created.ID, runs[0].ID)
	assert.Equal(t, 1, env.Total)

	code, env = a.do(t, http.MethodGet, "/api/v1/runs/"+created.ID.String(), "")
	require.Equal(t, http.StatusOK, code)
	var got RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, created.ID, got.ID)

	code, _ = a.do(t, http.MethodGet, "/api/v1/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = a.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeNotFound, env.Error.Code)
}

func TestCancelRun(t *testing.T) {
	a := newTestAPI(t, "")

	_, env := a.do(t, http.MethodPost, "/api/v1/runs", "")
	var created RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))

	code, env := a.do(t, http.MethodPost, "/api/v1/runs/"+created.ID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, code)
	var cancelled RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &cancelled))
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)

	code, env = a.do(t, http.MethodPost, "/api/v1/runs/"+created.ID.String()+"/cancel", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeInvalidState, env.Error.Code)

	// После отмены можно запустить снова.
	code, _ = a.do(t, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusCreated, code)
}

func TestAdvance_TokenAndDecision(t *testing.T) {
	a := newTestAPI(t, "s3cret")

	code, env := a.do(t, http.MethodPost, "/api/v1/advance", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrCodeUnauthorized, env.Error.Code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/advance", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env = a.do(t, http.MethodPost, "/api/v1/advance", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
	var res AdvanceResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Enqueued)
	assert.Equal(t, "disabled", res.Reason)

	code, _ = a.do(t, http.MethodPatch, "/api/v1/settings", `{"is_enabled": true}`)
	require.Equal(t, http.StatusOK, code)

	code, env = a.do(t, http.MethodPost, "/api/v1/advance", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Enqueued)
	assert.Equal(t, "enqueued", res.Reason)
	require.NotNil(t, res.Run)
	assert.Equal(t, domain.TriggerCron, res.Run.TriggeredBy)
	assert.NotNil(t, res.NextRunAt)

	code, env = a.do(t, http.MethodPost, "/api/v1/advance", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Enqueued)
	assert.Equal(t, "not_due", res.Reason)
}

func TestSettings_GetAndPatch(t *testing.T) {
	a := newTestAPI(t, "")

	code, env := a.do(t, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, code)
	var settings domain.Settings
	require.NoError(t, json.Unmarshal(env.Data, &settings))
	assert.False(t, settings.IsEnabled)
	assert.Equal(t, 48, settings.RunIntervalHours)

	code, env = a.do(t, http.MethodPatch, "/api/v1/settings", `{"run_interval_hours": 24, "limits": {"enrich_workers": 8}}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &settings))
	assert.Equal(t, 24, settings.RunIntervalHours)
	assert.Equal(t, 8, settings.Limits[domain.LimitEnrichWorkers])
	assert.Equal(t, 500, settings.Limits[domain.LimitDedupeBatchSize])

	stored, err := a.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, stored.RunIntervalHours)
}

// advancingStore сдвигает next_run_at сразу после первого чтения настроек,
// как будто Advancer успел записать между чтением и записью PATCH.
type advancingStore struct {
	*memory.Store
	next time.Time
	once sync.Once
}

func (s *advancingStore) GetSettings(ctx context.Context) (*domain.Settings, error) {
	settings, err := s.Store.GetSettings(ctx)
	s.once.Do(func() {
		_ = s.Store.AdvanceNextRun(ctx, s.next)
	})
	return settings, err
}

func TestSettings_PatchKeepsConcurrentAdvance(t *testing.T) {
	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := &advancingStore{Store: memory.New(), next: next}
	a := newTestAPIWithStore(t, "", backend, backend.Store)

	code, env := a.do(t, http.MethodPatch, "/api/v1/settings", `{"is_enabled": true}`)
	require.Equal(t, http.StatusOK, code)
	var settings domain.Settings
	require.NoError(t, json.Unmarshal(env.Data, &settings))
	assert.True(t, settings.IsEnabled)

	stored, err := a.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.IsEnabled)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, next.Equal(*stored.NextRunAt), "advanced next_run_at must survive the patch")
}

func TestSettings_ClearNextRunAt(t *testing.T) {
	a := newTestAPI(t, "")
	require.NoError(t, a.store.AdvanceNextRun(context.Background(), time.Now().Add(time.Hour)))

	code, _ := a.do(t, http.MethodPatch, "/api/v1/settings", `{"clear_next_run_at": true}`)
	require.Equal(t, http.StatusOK, code)

	stored, err := a.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored.NextRunAt)

	code, env := a.do(t, http.MethodPatch, "/api/v1/settings",
		`{"clear_next_run_at": true, "next_run_at": "2026-03-01T12:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	if assert.NotNil(t, env.Error) {
		assert.Equal(t, ErrCodeBadRequest, env.Error.Code)
	}
}

func TestListRuns_Limits(t *testing.T) {
	a := newTestAPI(t, "")
	base := time.Now().Add(-time.Hour).UTC()
	for i := range 105 {
		run := domain.NewRun(domain.TriggerManual, domain.DefaultSettings(), false)
		run.Status = domain.RunStatusCompleted
		run.CreatedAt = base.Add(time.Duration(i) * time.Second)
		a.store.Put(run)
	}

	code, env := a.do(t, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, code)
	var runs []RunResponse
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	assert.Len(t, runs, repo.DefaultListLimit)

	code, env = a.do(t, http.MethodGet, "/api/v1/runs?limit=300", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	assert.Len(t, runs, repo.MaxListLimit)
}

func TestSettings_PatchValidation(t *testing.T) {
	a := newTestAPI(t, "")

	bodies := []string{
		`{"run_interval_hours": 0}`,
		`{"limits": {"enrich_workers": -1}}`,
		`{"limits": {"unknown_limit": 5}}`,
		`{"is_enabled": "yes"}`,
	}
	for _, body := range bodies {
		code, env := a.do(t, http.MethodPatch, "/api/v1/settings", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		if assert.NotNil(t, env.Error, body) {
			assert.Equal(t, ErrCodeBadRequest, env.Error.Code)
		}
	}

	stored, err := a.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 48, stored.RunIntervalHours)
}

func TestListSteps(t *testing.T) {
	a := newTestAPI(t, "")

	code, env := a.do(t, http.MethodGet, "/api/v1/steps", "")
	require.Equal(t, http.StatusOK, code)

	var list []StepResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 6)

	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.Name
		assert.Equal(t, i, s.Ordinal)
	}
	assert.Equal(t, []string{
		steps.StepEventScrape,
		steps.StepInstagramScrape,
		steps.StepEventProcess,
		steps.StepEventEnrich,
		steps.StepVenueDedupe,
		steps.StepEventBackfill,
	}, names)
	assert.True(t, list[1].Optional)
	assert.True(t, list[4].InProcess)
	assert.Equal(t, "10m0s", list[4].Timeout)
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Chain(Recovery(logger), Logging(logger))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(ErrCodeInternalError))
}
