package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo/memory"
)

type recordingNotifier struct {
	mu   sync.Mutex
	runs []uuid.UUID
}

func (n *recordingNotifier) PublishRunPending(_ context.Context, runID uuid.UUID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, runID)
	return nil
}

func enabledStore(t *testing.T, nextRunAt *time.Time) *memory.Store {
	t.Helper()
	store := memory.New()
	settings := domain.DefaultSettings()
	settings.IsEnabled = true
	settings.RunIntervalHours = 48
	settings.NextRunAt = nextRunAt
	if err := store.UpdateSettings(context.Background(), &settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	return store
}

func TestAdvance_PastDueEnqueuesAndPushesNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	store := enabledStore(t, &past)
	notifier := &recordingNotifier{}
	adv := New(Config{Store: store, Notifier: notifier})

	res, err := adv.Advance(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.Enqueued || res.Reason != ReasonEnqueued || res.Run == nil {
		t.Fatalf("expected enqueued run, got %+v", res)
	}
	want := now.Add(48 * time.Hour)
	if res.NextRunAt == nil || !res.NextRunAt.Equal(want) {
		t.Errorf("expected next_run_at %v, got %v", want, res.NextRunAt)
	}
	if res.Run.TriggeredBy != domain.TriggerCron || res.Run.Status != domain.RunStatusQueued {
		t.Errorf("unexpected run: %+v", res.Run)
	}

	settings, _ := store.GetSettings(context.Background())
	if settings.NextRunAt == nil || !settings.NextRunAt.Equal(want) {
		t.Errorf("stored next_run_at should be %v, got %v", want, settings.NextRunAt)
	}
	if len(notifier.runs) != 1 || notifier.runs[0] != res.Run.ID {
		t.Errorf("expected run.pending for %s, got %v", res.Run.ID, notifier.runs)
	}
}

func TestAdvance_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	store := enabledStore(t, &past)
	adv := New(Config{Store: store})

	first, err := adv.Advance(context.Background(), now)
	if err != nil || !first.Enqueued {
		t.Fatalf("first advance: %+v %v", first, err)
	}

	second, err := adv.Advance(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Enqueued || second.Reason != ReasonNotDue {
		t.Errorf("second advance should be not_due, got %+v", second)
	}

	runs, _ := store.ListRuns(context.Background(), 10)
	if len(runs) != 1 {
		t.Errorf("expected exactly one run, got %d", len(runs))
	}
}

func TestAdvance_Disabled(t *testing.T) {
	store := memory.New()
	adv := New(Config{Store: store})

	res, err := adv.Advance(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Enqueued || res.Reason != ReasonDisabled {
		t.Errorf("expected disabled, got %+v", res)
	}
}

func TestAdvance_NilNextRunIsDue(t *testing.T) {
	store := enabledStore(t, nil)
	adv := New(Config{Store: store})

	res, err := adv.Advance(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Enqueued {
		t.Errorf("expected enqueued, got %+v", res)
	}
}

func TestAdvance_ActiveRunKeepsNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	store := enabledStore(t, &past)
	adv := New(Config{Store: store})

	if _, err := adv.Trigger(context.Background(), TriggerRequest{}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	res, err := adv.Advance(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Enqueued || res.Reason != ReasonActiveRun {
		t.Errorf("expected active_run, got %+v", res)
	}

	settings, _ := store.GetSettings(context.Background())
	if settings.NextRunAt == nil || !settings.NextRunAt.Equal(past) {
		t.Errorf("next_run_at must not move, got %v", settings.NextRunAt)
	}
}

func TestAdvance_ConcurrentCallsEnqueueOnce(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	store := enabledStore(t, &past)
	adv := New(Config{Store: store})

	var enqueued atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := adv.Advance(context.Background(), now)
			if err != nil {
				t.Errorf("advance: %v", err)
				return
			}
			if res.Enqueued {
				enqueued.Add(1)
			}
		}()
	}
	wg.Wait()

	if enqueued.Load() != 1 {
		t.Errorf("expected exactly one enqueue, got %d", enqueued.Load())
	}
}

func TestTrigger_ConflictWhenActive(t *testing.T) {
	store := memory.New()
	adv := New(Config{Store: store})

	include := true
	run, err := adv.Trigger(context.Background(), TriggerRequest{TriggeredBy: "ops@example.com", IncludeInstagram: &include})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.TriggeredBy != "ops@example.com" || !run.IncludeInstagram {
		t.Errorf("unexpected run: %+v", run)
	}

	_, err = adv.Trigger(context.Background(), TriggerRequest{})
	if !errors.Is(err, ErrActiveRun) {
		t.Errorf("expected ErrActiveRun, got %v", err)
	}
}

func TestTrigger_DefaultsFromSettings(t *testing.T) {
	store := memory.New()
	settings := domain.DefaultSettings()
	settings.IncludeInstagram = true
	settings.Limits[domain.LimitEnrichWorkers] = 7
	if err := store.UpdateSettings(context.Background(), &settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	adv := New(Config{Store: store})

	run, err := adv.Trigger(context.Background(), TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.TriggeredBy != domain.TriggerManual {
		t.Errorf("expected manual, got %s", run.TriggeredBy)
	}
	if !run.IncludeInstagram {
		t.Error("include_instagram should come from settings")
	}
	if run.Limit(domain.LimitEnrichWorkers) != 7 {
		t.Errorf("snapshot should carry limits, got %d", run.Limit(domain.LimitEnrichWorkers))
	}
}

// --- Cron Tests ---

func TestValidateCron(t *testing.T) {
	valid := []string{"@hourly", "@every 10m", "0 * * * *", "*/15 6-22 * * 1-5"}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Errorf("%q should be valid: %v", expr, err)
		}
	}

	invalid := []string{"", "* * *", "61 * * * *", "@sometimes"}
	for _, expr := range invalid {
		if err := ValidateCron(expr); !errors.Is(err, ErrInvalidCron) {
			t.Errorf("%q: expected ErrInvalidCron, got %v", expr, err)
		}
	}
}

func TestNextTick(t *testing.T) {
	from := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, err := NextTick("@hourly", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

// --- Loop Tests ---

type fakeLocker struct {
	leader   bool
	err      error
	unlocked bool
}

func (l *fakeLocker) TryLock(context.Context) (bool, error) { return l.leader, l.err }
func (l *fakeLocker) Unlock(context.Context) error {
	l.unlocked = true
	return nil
}

func TestLoop_TickRequiresLeadership(t *testing.T) {
	store := enabledStore(t, nil)
	adv := New(Config{Store: store})
	locker := &fakeLocker{}

	loop, err := NewLoop(adv, locker, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loop.Tick(context.Background()) {
		t.Error("non-leader must not advance")
	}
	if runs, _ := store.ListRuns(context.Background(), 10); len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}

	locker.leader = true
	if !loop.Tick(context.Background()) {
		t.Error("leader should advance")
	}
	if runs, _ := store.ListRuns(context.Background(), 10); len(runs) != 1 {
		t.Errorf("expected one run, got %d", len(runs))
	}

	locker.err = errors.New("db down")
	if loop.Tick(context.Background()) {
		t.Error("lock error should skip the tick")
	}
}

func TestLoop_RunStopsAndUnlocks(t *testing.T) {
	adv := New(Config{Store: memory.New()})
	locker := &fakeLocker{leader: true}

	loop, err := NewLoop(adv, locker, "@every 1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if !locker.unlocked {
		t.Error("lock should be released on stop")
	}
}

func TestNewLoop_InvalidCron(t *testing.T) {
	_, err := NewLoop(New(Config{Store: memory.New()}), nil, "nope")
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("expected ErrInvalidCron, got %v", err)
	}
}
