package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Harvester/internal/domain"
	"github.com/shaiso/Harvester/internal/repo"
)

func TestTryEnqueueRun_AtMostOneActive(t *testing.T) {
	store := New()
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := store.TryEnqueueRun(ctx, domain.TriggerCron, domain.DefaultSettings(), false)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if run != nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly 1 run enqueued, got %d", created.Load())
	}
}

func TestTryEnqueueRun_AfterTerminal(t *testing.T) {
	store := New()
	ctx := context.Background()

	first, _ := store.TryEnqueueRun(ctx, domain.TriggerManual, domain.DefaultSettings(), false)
	if first == nil {
		t.Fatal("first run should be created")
	}
	if _, err := store.ClaimNextQueued(ctx, "w", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finalize(ctx, first.ID, "w", domain.RunStatusFailed, "boom"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	second, _ := store.TryEnqueueRun(ctx, domain.TriggerManual, domain.DefaultSettings(), false)
	if second == nil {
		t.Error("a new run should be allowed after the previous one finished")
	}
}

func TestClaimNextQueued_Exclusive(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.TryEnqueueRun(ctx, domain.TriggerCron, domain.DefaultSettings(), false); err != nil {
		t.Fatal(err)
	}

	var claimed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := store.ClaimNextQueued(ctx, uuid.NewString(), time.Hour)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if run != nil {
				claimed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if claimed.Load() != 1 {
		t.Fatalf("expected exactly 1 claim, got %d", claimed.Load())
	}
}

func TestClaimNextQueued_ReclaimsStale(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	queued, _ := store.TryEnqueueRun(ctx, domain.TriggerCron, domain.DefaultSettings(), false)
	run, err := store.ClaimNextQueued(ctx, "worker-a", 30*time.Minute)
	if err != nil || run == nil || run.ID != queued.ID {
		t.Fatalf("worker-a should claim the run: %v", err)
	}
	if run.ResumeCount != 0 {
		t.Errorf("fresh claim should not count as resume, got %d", run.ResumeCount)
	}

	// heartbeat свежий: перезахват невозможен
	now = now.Add(10 * time.Minute)
	if again, _ := store.ClaimNextQueued(ctx, "worker-b", 30*time.Minute); again != nil {
		t.Fatal("live run must not be reclaimed")
	}

	// heartbeat устарел
	now = now.Add(time.Hour)
	again, err := store.ClaimNextQueued(ctx, "worker-b", 30*time.Minute)
	if err != nil || again == nil {
		t.Fatalf("stale run should be reclaimed: %v", err)
	}
	if again.ClaimedBy != "worker-b" {
		t.Errorf("expected claimed_by worker-b, got %s", again.ClaimedBy)
	}
	if again.ResumeCount != 1 {
		t.Errorf("expected resume_count 1, got %d", again.ResumeCount)
	}

	if err := store.Heartbeat(ctx, again.ID, "worker-a"); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("old owner heartbeat should fail with ErrInvalidState, got %v", err)
	}
}

func TestUpdateStepState(t *testing.T) {
	store := New()
	ctx := context.Background()

	queued, _ := store.TryEnqueueRun(ctx, domain.TriggerManual, domain.DefaultSettings(), false)

	st := domain.StepState{Status: domain.StepStatusRunning, Attempt: 1}
	if err := store.UpdateStepState(ctx, queued.ID, "w", "event_scrape", st); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("queued run should reject step updates, got %v", err)
	}

	run, _ := store.ClaimNextQueued(ctx, "w", time.Hour)
	for i := 0; i < 2; i++ {
		if err := store.UpdateStepState(ctx, run.ID, "w", "event_scrape", st); err != nil {
			t.Fatalf("update #%d: %v", i, err)
		}
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.CurrentStep != "event_scrape" {
		t.Errorf("expected current_step event_scrape, got %q", got.CurrentStep)
	}
	if got.StepStates.Get("event_scrape").Status != domain.StepStatusRunning {
		t.Error("step state should be stored")
	}

	bad := domain.StepState{Status: "bogus"}
	if err := store.UpdateStepState(ctx, run.ID, "w", "event_scrape", bad); !errors.Is(err, domain.ErrInvalidStepState) {
		t.Errorf("expected ErrInvalidStepState, got %v", err)
	}
}

func TestFinalize_RejectsNonTerminal(t *testing.T) {
	store := New()
	ctx := context.Background()
	run, _ := store.TryEnqueueRun(ctx, domain.TriggerManual, domain.DefaultSettings(), false)

	if err := store.Finalize(ctx, run.ID, "w", domain.RunStatusRunning, ""); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := store.Finalize(ctx, uuid.New(), "w", domain.RunStatusFailed, ""); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Finalize(ctx, run.ID, "w", domain.RunStatusFailed, ""); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("unclaimed run must not be finalized, got %v", err)
	}
}

func TestWrites_RequireClaimOwner(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	store.TryEnqueueRun(ctx, domain.TriggerCron, domain.DefaultSettings(), false)
	run, _ := store.ClaimNextQueued(ctx, "worker-a", 5*time.Minute)

	now = now.Add(10 * time.Minute)
	if again, _ := store.ClaimNextQueued(ctx, "worker-b", 5*time.Minute); again == nil {
		t.Fatal("stale run should be reclaimed by worker-b")
	}

	st := domain.StepState{Status: domain.StepStatusCompleted, Attempt: 1}
	if err := store.UpdateStepState(ctx, run.ID, "worker-a", "event_scrape", st); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("previous owner step update should fail, got %v", err)
	}
	if err := store.Finalize(ctx, run.ID, "worker-a", domain.RunStatusCompleted, ""); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("previous owner finalize should fail, got %v", err)
	}
	if err := store.Release(ctx, run.ID, "worker-a"); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("previous owner release should fail, got %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != domain.RunStatusRunning || got.ClaimedBy != "worker-b" {
		t.Errorf("run should stay with worker-b, got %s/%s", got.Status, got.ClaimedBy)
	}
	if got.StepStates.Get("event_scrape").Status != domain.StepStatusPending {
		t.Error("rejected step update must not be stored")
	}

	if err := store.Finalize(ctx, run.ID, "worker-b", domain.RunStatusCompleted, ""); err != nil {
		t.Errorf("owner finalize: %v", err)
	}
}

func TestRelease_ClaimableWithoutResume(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	queued, _ := store.TryEnqueueRun(ctx, domain.TriggerCron, domain.DefaultSettings(), false)
	store.ClaimNextQueued(ctx, "worker-a", 30*time.Minute)

	if err := store.Release(ctx, queued.ID, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, _ := store.GetRun(ctx, queued.ID)
	if released.Status != domain.RunStatusRunning || released.ClaimedBy != "" || released.HeartbeatAt != nil {
		t.Errorf("released run should be running without owner, got %+v", released)
	}

	// Без сдвига часов: отпущенный run не ждёт staleness.
	again, err := store.ClaimNextQueued(ctx, "worker-b", 30*time.Minute)
	if err != nil || again == nil {
		t.Fatalf("released run should be claimable at once: %v", err)
	}
	if again.ClaimedBy != "worker-b" || again.ResumeCount != 0 {
		t.Errorf("expected worker-b with resume_count 0, got %s/%d", again.ClaimedBy, again.ResumeCount)
	}
}

func TestRequestCancel(t *testing.T) {
	store := New()
	ctx := context.Background()

	queued, _ := store.TryEnqueueRun(ctx, domain.TriggerManual, domain.DefaultSettings(), false)
	cancelled, err := store.RequestCancel(ctx, queued.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != domain.RunStatusCancelled || cancelled.CompletedAt == nil {
		t.Error("queued run should be cancelled immediately")
	}

	if _, err := store.RequestCancel(ctx, queued.ID); !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("cancelling a finished run should fail, got %v", err)
	}

	store.TryEnqueueRun(ctx, domain.TriggerManual, domain.DefaultSettings(), false)
	running, _ := store.ClaimNextQueued(ctx, "w", time.Hour)
	got, err := store.RequestCancel(ctx, running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunStatusRunning {
		t.Error("running run should stay running until the step boundary")
	}
	if ok, _ := store.IsCancelRequested(ctx, running.ID); !ok {
		t.Error("cancel flag should be set")
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		r := domain.NewRun(domain.TriggerCron, domain.DefaultSettings(), false)
		r.Status = domain.RunStatusCompleted
		r.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		store.Put(r)
		ids = append(ids, r.ID)
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Error("runs should be ordered newest first")
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	s, _ := store.GetSettings(ctx)
	s.IsEnabled = true
	s.Limits[domain.LimitDedupeWorkers] = 6
	if err := store.UpdateSettings(ctx, s); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetSettings(ctx)
	if !got.IsEnabled || got.Limit(domain.LimitDedupeWorkers) != 6 {
		t.Error("settings should be persisted")
	}

	got.RunIntervalHours = -1
	if err := store.UpdateSettings(ctx, got); !errors.Is(err, domain.ErrInvalidSettings) {
		t.Errorf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestUpdateSettings_ConflictAfterAdvance(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	stale, _ := store.GetSettings(ctx)
	next := now.Add(48 * time.Hour)
	if err := store.AdvanceNextRun(ctx, next); err != nil {
		t.Fatal(err)
	}

	stale.IsEnabled = true
	if err := store.UpdateSettings(ctx, stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	fresh, _ := store.GetSettings(ctx)
	if fresh.NextRunAt == nil || !fresh.NextRunAt.Equal(next) {
		t.Errorf("advanced next_run_at must survive, got %v", fresh.NextRunAt)
	}
	fresh.IsEnabled = true
	if err := store.UpdateSettings(ctx, fresh); err != nil {
		t.Fatalf("update with fresh version: %v", err)
	}
	if !fresh.UpdatedAt.After(stale.UpdatedAt) {
		t.Error("updated_at should move forward even with a frozen clock")
	}
}
