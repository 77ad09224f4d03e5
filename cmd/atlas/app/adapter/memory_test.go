package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/adapter"
	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
)

var key = domain.UserKey{Email: "dev@company.com", ChatID: 42}

func TestBeginIsCompareAndSwap(t *testing.T) {
	store := adapter.NewMemoryStatusStore(15 * time.Minute)
	ctx := context.Background()

	ok, err := store.Begin(ctx, key, time.Now())
	if err != nil || !ok {
		t.Fatalf("first Begin = (%v, %v), want accepted", ok, err)
	}

	ok, err = store.Begin(ctx, key, time.Now())
	if err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}
	if ok {
		t.Fatal("second Begin must lose the compare-and-swap")
	}

	if err := store.Finish(ctx, key, domain.SyncOutcome{CompletedAt: time.Now(), TotalTasks: 3}); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	ok, err = store.Begin(ctx, key, time.Now())
	if err != nil || !ok {
		t.Fatalf("Begin after Finish = (%v, %v), want accepted", ok, err)
	}
}

func TestStaleInProgressIsNormalized(t *testing.T) {
	// Simulates a restart: the in-progress flag points at a sync that no
	// longer exists, so old flags must read back as interrupted.
	now := time.Now()
	clock := now
	store := adapter.NewMemoryStatusStoreWithClock(15*time.Minute, func() time.Time { return clock })
	ctx := context.Background()

	ok, err := store.Begin(ctx, key, now)
	if err != nil || !ok {
		t.Fatalf("Begin = (%v, %v), want accepted", ok, err)
	}

	// Inside the threshold the sync still counts as running.
	clock = now.Add(10 * time.Minute)
	status, err := store.Status(ctx, key)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.InProgress {
		t.Fatal("recent sync should still be in progress")
	}

	clock = now.Add(16 * time.Minute)
	status, err = store.Status(ctx, key)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.InProgress {
		t.Error("stale in-progress flag should be reset")
	}
	if status.LastError != domain.ErrSyncInterrupted {
		t.Errorf("last error = %q, want %q", status.LastError, domain.ErrSyncInterrupted)
	}

	// A stale flag must not block a new sync either.
	ok, err = store.Begin(ctx, key, clock)
	if err != nil || !ok {
		t.Fatalf("Begin over stale flag = (%v, %v), want accepted", ok, err)
	}
}

func TestFinishKeepsTotalOnFailure(t *testing.T) {
	store := adapter.NewMemoryStatusStore(15 * time.Minute)
	ctx := context.Background()

	if _, err := store.Begin(ctx, key, time.Now()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := store.Finish(ctx, key, domain.SyncOutcome{CompletedAt: time.Now(), TotalTasks: 7}); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	if _, err := store.Begin(ctx, key, time.Now()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := store.Finish(ctx, key, domain.SyncOutcome{CompletedAt: time.Now(), Error: "network error"}); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	status, err := store.Status(ctx, key)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastError != "network error" {
		t.Errorf("last error = %q, want %q", status.LastError, "network error")
	}
	if status.TotalTasks != 7 {
		t.Errorf("failed sync must not overwrite the last successful count, got %d", status.TotalTasks)
	}
}

func TestTaskStoreReplaceIsWholesale(t *testing.T) {
	store := adapter.NewMemoryTaskStore()
	ctx := context.Background()

	first := []domain.TaskCacheEntry{
		{TaskID: "t1", Title: "one"},
		{TaskID: "t2", Title: "two"},
	}
	if err := store.Replace(ctx, key, first); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	second := []domain.TaskCacheEntry{{TaskID: "t3", Title: "three"}}
	if err := store.Replace(ctx, key, second); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	got, err := store.Tasks(ctx, key, 0)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// The stored snapshot must be isolated from the caller's slice.
	second[0].Title = "mutated"
	got, err = store.Tasks(ctx, key, 0)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if got[0].Title != "three" {
		t.Error("stored snapshot shares memory with the caller's slice")
	}
}

func TestTaskStoreLimit(t *testing.T) {
	store := adapter.NewMemoryTaskStore()
	ctx := context.Background()

	var tasks []domain.TaskCacheEntry
	for i := 0; i < 10; i++ {
		tasks = append(tasks, domain.TaskCacheEntry{TaskID: string(rune('a' + i))})
	}
	if err := store.Replace(ctx, key, tasks); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	got, err := store.Tasks(ctx, key, 3)
	if err != nil {
		t.Fatalf("Tasks failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("limit ignored: got %d tasks, want 3", len(got))
	}
}
