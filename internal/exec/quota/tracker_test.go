package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runlab/internal/exec/model"
	"runlab/internal/exec/quota"
	appErr "runlab/pkg/errors"
)

func TestMemoryTrackerConcurrencyLimit(t *testing.T) {
	t.Parallel()

	tracker := quota.NewMemoryTracker()
	q := model.SessionQuota{MaxConcurrent: 1}
	ctx := context.Background()

	first, err := tracker.TryReserve(ctx, "s1", q)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	if _, err := tracker.TryReserve(ctx, "s1", q); appErr.GetCode(err) != appErr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}

	first.Release(ctx)
	if _, err := tracker.TryReserve(ctx, "s1", q); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestMemoryTrackerReleaseIdempotent(t *testing.T) {
	t.Parallel()

	tracker := quota.NewMemoryTracker()
	q := model.SessionQuota{MaxConcurrent: 2}
	ctx := context.Background()

	r1, err := tracker.TryReserve(ctx, "s1", q)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r1.Release(ctx)
	r1.Release(ctx)
	r1.Release(ctx)

	// Double release must not free more than one slot.
	if _, err := tracker.TryReserve(ctx, "s1", q); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if _, err := tracker.TryReserve(ctx, "s1", q); err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if _, err := tracker.TryReserve(ctx, "s1", q); err == nil {
		t.Fatal("expected third reserve to fail")
	}
}

func TestMemoryTrackerBalancedUnderContention(t *testing.T) {
	t.Parallel()

	tracker := quota.NewMemoryTracker()
	q := model.SessionQuota{MaxConcurrent: 4}
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := tracker.TryReserve(ctx, "s1", q)
			if err != nil {
				return
			}
			n := admitted.Add(1)
			if n > 4 {
				t.Errorf("concurrency limit exceeded: %d", n)
			}
			time.Sleep(time.Millisecond)
			admitted.Add(-1)
			r.Release(ctx)
		}()
	}
	wg.Wait()

	// All slots free again.
	for i := 0; i < 4; i++ {
		if _, err := tracker.TryReserve(ctx, "s1", q); err != nil {
			t.Fatalf("slot %d not free after contention: %v", i, err)
		}
	}
}

func TestMemoryTrackerWindowLimit(t *testing.T) {
	t.Parallel()

	tracker := quota.NewMemoryTracker()
	q := model.SessionQuota{MaxPerWindow: 2, Window: time.Hour}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := tracker.TryReserve(ctx, "s1", q)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		r.Release(ctx)
	}
	if _, err := tracker.TryReserve(ctx, "s1", q); appErr.GetCode(err) != appErr.QuotaWindowExceeded {
		t.Fatalf("expected QuotaWindowExceeded, got %v", err)
	}
}

func TestMemoryTrackerCPUBudget(t *testing.T) {
	t.Parallel()

	tracker := quota.NewMemoryTracker()
	q := model.SessionQuota{MaxCPUTimeMs: 1000}
	ctx := context.Background()

	if _, err := tracker.TryReserve(ctx, "s1", q); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := tracker.AddCPUTime(ctx, "s1", 1500); err != nil {
		t.Fatalf("add cpu: %v", err)
	}
	used, err := tracker.CPUTimeUsed(ctx, "s1")
	if err != nil || used != 1500 {
		t.Fatalf("expected 1500ms used, got %d err %v", used, err)
	}
	if _, err := tracker.TryReserve(ctx, "s1", q); appErr.GetCode(err) != appErr.CPUBudgetExhausted {
		t.Fatalf("expected CPUBudgetExhausted, got %v", err)
	}
}
