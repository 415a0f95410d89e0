package limiter_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"runlab/internal/exec/limiter"
	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

func TestApplyMergesDefaults(t *testing.T) {
	t.Parallel()

	lim := limiter.New(model.ResourceLimits{
		CPUTimeMs:  5000,
		MemoryMB:   256,
		WallTimeMs: 10000,
	}, model.ResourceLimits{})

	env, limits, err := lim.Apply(model.ResourceLimits{MemoryMB: 64})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if limits.MemoryMB != 64 {
		t.Fatalf("expected caller memory override 64, got %d", limits.MemoryMB)
	}
	if limits.CPUTimeMs != 5000 {
		t.Fatalf("expected default cpu 5000, got %d", limits.CPUTimeMs)
	}
	if env.MemoryMaxBytes != 64*1024*1024 {
		t.Fatalf("expected envelope memory bytes %d, got %d", 64*1024*1024, env.MemoryMaxBytes)
	}
	if env.WallTime != 10*time.Second {
		t.Fatalf("expected wall time 10s, got %s", env.WallTime)
	}
	if !env.ReadOnlyRoot {
		t.Fatal("expected read-only root")
	}
}

func TestApplyClampsAtCeilings(t *testing.T) {
	t.Parallel()

	lim := limiter.New(model.ResourceLimits{WallTimeMs: 10000}, model.ResourceLimits{
		MemoryMB:   512,
		WallTimeMs: 30000,
		CPUTimeMs:  8000,
	})

	_, limits, err := lim.Apply(model.ResourceLimits{
		MemoryMB:   4096,
		WallTimeMs: 600000,
		CPUTimeMs:  100000,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if limits.MemoryMB != 512 {
		t.Fatalf("expected memory clamped to 512, got %d", limits.MemoryMB)
	}
	if limits.WallTimeMs != 30000 {
		t.Fatalf("expected wall clamped to 30000, got %d", limits.WallTimeMs)
	}
	if limits.CPUTimeMs != 8000 {
		t.Fatalf("expected cpu clamped to 8000, got %d", limits.CPUTimeMs)
	}
}

func TestApplyRejectsNegativeLimits(t *testing.T) {
	t.Parallel()

	lim := limiter.New(model.ResourceLimits{WallTimeMs: 1000}, model.ResourceLimits{})
	for name, requested := range map[string]model.ResourceLimits{
		"memory":    {MemoryMB: -1},
		"cpu":       {CPUTimeMs: -500},
		"wall":      {WallTimeMs: -1},
		"pids":      {PIDs: -8},
		"output":    {MaxOutputKB: -64},
		"cpuShares": {CPUShares: -100},
	} {
		_, _, err := lim.Apply(requested)
		if err == nil {
			t.Fatalf("%s: expected error for negative limit", name)
		}
		if appErr.GetCode(err) != appErr.LimitApplyFailed {
			t.Fatalf("%s: expected LimitApplyFailed, got %d", name, appErr.GetCode(err))
		}
	}
}

func TestWatchKillsOnMemoryBreach(t *testing.T) {
	t.Parallel()

	var killed atomic.Bool
	usage := func() (model.ResourceUsage, error) {
		return model.ResourceUsage{PeakMemoryKB: 300 * 1024}, nil
	}

	ch := limiter.Watch(context.Background(),
		model.ResourceLimits{MemoryMB: 256, WallTimeMs: 60000},
		usage,
		func() { killed.Store(true) },
		limiter.WatchConfig{PollInterval: 5 * time.Millisecond},
	)

	select {
	case breach, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without breach")
		}
		if breach.Reason != model.ReasonResourceExceeded {
			t.Fatalf("expected resource_exceeded, got %s", breach.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach within a second")
	}
	if !killed.Load() {
		t.Fatal("kill func not invoked")
	}
}

func TestWatchKillsOnWallTimeout(t *testing.T) {
	t.Parallel()

	var killed atomic.Bool
	usage := func() (model.ResourceUsage, error) {
		return model.ResourceUsage{}, nil
	}

	ch := limiter.Watch(context.Background(),
		model.ResourceLimits{WallTimeMs: 20},
		usage,
		func() { killed.Store(true) },
		limiter.WatchConfig{PollInterval: 5 * time.Millisecond},
	)

	select {
	case breach, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without breach")
		}
		if breach.Reason != model.ReasonWallTimeout {
			t.Fatalf("expected wall_timeout, got %s", breach.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach within a second")
	}
	if !killed.Load() {
		t.Fatal("kill func not invoked")
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	ch := limiter.Watch(ctx,
		model.ResourceLimits{WallTimeMs: 60000},
		func() (model.ResourceUsage, error) { return model.ResourceUsage{}, nil },
		func() { t.Error("kill must not fire on cancel") },
		limiter.WatchConfig{PollInterval: 5 * time.Millisecond},
	)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected close without breach")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestWatchReportsBreachOnStop(t *testing.T) {
	t.Parallel()

	// The poll interval is far longer than the wall limit, so only the
	// final check run at cancellation can observe the overrun.
	var killed atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	ch := limiter.Watch(ctx,
		model.ResourceLimits{WallTimeMs: 20},
		func() (model.ResourceUsage, error) { return model.ResourceUsage{}, nil },
		func() { killed.Store(true) },
		limiter.WatchConfig{PollInterval: time.Minute},
	)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case breach, ok := <-ch:
		if !ok {
			t.Fatal("channel closed without breach")
		}
		if breach.Reason != model.ReasonWallTimeout {
			t.Fatalf("expected wall_timeout, got %s", breach.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach after cancel")
	}
	if !killed.Load() {
		t.Fatal("kill func not invoked")
	}
}

func TestWatchToleratesUsageErrors(t *testing.T) {
	t.Parallel()

	var killed atomic.Bool
	usage := func() (model.ResourceUsage, error) {
		return model.ResourceUsage{}, appErr.New(appErr.SandboxCrash)
	}

	// Wall clock still enforces termination even when sampling fails.
	ch := limiter.Watch(context.Background(),
		model.ResourceLimits{WallTimeMs: 20, MemoryMB: 1},
		usage,
		func() { killed.Store(true) },
		limiter.WatchConfig{PollInterval: 5 * time.Millisecond},
	)

	select {
	case breach := <-ch:
		if breach.Reason != model.ReasonWallTimeout {
			t.Fatalf("expected wall_timeout, got %s", breach.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach within a second")
	}
	if !killed.Load() {
		t.Fatal("kill func not invoked")
	}
}
