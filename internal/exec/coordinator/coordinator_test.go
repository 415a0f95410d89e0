package coordinator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"runlab/internal/exec/coordinator"
	"runlab/internal/exec/limiter"
	"runlab/internal/exec/model"
	"runlab/internal/exec/pool"
	"runlab/internal/exec/quota"
	"runlab/internal/exec/runtime"
	"runlab/internal/exec/stream"
	appErr "runlab/pkg/errors"
)

type testHarness struct {
	coord *coordinator.Coordinator
	rt    *runtime.SimulatedRuntime
	pool  *pool.Manager
}

func newHarness(t *testing.T, cfg coordinator.Config) *testHarness {
	t.Helper()

	lib, err := runtime.NewLibrary([]runtime.Image{
		{Tag: "python3.12", Command: "/usr/bin/python3 {script}", ScriptFile: "main.py"},
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	rt := runtime.NewSimulatedRuntime(lib)

	pm := pool.NewManager(pool.Config{TargetSize: 1, HardCap: 2, ResetGrace: time.Second}, rt)
	if err := pm.Initialize(context.Background(), "python3.12", 0); err != nil {
		t.Fatalf("pool init: %v", err)
	}

	lim := limiter.New(model.ResourceLimits{
		CPUTimeMs:   5000,
		MemoryMB:    256,
		WallTimeMs:  5000,
		MaxOutputKB: 256,
	}, model.ResourceLimits{})

	if cfg.DefaultImage == "" {
		cfg.DefaultImage = "python3.12"
	}
	if cfg.WatcherPoll == 0 {
		cfg.WatcherPoll = 10 * time.Millisecond
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 100 * time.Millisecond
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}

	coord := coordinator.New(cfg, pm, rt, lim, stream.NewStreamer(), quota.NewMemoryTracker())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &testHarness{coord: coord, rt: rt, pool: pm}
}

func (h *testHarness) waitTerminal(t *testing.T, execID string) model.StatusView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		view, err := h.coord.GetStatus(context.Background(), execID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if view.Status.IsTerminal() {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s stuck in %s", execID, view.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *testHarness) waitStatus(t *testing.T, execID string, want model.ExecStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		view, err := h.coord.GetStatus(context.Background(), execID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if view.Status == want {
			return
		}
		if view.Status.IsTerminal() {
			t.Fatalf("execution %s went %s while waiting for %s", execID, view.Status, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s stuck in %s waiting for %s", execID, view.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *testHarness) waitPoolQuiet(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := h.pool.StatsFor("python3.12")
		if s.InUse == 0 && s.Warming == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool never quiesced: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{MaxScriptBytes: 64})

	_, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{Script: "echo hi"})
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected InvalidParams for missing session, got %v", err)
	}

	_, err = h.coord.Submit(context.Background(), coordinator.SubmitRequest{SessionID: "s1"})
	if appErr.GetCode(err) != appErr.ScriptEmpty {
		t.Fatalf("expected ScriptEmpty, got %v", err)
	}

	_, err = h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    strings.Repeat("echo x\n", 100),
	})
	if appErr.GetCode(err) != appErr.ScriptTooLarge {
		t.Fatalf("expected ScriptTooLarge, got %v", err)
	}
}

func TestHappyPathCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "echo hello\nparam who\nexit 0",
		Params:    map[string]string{"who": "world"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.ErrorMsg)
	}

	result, err := h.coord.GetResult(context.Background(), execID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\nworld\n" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}

	// The sandbox goes back to the pool after a clean run.
	h.waitPoolQuiet(t)
	if s := h.pool.StatsFor("python3.12"); s.Idle == 0 {
		t.Fatalf("expected sandbox returned to idle, stats %+v", s)
	}
}

func TestNonZeroExitIsFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "echoerr boom\nexit 2",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	result, err := h.coord.GetResult(context.Background(), execID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if result.ExitCode != 2 || result.Stderr != "boom\n" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Reason != model.ReasonNone {
		t.Fatalf("natural non-zero exit must carry no failure reason, got %s", result.Reason)
	}
}

func TestWallTimeoutKillsExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "sleep 30s",
		Limits:    model.ResourceLimits{WallTimeMs: 60},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", view.Status)
	}
	if view.Reason != model.ReasonWallTimeout {
		t.Fatalf("expected wall_timeout reason, got %s", view.Reason)
	}
	if view.ErrorCode != int(appErr.ExecTimedOut) {
		t.Fatalf("expected ExecTimedOut code, got %d", view.ErrorCode)
	}
	h.waitPoolQuiet(t)
}

func TestWallTimeoutBetweenPolls(t *testing.T) {
	t.Parallel()

	// The watcher never ticks before the script ends; the overrun is only
	// visible to the final check when watching stops.
	h := newHarness(t, coordinator.Config{WatcherPoll: 5 * time.Second})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "sleep 300ms",
		Limits:    model.ResourceLimits{WallTimeMs: 100},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s (%s)", view.Status, view.ErrorMsg)
	}
	if view.Reason != model.ReasonWallTimeout {
		t.Fatalf("expected wall_timeout reason, got %s", view.Reason)
	}
	h.waitPoolQuiet(t)
}

func TestMemoryBreachKillsExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "alloc 64\nsleep 30s",
		Limits:    model.ResourceLimits{MemoryMB: 10},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Reason != model.ReasonResourceExceeded {
		t.Fatalf("expected resource_exceeded reason, got %s", view.Reason)
	}
	h.waitPoolQuiet(t)
}

func TestCrashReportsSandboxCrash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "echo before\ncrash",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Reason != model.ReasonSandboxCrash {
		t.Fatalf("expected sandbox_crash reason, got %s", view.Reason)
	}
	if view.ErrorCode != int(appErr.SandboxCrash) {
		t.Fatalf("expected SandboxCrash code, got %d", view.ErrorCode)
	}
}

func TestCancelRunningExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "sleep 30s",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitStatus(t, execID, model.StatusRunning)

	if _, err := h.coord.Cancel(context.Background(), execID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	view := h.waitTerminal(t, execID)
	if view.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", view.Status)
	}
	if view.Reason != model.ReasonCancelled {
		t.Fatalf("expected cancelled reason, got %s", view.Reason)
	}
	h.waitPoolQuiet(t)
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "exit 0",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitTerminal(t, execID)

	status, err := h.coord.Cancel(context.Background(), execID)
	if err != nil {
		t.Fatalf("cancel of terminal execution: %v", err)
	}
	if status != model.StatusCompleted {
		t.Fatalf("expected reported status completed, got %s", status)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	_, err := h.coord.Cancel(context.Background(), "no-such-exec")
	if appErr.GetCode(err) != appErr.ExecutionNotFound {
		t.Fatalf("expected ExecutionNotFound, got %v", err)
	}
}

func TestQuotaLimitsConcurrentSubmits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{
		Quota: model.SessionQuota{MaxConcurrent: 1},
	})

	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "sleep 30s",
	})
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	h.waitStatus(t, execID, model.StatusRunning)

	_, err = h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "echo hi",
	})
	if appErr.GetCode(err) != appErr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}

	// Another session is unaffected.
	otherID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s2",
		Script:    "echo hi",
	})
	if err != nil {
		t.Fatalf("submit other session: %v", err)
	}
	h.waitTerminal(t, otherID)

	// The slot frees once the first execution goes terminal.
	if _, err := h.coord.Cancel(context.Background(), execID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitTerminal(t, execID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = h.coord.Submit(context.Background(), coordinator.SubmitRequest{
			SessionID: "s1",
			Script:    "echo again",
		})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reservation never released: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetResultBeforeTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "sleep 30s",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitStatus(t, execID, model.StatusRunning)

	if _, err := h.coord.GetResult(context.Background(), execID); appErr.GetCode(err) != appErr.ExecutionNotReady {
		t.Fatalf("expected ExecutionNotReady, got %v", err)
	}
	if _, err := h.coord.Cancel(context.Background(), execID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitTerminal(t, execID)
}

func TestGetStatusUnknownExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	_, err := h.coord.GetStatus(context.Background(), "no-such-exec")
	if appErr.GetCode(err) != appErr.ExecutionNotFound {
		t.Fatalf("expected ExecutionNotFound, got %v", err)
	}
}

func TestSubscribeSeesLifecycleAndOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "echo one\necho two\nexit 0",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sub, err := h.coord.Subscribe(execID, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	var events []model.Event
	deadline := time.After(3 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				break collect
			}
			events = append(events, ev)
			if ev.IsTerminal() {
				break collect
			}
		case <-deadline:
			t.Fatalf("stream never ended, %d events so far", len(events))
		}
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	if events[0].Type != model.EventStatus || events[0].Status != model.StatusQueued {
		t.Fatalf("first event should be queued status, got %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != model.EventCompleted {
		t.Fatalf("last event should be completed, got %+v", last)
	}
	var output strings.Builder
	for _, ev := range events {
		if ev.Type == model.EventOutput && ev.Stream == model.StreamStdout {
			output.WriteString(ev.Data)
		}
	}
	if output.String() != "one\ntwo\n" {
		t.Fatalf("unexpected streamed output %q", output.String())
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Fatalf("sequence gap between %d and %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestShutdownCancelsInFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "sleep 30s",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitStatus(t, execID, model.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	view, err := h.coord.GetStatus(context.Background(), execID)
	if err != nil {
		t.Fatalf("get status after shutdown: %v", err)
	}
	if !view.Status.IsTerminal() {
		t.Fatalf("execution not terminal after shutdown: %s", view.Status)
	}

	_, err = h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "echo hi",
	})
	if appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected ServiceUnavailable after shutdown, got %v", err)
	}
}

func TestSubmitRacingShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{})

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < cap(ids); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
				SessionID: "s1",
				Script:    "sleep 30s",
			})
			if err == nil {
				ids <- execID
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	wg.Wait()
	close(ids)

	// Every submit that was admitted must have been swept by the shutdown;
	// none may still be live after Shutdown returned.
	for execID := range ids {
		view, err := h.coord.GetStatus(context.Background(), execID)
		if err != nil {
			t.Fatalf("get status %s: %v", execID, err)
		}
		if !view.Status.IsTerminal() {
			t.Fatalf("execution %s admitted past shutdown: %s", execID, view.Status)
		}
	}
}

func TestTerminalRecordEvictedAfterLinger(t *testing.T) {
	t.Parallel()

	h := newHarness(t, coordinator.Config{StreamLinger: 50 * time.Millisecond})
	execID, err := h.coord.Submit(context.Background(), coordinator.SubmitRequest{
		SessionID: "s1",
		Script:    "exit 0",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitTerminal(t, execID)

	// No status repository or archive is wired here, so eviction of the
	// in-memory record makes the execution unknown.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := h.coord.GetStatus(context.Background(), execID)
		if appErr.GetCode(err) == appErr.ExecutionNotFound {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal record still held past the linger window: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
