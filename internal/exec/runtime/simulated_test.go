package runtime_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"runlab/internal/exec/limiter"
	"runlab/internal/exec/model"
	"runlab/internal/exec/runtime"
	appErr "runlab/pkg/errors"
)

// memSink collects output chunks per stream.
type memSink struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (s *memSink) Write(stream model.OutputStream, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream == model.StreamStderr {
		s.stderr.Write(chunk)
		return
	}
	s.stdout.Write(chunk)
}

func (s *memSink) Stdout() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.String()
}

func (s *memSink) Stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderr.String()
}

func testLibrary(t *testing.T) *runtime.Library {
	t.Helper()
	lib, err := runtime.NewLibrary([]runtime.Image{
		{Tag: "python3.12", Command: "/usr/bin/python3 {script}", ScriptFile: "main.py"},
	})
	if err != nil {
		t.Fatalf("library: %v", err)
	}
	return lib
}

func provision(t *testing.T, rt *runtime.SimulatedRuntime) runtime.Handle {
	t.Helper()
	h, err := rt.Provision(context.Background(), "python3.12")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return h
}

func TestProvisionRejectsUnknownImage(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	_, err := rt.Provision(context.Background(), "cobol85")
	if appErr.GetCode(err) != appErr.ImageNotSupported {
		t.Fatalf("expected ImageNotSupported, got %v", err)
	}
}

func TestExecDirectives(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	sink := &memSink{}
	res, err := rt.Exec(context.Background(), h, runtime.RunSpec{
		Script: strings.Join([]string{
			"# warm-up",
			"echo hello",
			"echoerr warning",
			"param name",
			"cpu 120",
			"alloc 32",
			"exit 0",
		}, "\n"),
		Params: map[string]string{"name": "ada"},
	}, sink)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if got := sink.Stdout(); got != "hello\nada\n" {
		t.Fatalf("unexpected stdout %q", got)
	}
	if got := sink.Stderr(); got != "warning\n" {
		t.Fatalf("unexpected stderr %q", got)
	}
	if res.Usage.CPUTimeMs != 120 {
		t.Fatalf("expected 120ms cpu accounted, got %d", res.Usage.CPUTimeMs)
	}
	if res.Usage.PeakMemoryKB != 32*1024 {
		t.Fatalf("expected 32MB peak, got %dKB", res.Usage.PeakMemoryKB)
	}
	if !rt.Dirty(h) {
		t.Fatal("sandbox should be dirty after a run")
	}
}

func TestExecNonZeroExit(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	res, err := rt.Exec(context.Background(), h, runtime.RunSpec{Script: "exit 3"}, &memSink{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestExecCrashDirective(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	_, err := rt.Exec(context.Background(), h, runtime.RunSpec{Script: "crash"}, &memSink{})
	if appErr.GetCode(err) != appErr.SandboxCrash {
		t.Fatalf("expected SandboxCrash, got %v", err)
	}
}

func TestExecOutputTruncation(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	sink := &memSink{}
	script := strings.Repeat("echo 0123456789\n", 10)
	res, err := rt.Exec(context.Background(), h, runtime.RunSpec{
		Script:   script,
		Envelope: limiter.Envelope{MaxOutputBytes: 25},
	}, sink)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !res.Truncated {
		t.Fatal("expected truncated result")
	}
	if got := int64(len(sink.Stdout())); got != 25 {
		t.Fatalf("expected exactly 25 delivered bytes, got %d", got)
	}
}

func TestSignalKillsRunningExec(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	done := make(chan runtime.RunResult, 1)
	go func() {
		res, _ := rt.Exec(context.Background(), h, runtime.RunSpec{Script: "sleep 10s"}, &memSink{})
		done <- res
	}()

	// Let the run reach the sleep before signalling.
	time.Sleep(20 * time.Millisecond)
	if err := rt.Signal(context.Background(), h, false); err != nil {
		t.Fatalf("signal: %v", err)
	}

	select {
	case res := <-done:
		if !res.Killed {
			t.Fatal("expected killed result")
		}
		if res.ExitCode != 137 {
			t.Fatalf("expected exit 137, got %d", res.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("exec did not stop after signal")
	}
}

func TestResetRefusedWhileRunning(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rt.Exec(context.Background(), h, runtime.RunSpec{Script: "sleep 10s"}, &memSink{})
	}()
	time.Sleep(20 * time.Millisecond)

	if err := rt.Reset(context.Background(), h); appErr.GetCode(err) != appErr.SandboxResetFailed {
		t.Fatalf("expected SandboxResetFailed while running, got %v", err)
	}
	_ = rt.Signal(context.Background(), h, false)
	<-done

	if err := rt.Reset(context.Background(), h); err != nil {
		t.Fatalf("reset after run: %v", err)
	}
	if rt.Dirty(h) {
		t.Fatal("sandbox should be clean after reset")
	}
}

func TestDestroyRemovesSandbox(t *testing.T) {
	t.Parallel()

	rt := runtime.NewSimulatedRuntime(testLibrary(t))
	h := provision(t, rt)

	if err := rt.Destroy(context.Background(), h); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if rt.Alive(h) {
		t.Fatal("sandbox still alive after destroy")
	}
	if _, err := rt.Exec(context.Background(), h, runtime.RunSpec{Script: "echo hi"}, &memSink{}); err == nil {
		t.Fatal("expected exec on destroyed sandbox to fail")
	}
	// Destroy is idempotent.
	if err := rt.Destroy(context.Background(), h); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}
