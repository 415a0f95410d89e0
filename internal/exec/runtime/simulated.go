package runtime

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

// killedExitCode mirrors the shell convention for SIGKILL.
const killedExitCode = 137

// SimulatedRuntime interprets scripts as a line-oriented directive language
// instead of spawning processes. It is deterministic, needs no privileges,
// and honors the same contract as the isolated backend, which makes it the
// backend for tests and for development on non-linux hosts.
//
// Directives, one per line:
//
//	echo <text>      write text + newline to stdout
//	echoerr <text>   write text + newline to stderr
//	param <key>      write the injected parameter value to stdout
//	sleep <dur>      block for a duration, e.g. 150ms
//	cpu <ms>         account simulated cpu time
//	alloc <mb>       raise simulated peak memory
//	exit <code>      stop with the exit code
//	crash            fail as a sandbox crash
//
// Blank lines and lines starting with # are ignored.
type SimulatedRuntime struct {
	library *Library

	mu    sync.Mutex
	boxes map[string]*simBox
}

type simBox struct {
	handle Handle

	mu       sync.Mutex
	usage    model.ResourceUsage
	outBytes int64
	running  bool
	dirty    bool
	kill     chan struct{}
	killed   bool
}

// NewSimulatedRuntime creates the simulated backend.
func NewSimulatedRuntime(library *Library) *SimulatedRuntime {
	return &SimulatedRuntime{
		library: library,
		boxes:   make(map[string]*simBox),
	}
}

func (r *SimulatedRuntime) Provision(ctx context.Context, image string) (Handle, error) {
	if _, err := r.library.Lookup(image); err != nil {
		return Handle{}, err
	}
	h := Handle{
		ID:      uuid.NewString(),
		Image:   image,
		WorkDir: "/work",
	}
	r.mu.Lock()
	r.boxes[h.ID] = &simBox{handle: h}
	r.mu.Unlock()
	return h, nil
}

func (r *SimulatedRuntime) box(id string) (*simBox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[id]
	if !ok {
		return nil, appErr.New(appErr.SandboxCrash).WithMessagef("sandbox %s is gone", id)
	}
	return box, nil
}

func (r *SimulatedRuntime) Exec(ctx context.Context, h Handle, spec RunSpec, sink Sink) (RunResult, error) {
	box, err := r.box(h.ID)
	if err != nil {
		return RunResult{}, err
	}

	box.mu.Lock()
	if box.running {
		box.mu.Unlock()
		return RunResult{}, appErr.New(appErr.SandboxCrash).WithMessagef("sandbox %s already running", h.ID)
	}
	box.running = true
	box.dirty = true
	box.killed = false
	box.kill = make(chan struct{})
	box.usage = model.ResourceUsage{}
	box.outBytes = 0
	kill := box.kill
	box.mu.Unlock()

	start := time.Now()
	res, err := r.interpret(ctx, box, spec, sink, kill)

	box.mu.Lock()
	box.running = false
	box.usage.WallTimeMs = time.Since(start).Milliseconds()
	res.Usage = box.usage
	res.Killed = res.Killed || box.killed
	box.mu.Unlock()

	if res.Killed && err == nil {
		res.ExitCode = killedExitCode
	}
	return res, err
}

func (r *SimulatedRuntime) interpret(ctx context.Context, box *simBox, spec RunSpec, sink Sink, kill <-chan struct{}) (RunResult, error) {
	var res RunResult
	budget := spec.Envelope.MaxOutputBytes

	emit := func(stream model.OutputStream, text string) {
		data := []byte(text + "\n")
		if budget > 0 {
			remain := budget - box.outputBytes()
			if remain <= 0 {
				res.Truncated = true
				return
			}
			if int64(len(data)) > remain {
				data = data[:remain]
				res.Truncated = true
			}
		}
		box.addOutput(int64(len(data)))
		sink.Write(stream, data)
	}

	for _, line := range strings.Split(spec.Script, "\n") {
		select {
		case <-kill:
			res.Killed = true
			return res, nil
		case <-ctx.Done():
			res.Killed = true
			return res, nil
		default:
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, arg, _ := strings.Cut(line, " ")

		switch verb {
		case "echo":
			emit(model.StreamStdout, arg)
		case "echoerr":
			emit(model.StreamStderr, arg)
		case "param":
			emit(model.StreamStdout, spec.Params[arg])
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				emit(model.StreamStderr, "sleep: bad duration "+arg)
				res.ExitCode = 1
				return res, nil
			}
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-kill:
				timer.Stop()
				res.Killed = true
				return res, nil
			case <-ctx.Done():
				timer.Stop()
				res.Killed = true
				return res, nil
			}
		case "cpu":
			ms, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || ms < 0 {
				emit(model.StreamStderr, "cpu: bad argument "+arg)
				res.ExitCode = 1
				return res, nil
			}
			box.addCPU(ms)
		case "alloc":
			mb, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || mb < 0 {
				emit(model.StreamStderr, "alloc: bad argument "+arg)
				res.ExitCode = 1
				return res, nil
			}
			box.raisePeak(mb * 1024)
		case "exit":
			code, err := strconv.Atoi(arg)
			if err != nil {
				code = 1
			}
			res.ExitCode = code
			return res, nil
		case "crash":
			return res, appErr.New(appErr.SandboxCrash).WithMessage("scripted crash")
		default:
			emit(model.StreamStderr, "unknown directive: "+verb)
			res.ExitCode = 1
			return res, nil
		}
	}
	return res, nil
}

func (r *SimulatedRuntime) Usage(h Handle) (model.ResourceUsage, error) {
	box, err := r.box(h.ID)
	if err != nil {
		return model.ResourceUsage{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return box.usage, nil
}

// Signal terminates the current run. The simulated backend treats graceful
// and forced termination identically.
func (r *SimulatedRuntime) Signal(ctx context.Context, h Handle, graceful bool) error {
	box, err := r.box(h.ID)
	if err != nil {
		return err
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	if box.running && !box.killed {
		box.killed = true
		close(box.kill)
	}
	return nil
}

func (r *SimulatedRuntime) Reset(ctx context.Context, h Handle) error {
	box, err := r.box(h.ID)
	if err != nil {
		return appErr.New(appErr.SandboxResetFailed).WithMessagef("sandbox %s is gone", h.ID)
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	if box.running {
		return appErr.New(appErr.SandboxResetFailed).WithMessagef("sandbox %s still running", h.ID)
	}
	box.usage = model.ResourceUsage{}
	box.outBytes = 0
	box.dirty = false
	return nil
}

func (r *SimulatedRuntime) Destroy(ctx context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boxes, h.ID)
	return nil
}

// Dirty reports whether the sandbox has run since its last reset. Test hook.
func (r *SimulatedRuntime) Dirty(h Handle) bool {
	box, err := r.box(h.ID)
	if err != nil {
		return false
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return box.dirty
}

// Alive reports whether the sandbox still exists. Test hook.
func (r *SimulatedRuntime) Alive(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.boxes[h.ID]
	return ok
}

func (b *simBox) addOutput(n int64) {
	b.mu.Lock()
	b.outBytes += n
	b.usage.OutputKB = (b.outBytes + 1023) / 1024
	b.mu.Unlock()
}

func (b *simBox) outputBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outBytes
}

func (b *simBox) addCPU(ms int64) {
	b.mu.Lock()
	b.usage.CPUTimeMs += ms
	b.mu.Unlock()
}

func (b *simBox) raisePeak(kb int64) {
	b.mu.Lock()
	if kb > b.usage.PeakMemoryKB {
		b.usage.PeakMemoryKB = kb
	}
	b.mu.Unlock()
}
