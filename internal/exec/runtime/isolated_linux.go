//go:build linux

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
	"runlab/pkg/utils/logger"
)

const (
	outputChunkBytes  = 4096
	artifactFileLimit = 64 // MB, RLIMIT_FSIZE inside the sandbox
	defaultStackKB    = 8192
	gracefulKillDelay = 2 * time.Second
)

// IsolatedConfig configures the linux backend.
type IsolatedConfig struct {
	// BaseDir is the host directory holding per-sandbox workspaces.
	BaseDir string `yaml:"baseDir"`
	// CgroupRoot is the cgroup v2 subtree the engine owns.
	CgroupRoot string `yaml:"cgroupRoot"`
	// HelperPath locates the sandbox-init binary.
	HelperPath string `yaml:"helperPath"`

	EnableCgroup     bool `yaml:"enableCgroup"`
	EnableNamespaces bool `yaml:"enableNamespaces"`
	EnableSeccomp    bool `yaml:"enableSeccomp"`
}

// IsolatedRuntime runs scripts as real processes under namespaces, cgroup v2
// limits and seccomp, via the sandbox-init helper.
type IsolatedRuntime struct {
	cfg     IsolatedConfig
	library *Library

	mu    sync.Mutex
	boxes map[string]*isoBox
}

type isoBox struct {
	handle Handle

	mu         sync.Mutex
	running    bool
	pid        int
	cgroupPath string
	startedAt  time.Time
	killed     bool
	lastUsage  model.ResourceUsage

	outBytes atomic.Int64
}

// NewIsolatedRuntime creates the linux backend.
func NewIsolatedRuntime(cfg IsolatedConfig, library *Library) (Runtime, error) {
	if cfg.BaseDir == "" {
		return nil, appErr.New(appErr.SandboxProvisionErr).WithMessage("workspace base dir is required")
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, appErr.New(appErr.SandboxProvisionErr).WithMessage("cgroup root is required when cgroups are enabled")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0750); err != nil {
		return nil, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("create workspace base dir")
	}
	return &IsolatedRuntime{
		cfg:     cfg,
		library: library,
		boxes:   make(map[string]*isoBox),
	}, nil
}

func (r *IsolatedRuntime) Provision(ctx context.Context, image string) (Handle, error) {
	if _, err := r.library.Lookup(image); err != nil {
		return Handle{}, err
	}
	id := uuid.NewString()
	workDir := filepath.Join(r.cfg.BaseDir, id, "work")
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return Handle{}, appErr.Wrap(err, appErr.SandboxProvisionErr).
			WithMessagef("create workspace for sandbox %s", id)
	}
	h := Handle{ID: id, Image: image, WorkDir: workDir}
	r.mu.Lock()
	r.boxes[id] = &isoBox{handle: h}
	r.mu.Unlock()
	return h, nil
}

func (r *IsolatedRuntime) box(id string) (*isoBox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[id]
	if !ok {
		return nil, appErr.New(appErr.SandboxCrash).WithMessagef("sandbox %s is gone", id)
	}
	return box, nil
}

func (r *IsolatedRuntime) Exec(ctx context.Context, h Handle, spec RunSpec, sink Sink) (RunResult, error) {
	box, err := r.box(h.ID)
	if err != nil {
		return RunResult{}, err
	}
	img, err := r.library.Lookup(h.Image)
	if err != nil {
		return RunResult{}, err
	}

	scriptPath := filepath.Join(h.WorkDir, img.ScriptFile)
	if err := os.WriteFile(scriptPath, []byte(spec.Script), 0640); err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("write script")
	}
	if len(spec.Params) > 0 {
		data, err := json.Marshal(spec.Params)
		if err != nil {
			return RunResult{}, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("encode params")
		}
		if err := os.WriteFile(filepath.Join(h.WorkDir, "params.json"), data, 0640); err != nil {
			return RunResult{}, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("write params")
		}
	}

	cmdline, err := img.BuildCommand(scriptPath)
	if err != nil {
		return RunResult{}, err
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if r.cfg.EnableCgroup {
		cgroupPath, cgroupCleanup, err = createRunCgroup(r.cfg.CgroupRoot, h.ID)
		if err != nil {
			return RunResult{}, appErr.Wrap(err, appErr.LimitApplyFailed).WithMessage("create cgroup")
		}
		if err := applyCgroupEnvelope(cgroupPath, spec.Envelope); err != nil {
			cgroupCleanup()
			return RunResult{}, appErr.Wrap(err, appErr.LimitApplyFailed).WithMessage("apply cgroup limits")
		}
	}
	defer cgroupCleanup()

	initReq := InitRequest{
		WorkDir:       h.WorkDir,
		Cmd:           cmdline,
		Env:           append([]string{"HOME=" + h.WorkDir, "RUNLAB_PARAMS=" + filepath.Join(h.WorkDir, "params.json")}, img.Env...),
		CPUTimeMs:     spec.Envelope.CPUTimeMs,
		FileSizeMB:    artifactFileLimit,
		StackKB:       defaultStackKB,
		EnableSeccomp: r.cfg.EnableSeccomp,
	}
	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("encode init request")
	}
	defer stdinPipe.Close()

	cmd := exec.CommandContext(ctx, r.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(spec.Envelope.DisableNetwork, r.cfg.EnableNamespaces)
	cmd.Stdin = stdinPipe
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SandboxProvisionErr).WithMessage("stderr pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{}, appErr.Wrap(err, appErr.SandboxCrash).WithMessage("start sandbox helper")
	}

	if r.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed",
				zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	box.mu.Lock()
	box.running = true
	box.killed = false
	box.pid = cmd.Process.Pid
	box.cgroupPath = cgroupPath
	box.startedAt = start
	box.mu.Unlock()
	box.outBytes.Store(0)

	var truncated atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpOutput(stdout, model.StreamStdout, sink, box, spec.Envelope.MaxOutputBytes, &truncated)
	}()
	go func() {
		defer wg.Done()
		pumpOutput(stderr, model.StreamStderr, sink, box, spec.Envelope.MaxOutputBytes, &truncated)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	wallMs := time.Since(start).Milliseconds()
	cpuMs, ok := cgroupCPUTimeMs(cgroupPath)
	if !ok {
		cpuMs = rusageCPUTimeMs(cmd.ProcessState)
	}
	usage := model.ResourceUsage{
		WallTimeMs:   wallMs,
		CPUTimeMs:    cpuMs,
		PeakMemoryKB: memoryPeakKB(cgroupPath, cmd.ProcessState),
		OutputKB:     (box.outBytes.Load() + 1023) / 1024,
	}

	box.mu.Lock()
	box.running = false
	box.pid = 0
	box.cgroupPath = ""
	box.lastUsage = usage
	killed := box.killed
	box.mu.Unlock()

	res := RunResult{
		ExitCode:  exitCodeFromErr(waitErr, cmd.ProcessState),
		OOMKilled: wasOomKilled(cgroupPath),
		Killed:    killed,
		Truncated: truncated.Load(),
		Usage:     usage,
	}
	if res.OOMKilled {
		res.Killed = true
	}
	if waitErr != nil && !killed {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, appErr.Wrap(waitErr, appErr.SandboxCrash).WithMessage("sandbox helper failed")
		}
	}
	return res, nil
}

func pumpOutput(rd io.Reader, stream model.OutputStream, sink Sink, box *isoBox, budget int64, truncated *atomic.Bool) {
	buf := make([]byte, outputChunkBytes)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if budget > 0 {
				used := box.outBytes.Load()
				remain := budget - used
				switch {
				case remain <= 0:
					truncated.Store(true)
					chunk = nil
				case int64(len(chunk)) > remain:
					truncated.Store(true)
					chunk = chunk[:remain]
				}
			}
			if len(chunk) > 0 {
				box.outBytes.Add(int64(len(chunk)))
				data := make([]byte, len(chunk))
				copy(data, chunk)
				sink.Write(stream, data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *IsolatedRuntime) Usage(h Handle) (model.ResourceUsage, error) {
	box, err := r.box(h.ID)
	if err != nil {
		return model.ResourceUsage{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	if !box.running {
		return box.lastUsage, nil
	}
	usage := model.ResourceUsage{
		WallTimeMs: time.Since(box.startedAt).Milliseconds(),
		OutputKB:   (box.outBytes.Load() + 1023) / 1024,
	}
	if cpuMs, ok := cgroupCPUTimeMs(box.cgroupPath); ok {
		usage.CPUTimeMs = cpuMs
	}
	if box.cgroupPath != "" {
		if peak, err := readCgroupInt(box.cgroupPath, "memory.peak"); err == nil {
			usage.PeakMemoryKB = peak / 1024
		}
	}
	return usage, nil
}

func (r *IsolatedRuntime) Signal(ctx context.Context, h Handle, graceful bool) error {
	box, err := r.box(h.ID)
	if err != nil {
		return err
	}
	box.mu.Lock()
	running := box.running
	pid := box.pid
	cgroupPath := box.cgroupPath
	if running {
		box.killed = true
	}
	box.mu.Unlock()
	if !running || pid <= 0 {
		return nil
	}

	if graceful {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			time.Sleep(gracefulKillDelay)
			killTree(pid, cgroupPath)
		}()
		return nil
	}
	killTree(pid, cgroupPath)
	return nil
}

func killTree(pid int, cgroupPath string) {
	if cgroupPath != "" {
		if err := killCgroup(cgroupPath); err == nil {
			return
		}
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// Reset returns the sandbox to a clean state for reuse. Any failure here
// poisons the sandbox; callers must destroy it.
func (r *IsolatedRuntime) Reset(ctx context.Context, h Handle) error {
	box, err := r.box(h.ID)
	if err != nil {
		return appErr.New(appErr.SandboxResetFailed).WithMessagef("sandbox %s is gone", h.ID)
	}
	box.mu.Lock()
	if box.running {
		box.mu.Unlock()
		return appErr.New(appErr.SandboxResetFailed).WithMessagef("sandbox %s still running", h.ID)
	}
	box.lastUsage = model.ResourceUsage{}
	box.mu.Unlock()
	box.outBytes.Store(0)

	if err := os.RemoveAll(h.WorkDir); err != nil {
		return appErr.Wrap(err, appErr.SandboxResetFailed).WithMessagef("wipe workspace for sandbox %s", h.ID)
	}
	if err := os.MkdirAll(h.WorkDir, 0750); err != nil {
		return appErr.Wrap(err, appErr.SandboxResetFailed).WithMessagef("recreate workspace for sandbox %s", h.ID)
	}
	return nil
}

func (r *IsolatedRuntime) Destroy(ctx context.Context, h Handle) error {
	r.mu.Lock()
	box, ok := r.boxes[h.ID]
	delete(r.boxes, h.ID)
	r.mu.Unlock()
	if ok {
		box.mu.Lock()
		if box.running && box.pid > 0 {
			killTree(box.pid, box.cgroupPath)
		}
		box.mu.Unlock()
	}
	_ = os.RemoveAll(filepath.Join(r.cfg.BaseDir, h.ID))
	if r.cfg.CgroupRoot != "" {
		_ = os.RemoveAll(filepath.Join(r.cfg.CgroupRoot, h.ID))
	}
	return nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func jsonToPipe(req InitRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

func buildSysProcAttr(disableNetwork, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if disableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
