// Package coordinator drives executions end to end: quota admission, sandbox
// checkout, limit enforcement, output streaming, terminal bookkeeping and
// cleanup. Every execution leaves through exactly one terminal path.
package coordinator

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"runlab/internal/exec/limiter"
	"runlab/internal/exec/model"
	"runlab/internal/exec/pool"
	"runlab/internal/exec/quota"
	"runlab/internal/exec/repository"
	"runlab/internal/exec/runtime"
	"runlab/internal/exec/stream"
	appErr "runlab/pkg/errors"
	"runlab/pkg/utils/contextkey"
	"runlab/pkg/utils/logger"
)

const (
	defaultMaxScriptBytes = 128 * 1024
	defaultInlineOutputKB = 64
	defaultCancelGrace    = 2 * time.Second
	defaultStreamLinger   = 30 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	// DefaultImage is used when a submit request names none.
	DefaultImage string `yaml:"defaultImage"`
	// MaxScriptBytes caps submitted script size.
	MaxScriptBytes int64 `yaml:"maxScriptBytes"`
	// AcquireTimeout bounds the sandbox checkout wait per execution.
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
	// CancelGrace is the window between graceful signal and force kill.
	CancelGrace time.Duration `yaml:"cancelGrace"`
	// WatcherPoll is the limit watcher sampling period.
	WatcherPoll time.Duration `yaml:"watcherPoll"`
	// StreamLinger keeps the event stream replayable after the terminal
	// event.
	StreamLinger time.Duration `yaml:"streamLinger"`
	// Retention bounds how long terminal records stay in the archive.
	// Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
	// InlineOutputKB caps per-stream output returned inline in results;
	// overflow moves to the artifact store when one is configured.
	InlineOutputKB int64 `yaml:"inlineOutputKB"`
	// Quota is the default session quota applied when the request
	// carries none.
	Quota model.SessionQuota `yaml:"quota"`
}

func (c Config) withDefaults() Config {
	if c.MaxScriptBytes <= 0 {
		c.MaxScriptBytes = defaultMaxScriptBytes
	}
	if c.InlineOutputKB <= 0 {
		c.InlineOutputKB = defaultInlineOutputKB
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = defaultCancelGrace
	}
	if c.StreamLinger <= 0 {
		c.StreamLinger = defaultStreamLinger
	}
	return c
}

// SubmitRequest is one run request.
type SubmitRequest struct {
	SessionID string
	Image     string
	Script    string
	Params    map[string]string
	Limits    model.ResourceLimits
	// Quota overrides the configured default session quota.
	Quota *model.SessionQuota
}

// Coordinator wires the engine together. Collaborator fields holding
// repositories may be nil; persistence then degrades to in-memory only.
type Coordinator struct {
	cfg      Config
	pool     *pool.Manager
	rt       runtime.Runtime
	limiter  *limiter.Limiter
	streamer *stream.Streamer
	quota    quota.Tracker
	store    *Store

	statusRepo *repository.StatusRepository
	publisher  *repository.RecordPublisher
	artifacts  *repository.ArtifactStore
	archive    *repository.ArchiveRepository

	mu     sync.Mutex
	active map[string]*runState
	wg     sync.WaitGroup
	closed bool

	stopPurge chan struct{}
}

// runState is the cancellation handle of one in-flight execution.
type runState struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu      sync.Mutex
	sandbox *pool.Sandbox
}

// Option wires optional collaborators.
type Option func(*Coordinator)

// WithStatusRepository persists status snapshots in redis.
func WithStatusRepository(r *repository.StatusRepository) Option {
	return func(c *Coordinator) { c.statusRepo = r }
}

// WithRecordPublisher emits terminal records to the message queue.
func WithRecordPublisher(p *repository.RecordPublisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithArtifactStore offloads oversized output to object storage.
func WithArtifactStore(s *repository.ArtifactStore) Option {
	return func(c *Coordinator) { c.artifacts = s }
}

// WithArchive persists terminal records in mysql.
func WithArchive(a *repository.ArchiveRepository) Option {
	return func(c *Coordinator) { c.archive = a }
}

// New creates the coordinator.
func New(cfg Config, p *pool.Manager, rt runtime.Runtime, lim *limiter.Limiter, st *stream.Streamer, qt quota.Tracker, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		pool:     p,
		rt:       rt,
		limiter:  lim,
		streamer: st,
		quota:    qt,
		store:    NewStore(),
		active:   make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.stopPurge = make(chan struct{})
	if c.archive != nil && c.cfg.Retention > 0 {
		go c.purgeLoop()
	}
	return c
}

const archivePurgeInterval = time.Hour

// purgeLoop drops archived records older than the retention window.
func (c *Coordinator) purgeLoop() {
	ticker := time.NewTicker(archivePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPurge:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		cutoff := time.Now().Add(-c.cfg.Retention).UnixMilli()
		purged, err := c.archive.PurgeBefore(ctx, cutoff)
		cancel()
		if err != nil {
			logger.Warn(context.Background(), "archive purge failed", zap.Error(err))
			continue
		}
		if purged > 0 {
			logger.Info(context.Background(), "archive purged expired records",
				zap.Int64("records", purged))
		}
	}
}

// Submit validates and admits one execution. It returns as soon as the
// execution is queued; the run itself happens on a background goroutine.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.SessionID == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("session id is required")
	}
	if len(req.Script) == 0 {
		return "", appErr.New(appErr.ScriptEmpty).WithMessage("script is empty")
	}
	if int64(len(req.Script)) > c.cfg.MaxScriptBytes {
		return "", appErr.New(appErr.ScriptTooLarge).
			WithMessagef("script is %d bytes, cap is %d", len(req.Script), c.cfg.MaxScriptBytes)
	}
	if req.Image == "" {
		req.Image = c.cfg.DefaultImage
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("engine is shutting down")
	}
	c.mu.Unlock()

	sessionQuota := c.cfg.Quota
	if req.Quota != nil {
		sessionQuota = *req.Quota
	}
	reservation, err := c.quota.TryReserve(ctx, req.SessionID, sessionQuota)
	if err != nil {
		return "", err
	}

	execID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = context.WithValue(runCtx, contextkey.ExecutionID, execID)
	runCtx = context.WithValue(runCtx, contextkey.SessionID, req.SessionID)

	// Registration and the closed check share one critical section, so a
	// concurrent Shutdown either sees this execution in its sweep or rejects
	// it here. The quota slot must be unwound on rejection.
	state := &runState{cancel: cancel}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		reservation.Release(ctx)
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("engine is shutting down")
	}
	c.active[execID] = state
	c.wg.Add(1)
	c.mu.Unlock()

	exec := model.Execution{
		ID:        execID,
		SessionID: req.SessionID,
		Image:     req.Image,
		Script:    req.Script,
		Params:    req.Params,
		Status:    model.StatusQueued,
		Timestamps: model.Timestamps{
			QueuedAt: time.Now().UnixMilli(),
		},
	}
	c.store.Put(exec)
	c.streamer.Open(execID)
	c.streamer.Publish(execID, model.EventStatus, model.StatusQueued, "", "")
	c.persistSnapshot(ctx, execID)

	go func() {
		defer c.wg.Done()
		defer c.finishRun(execID)
		c.run(runCtx, execID, req, state, reservation)
	}()

	return execID, nil
}

func (c *Coordinator) finishRun(execID string) {
	c.mu.Lock()
	delete(c.active, execID)
	c.mu.Unlock()
	c.streamer.Remove(execID, c.cfg.StreamLinger)
	// Evict the in-memory record once the linger window closes; late readers
	// are served from the status repository and the archive.
	time.AfterFunc(c.cfg.StreamLinger, func() { c.store.Delete(execID) })
}

// run drives one execution to its single terminal state. The quota
// reservation is released on every path, and the sandbox always leaves
// through Release or Destroy.
func (c *Coordinator) run(ctx context.Context, execID string, req SubmitRequest, state *runState, reservation *quota.Reservation) {
	defer reservation.Release(context.WithoutCancel(ctx))

	envelope, limits, err := c.limiter.Apply(req.Limits)
	if err != nil {
		c.finishError(ctx, execID, model.StatusFailed, model.ReasonInternal, err)
		return
	}

	sb, err := c.pool.Acquire(ctx, req.Image, c.cfg.AcquireTimeout)
	if err != nil {
		if state.cancelled.Load() {
			c.finishCancelled(ctx, execID)
			return
		}
		reason := model.ReasonInternal
		if appErr.GetCode(err) == appErr.AcquireTimeout {
			reason = model.ReasonAcquireTimeout
		}
		c.finishError(ctx, execID, model.StatusFailed, reason, err)
		return
	}

	state.mu.Lock()
	state.sandbox = sb
	state.mu.Unlock()

	if state.cancelled.Load() {
		c.pool.Release(ctx, sb)
		c.finishCancelled(ctx, execID)
		return
	}

	if ok := c.store.Transition(execID, model.StatusRunning, func(e *model.Execution) {
		e.Timestamps.StartedAt = time.Now().UnixMilli()
		e.SandboxID = sb.ID
		e.Limits = limits
	}); !ok {
		// Terminal already, someone cancelled between the check above and here.
		c.pool.Release(ctx, sb)
		return
	}
	c.streamer.Publish(execID, model.EventStatus, model.StatusRunning, "", "")
	c.persistSnapshot(ctx, execID)

	sink := newOutputCollector(c.streamer, execID)
	watchCtx, stopWatch := context.WithCancel(ctx)
	breachCh := limiter.Watch(watchCtx, limits,
		func() (model.ResourceUsage, error) { return c.rt.Usage(sb.Handle) },
		func() {
			if err := c.rt.Signal(context.Background(), sb.Handle, false); err != nil {
				logger.Warn(ctx, "limit watcher kill failed",
					zap.String("sandbox_id", sb.ID), zap.Error(err))
			}
		},
		limiter.WatchConfig{PollInterval: c.cfg.WatcherPoll},
	)

	res, execErr := c.rt.Exec(ctx, sb.Handle, runtime.RunSpec{
		ExecutionID: execID,
		Script:      req.Script,
		Params:      req.Params,
		Envelope:    envelope,
	}, sink)

	stopWatch()
	var breach *limiter.Breach
	if b, ok := <-breachCh; ok {
		breach = &b
	}

	c.settle(ctx, execID, req.SessionID, sb, state, res, execErr, breach, sink)
}

// settle decides the terminal state. Precedence: cancellation, then a
// watcher-detected breach, then runtime failure, then the natural exit.
func (c *Coordinator) settle(ctx context.Context, execID, sessionID string, sb *pool.Sandbox, state *runState, res runtime.RunResult, execErr error, breach *limiter.Breach, sink *outputCollector) {
	if err := c.quota.AddCPUTime(context.WithoutCancel(ctx), sessionID, res.Usage.CPUTimeMs); err != nil {
		logger.Warn(ctx, "charge cpu budget failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	status := model.StatusCompleted
	reason := model.ReasonNone
	var errorCode appErr.ErrorCode
	errorMsg := ""
	destroySandbox := false

	switch {
	case state.cancelled.Load():
		status = model.StatusCancelled
		reason = model.ReasonCancelled
		destroySandbox = true

	case breach != nil:
		if breach.Reason == model.ReasonWallTimeout {
			status = model.StatusTimedOut
			errorCode = appErr.ExecTimedOut
		} else {
			status = model.StatusFailed
			errorCode = appErr.ResourceExceeded
		}
		reason = breach.Reason
		errorMsg = breach.Detail
		destroySandbox = true

	case res.OOMKilled:
		status = model.StatusFailed
		reason = model.ReasonResourceExceeded
		errorCode = appErr.ResourceExceeded
		errorMsg = "memory limit reached, sandbox oom-killed"
		destroySandbox = true

	case execErr != nil:
		status = model.StatusFailed
		reason = model.ReasonSandboxCrash
		errorCode = appErr.GetCode(execErr)
		if errorCode == appErr.InternalServerError {
			errorCode = appErr.SandboxCrash
		}
		errorMsg = execErr.Error()
		destroySandbox = true

	case res.ExitCode != 0:
		status = model.StatusFailed
	}

	stdout, stderr, truncated := sink.snapshot()
	artifacts := c.offloadOutput(ctx, execID, &stdout, &stderr)

	transitioned := c.store.Transition(execID, status, func(e *model.Execution) {
		e.Reason = reason
		e.ErrorCode = int(errorCode)
		e.ErrorMsg = errorMsg
		e.ExitCode = res.ExitCode
		e.Usage = res.Usage
		e.Stdout = stdout
		e.Stderr = stderr
		e.OutputTruncated = truncated || res.Truncated
		e.Artifacts = artifacts
		e.Timestamps.FinishedAt = time.Now().UnixMilli()
	})

	if destroySandbox {
		c.pool.Destroy(context.WithoutCancel(ctx), sb)
	} else {
		c.pool.Release(context.WithoutCancel(ctx), sb)
	}

	if !transitioned {
		// A concurrent cancel won the terminal write; nothing more to emit.
		return
	}
	c.emitTerminal(ctx, execID, status)
}

// finishError ends an execution that never reached a sandbox.
func (c *Coordinator) finishError(ctx context.Context, execID string, status model.ExecStatus, reason model.FailureReason, err error) {
	code := appErr.GetCode(err)
	transitioned := c.store.Transition(execID, status, func(e *model.Execution) {
		e.Reason = reason
		e.ErrorCode = int(code)
		e.ErrorMsg = err.Error()
		e.Timestamps.FinishedAt = time.Now().UnixMilli()
	})
	if transitioned {
		c.emitTerminal(ctx, execID, status)
	}
}

func (c *Coordinator) finishCancelled(ctx context.Context, execID string) {
	transitioned := c.store.Transition(execID, model.StatusCancelled, func(e *model.Execution) {
		e.Reason = model.ReasonCancelled
		e.Timestamps.FinishedAt = time.Now().UnixMilli()
	})
	if transitioned {
		c.emitTerminal(ctx, execID, model.StatusCancelled)
	}
}

// emitTerminal publishes the terminal event and persists the final record.
func (c *Coordinator) emitTerminal(ctx context.Context, execID string, status model.ExecStatus) {
	ctx = context.WithoutCancel(ctx)
	exec, ok := c.store.Get(execID)
	if !ok {
		return
	}

	c.streamer.Publish(execID, model.TerminalEventType(status), status, "", "")
	c.persistSnapshot(ctx, execID)

	if c.publisher != nil {
		c.publisher.PublishTerminal(ctx, exec)
	}
	if c.archive != nil {
		if err := c.archive.SaveTerminal(ctx, exec); err != nil {
			logger.Warn(ctx, "archive terminal record failed",
				zap.String("execution_id", execID), zap.Error(err))
		}
	}
}

// offloadOutput moves output beyond the inline cap into the artifact store,
// keeping only the head inline.
func (c *Coordinator) offloadOutput(ctx context.Context, execID string, stdout, stderr *string) []model.Artifact {
	if c.artifacts == nil {
		return nil
	}
	inlineCap := c.cfg.InlineOutputKB * 1024
	var out []model.Artifact
	for _, entry := range []struct {
		name string
		body *string
	}{{"stdout", stdout}, {"stderr", stderr}} {
		if int64(len(*entry.body)) <= inlineCap {
			continue
		}
		artifact, err := c.artifacts.Put(ctx, execID, entry.name, "text/plain", []byte(*entry.body))
		if err != nil {
			logger.Warn(ctx, "artifact upload failed",
				zap.String("execution_id", execID), zap.String("artifact", entry.name), zap.Error(err))
			continue
		}
		*entry.body = (*entry.body)[:inlineCap]
		out = append(out, artifact)
	}
	return out
}

func (c *Coordinator) persistSnapshot(ctx context.Context, execID string) {
	if c.statusRepo == nil {
		return
	}
	exec, ok := c.store.Get(execID)
	if !ok {
		return
	}
	if err := c.statusRepo.Save(context.WithoutCancel(ctx), exec); err != nil {
		logger.Warn(ctx, "persist status snapshot failed",
			zap.String("execution_id", execID), zap.Error(err))
	}
}

// Cancel stops an execution. Queued executions go terminal without touching
// a sandbox; running ones get a graceful signal, then a force kill after
// CancelGrace. Cancelling a terminal execution is a no-op that reports the
// current status.
func (c *Coordinator) Cancel(ctx context.Context, execID string) (model.ExecStatus, error) {
	exec, ok := c.store.Get(execID)
	if !ok {
		return "", appErr.New(appErr.ExecutionNotFound).
			WithMessagef("execution %s not found", execID)
	}
	if exec.Status.IsTerminal() {
		return exec.Status, nil
	}

	c.mu.Lock()
	state := c.active[execID]
	c.mu.Unlock()
	if state == nil {
		// Run goroutine already gone; the record will settle terminal.
		if cur, ok := c.store.Get(execID); ok {
			return cur.Status, nil
		}
		return exec.Status, nil
	}

	state.cancelled.Store(true)
	state.cancel()

	state.mu.Lock()
	sb := state.sandbox
	state.mu.Unlock()
	if sb != nil {
		if err := c.rt.Signal(ctx, sb.Handle, true); err != nil {
			logger.Warn(ctx, "graceful cancel signal failed",
				zap.String("execution_id", execID), zap.Error(err))
		}
		time.AfterFunc(c.cfg.CancelGrace, func() {
			_ = c.rt.Signal(context.Background(), sb.Handle, false)
		})
	}

	cur, _ := c.store.Get(execID)
	return cur.Status, nil
}

// GetStatus reports the execution's current status view, falling back to
// the status repository and then the archive for records this instance no
// longer holds in memory.
func (c *Coordinator) GetStatus(ctx context.Context, execID string) (model.StatusView, error) {
	if exec, ok := c.store.Get(execID); ok {
		return model.StatusOf(exec), nil
	}
	if c.statusRepo != nil {
		if exec, err := c.statusRepo.Get(ctx, execID); err == nil {
			return model.StatusOf(exec), nil
		}
	}
	if c.archive != nil {
		if exec, err := c.archive.GetTerminal(ctx, execID); err == nil {
			return model.StatusOf(exec), nil
		}
	}
	return model.StatusView{}, appErr.New(appErr.ExecutionNotFound).
		WithMessagef("execution %s not found", execID)
}

// GetResult reports the terminal result. A non-terminal execution yields
// ExecutionNotReady.
func (c *Coordinator) GetResult(ctx context.Context, execID string) (model.ResultView, error) {
	exec, ok := c.store.Get(execID)
	if !ok {
		if c.statusRepo != nil {
			if fromRepo, err := c.statusRepo.Get(ctx, execID); err == nil {
				exec, ok = fromRepo, true
			}
		}
	}
	if !ok && c.archive != nil {
		if fromArchive, err := c.archive.GetTerminal(ctx, execID); err == nil {
			exec, ok = fromArchive, true
		}
	}
	if !ok {
		return model.ResultView{}, appErr.New(appErr.ExecutionNotFound).
			WithMessagef("execution %s not found", execID)
	}
	if !exec.Status.IsTerminal() {
		return model.ResultView{}, appErr.New(appErr.ExecutionNotReady).
			WithMessagef("execution %s is %s", execID, exec.Status)
	}
	return model.ResultOf(exec), nil
}

// Subscribe attaches to an execution's live event stream.
func (c *Coordinator) Subscribe(execID string, fromSeq uint64) (*stream.Subscription, error) {
	return c.streamer.Subscribe(execID, fromSeq)
}

// Shutdown cancels in-flight executions and waits for their terminal
// bookkeeping, bounded by ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	for _, state := range c.active {
		state.cancelled.Store(true)
		state.cancel()
	}
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.stopPurge)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return appErr.Wrap(ctx.Err(), appErr.ServiceUnavailable).
			WithMessage("executions still in flight at shutdown")
	}
}

// outputCollector is the runtime sink: it buffers output for the result and
// republishes each chunk as a stream event.
type outputCollector struct {
	streamer *stream.Streamer
	execID   string

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newOutputCollector(st *stream.Streamer, execID string) *outputCollector {
	return &outputCollector{streamer: st, execID: execID}
}

func (o *outputCollector) Write(streamName model.OutputStream, chunk []byte) {
	o.mu.Lock()
	if streamName == model.StreamStderr {
		o.stderr.Write(chunk)
	} else {
		o.stdout.Write(chunk)
	}
	o.mu.Unlock()

	o.streamer.Publish(o.execID, model.EventOutput, "", streamName, string(chunk))
}

func (o *outputCollector) snapshot() (stdout, stderr string, truncated bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.String(), o.stderr.String(), false
}
