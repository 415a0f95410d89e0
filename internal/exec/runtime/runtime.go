// Package runtime provides the sandbox backends the pool manager provisions
// from. Two variants exist behind one interface, selected at construction:
// SimulatedRuntime for tests and non-linux development, IsolatedRuntime for
// real namespace plus cgroup isolation on linux.
package runtime

import (
	"context"

	"runlab/internal/exec/limiter"
	"runlab/internal/exec/model"
)

// Handle identifies one provisioned sandbox instance. It carries no live
// state; backends keep their own bookkeeping keyed by ID.
type Handle struct {
	ID      string
	Image   string
	WorkDir string
}

// Sink receives live output chunks from a running sandbox. Implementations
// must not block the producing goroutine.
type Sink interface {
	Write(stream model.OutputStream, chunk []byte)
}

// RunSpec describes one execution inside a provisioned sandbox.
type RunSpec struct {
	ExecutionID string
	Script      string
	Params      map[string]string
	Envelope    limiter.Envelope
}

// RunResult is the outcome of one completed (or killed) run.
type RunResult struct {
	ExitCode  int
	OOMKilled bool
	// Killed reports that the process tree was terminated externally,
	// by Signal or by the limit watcher.
	Killed bool
	// Truncated reports that output past the envelope cap was dropped.
	Truncated bool
	Usage     model.ResourceUsage
}

// Runtime is the backend contract the pool and coordinator work against.
//
// Provision creates a fresh sandbox for the image. Exec runs exactly one
// script inside it and returns when the process tree has fully exited.
// Reset returns a used sandbox to a clean state; a Reset error means the
// sandbox must be destroyed, never reused. Destroy is idempotent.
type Runtime interface {
	Provision(ctx context.Context, image string) (Handle, error)
	Exec(ctx context.Context, h Handle, spec RunSpec, sink Sink) (RunResult, error)
	Usage(h Handle) (model.ResourceUsage, error)
	Signal(ctx context.Context, h Handle, graceful bool) error
	Reset(ctx context.Context, h Handle) error
	Destroy(ctx context.Context, h Handle) error
}
