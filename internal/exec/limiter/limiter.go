// Package limiter translates caller-facing resource limits into the concrete
// isolation envelope applied to a sandbox, and enforces the envelope at runtime.
package limiter

import (
	"time"

	"runlab/internal/exec/model"
	appErr "runlab/pkg/errors"
)

const (
	// ScratchDir is the only writable path inside a sandbox.
	ScratchDir = "/work"

	defaultCPUWeight  = 100
	defaultPIDs       = 64
	defaultOutputKB   = 256
	defaultWallTimeMs = 10_000
)

// Envelope is the concrete isolation configuration for one execution.
// It is derived once, before the user process starts, and never mutated.
type Envelope struct {
	CPUWeight      int64
	CPUTimeMs      int64
	MemoryMaxBytes int64
	PidsMax        int64
	WallTime       time.Duration
	MaxOutputBytes int64
	DisableNetwork bool
	ReadOnlyRoot   bool
	ScratchDir     string
}

// Limiter validates and bounds caller limits.
type Limiter struct {
	defaults model.ResourceLimits
	ceilings model.ResourceLimits
}

// New creates a limiter. Zero ceiling fields mean "no ceiling".
func New(defaults, ceilings model.ResourceLimits) *Limiter {
	if defaults.CPUShares <= 0 {
		defaults.CPUShares = defaultCPUWeight
	}
	if defaults.PIDs <= 0 {
		defaults.PIDs = defaultPIDs
	}
	if defaults.MaxOutputKB <= 0 {
		defaults.MaxOutputKB = defaultOutputKB
	}
	if defaults.WallTimeMs <= 0 {
		defaults.WallTimeMs = defaultWallTimeMs
	}
	return &Limiter{defaults: defaults, ceilings: ceilings}
}

// Apply merges caller limits with defaults, clamps them at the configured
// ceilings and produces the envelope. It fails closed: an envelope that
// cannot be built means the execution must not start.
func (l *Limiter) Apply(requested model.ResourceLimits) (Envelope, model.ResourceLimits, error) {
	// Negative fields must be rejected here: the merge only adopts positive
	// overrides and would silently replace them with defaults.
	if requested.CPUShares < 0 || requested.CPUTimeMs < 0 || requested.MemoryMB < 0 ||
		requested.WallTimeMs < 0 || requested.PIDs < 0 || requested.MaxOutputKB < 0 {
		return Envelope{}, model.ResourceLimits{}, appErr.New(appErr.LimitApplyFailed).
			WithMessage("negative resource limit")
	}

	limits := model.MergeLimits(requested, l.defaults)
	limits = clamp(limits, l.ceilings)

	if limits.WallTimeMs <= 0 {
		return Envelope{}, model.ResourceLimits{}, appErr.New(appErr.LimitApplyFailed).
			WithMessage("wall-clock timeout must be positive")
	}

	env := Envelope{
		CPUWeight:      limits.CPUShares,
		CPUTimeMs:      limits.CPUTimeMs,
		MemoryMaxBytes: limits.MemoryMB * 1024 * 1024,
		PidsMax:        limits.PIDs,
		WallTime:       time.Duration(limits.WallTimeMs) * time.Millisecond,
		MaxOutputBytes: limits.MaxOutputKB * 1024,
		DisableNetwork: limits.DisableNetwork,
		ReadOnlyRoot:   true,
		ScratchDir:     ScratchDir,
	}
	return env, limits, nil
}

func clamp(limits, ceilings model.ResourceLimits) model.ResourceLimits {
	out := limits
	if ceilings.CPUTimeMs > 0 && (out.CPUTimeMs == 0 || out.CPUTimeMs > ceilings.CPUTimeMs) {
		out.CPUTimeMs = ceilings.CPUTimeMs
	}
	if ceilings.MemoryMB > 0 && (out.MemoryMB == 0 || out.MemoryMB > ceilings.MemoryMB) {
		out.MemoryMB = ceilings.MemoryMB
	}
	if ceilings.WallTimeMs > 0 && (out.WallTimeMs == 0 || out.WallTimeMs > ceilings.WallTimeMs) {
		out.WallTimeMs = ceilings.WallTimeMs
	}
	if ceilings.PIDs > 0 && (out.PIDs == 0 || out.PIDs > ceilings.PIDs) {
		out.PIDs = ceilings.PIDs
	}
	if ceilings.MaxOutputKB > 0 && (out.MaxOutputKB == 0 || out.MaxOutputKB > ceilings.MaxOutputKB) {
		out.MaxOutputKB = ceilings.MaxOutputKB
	}
	return out
}
