package model

// ResourceLimits describes the bounded envelope applied to one execution.
type ResourceLimits struct {
	// CPUShares is the relative CPU weight of the sandbox (cgroup v2 cpu.weight).
	CPUShares int64 `json:"cpu_shares" yaml:"cpuShares"`

	// CPUTimeMs caps the cumulative CPU time of the sandboxed process tree.
	CPUTimeMs int64 `json:"cpu_time_ms" yaml:"cpuTimeMs"`

	// MemoryMB caps the resident set size of the sandboxed process tree.
	MemoryMB int64 `json:"memory_mb" yaml:"memoryMB"`

	// WallTimeMs caps the wall-clock duration measured from process start.
	WallTimeMs int64 `json:"wall_time_ms" yaml:"wallTimeMs"`

	// PIDs caps the number of processes inside the sandbox.
	PIDs int64 `json:"pids" yaml:"pids"`

	// MaxOutputKB caps the captured stdout/stderr volume; output beyond the
	// cap is truncated, not a failure.
	MaxOutputKB int64 `json:"max_output_kb" yaml:"maxOutputKB"`

	// DisableNetwork detaches the sandbox from any network namespace.
	DisableNetwork bool `json:"disable_network" yaml:"disableNetwork"`
}

// MergeLimits overlays non-zero fields of override onto base.
func MergeLimits(override, base ResourceLimits) ResourceLimits {
	out := base
	if override.CPUShares > 0 {
		out.CPUShares = override.CPUShares
	}
	if override.CPUTimeMs > 0 {
		out.CPUTimeMs = override.CPUTimeMs
	}
	if override.MemoryMB > 0 {
		out.MemoryMB = override.MemoryMB
	}
	if override.WallTimeMs > 0 {
		out.WallTimeMs = override.WallTimeMs
	}
	if override.PIDs > 0 {
		out.PIDs = override.PIDs
	}
	if override.MaxOutputKB > 0 {
		out.MaxOutputKB = override.MaxOutputKB
	}
	if override.DisableNetwork {
		out.DisableNetwork = true
	}
	return out
}

// ResourceUsage records what an execution actually consumed.
type ResourceUsage struct {
	WallTimeMs   int64 `json:"wall_time_ms"`
	CPUTimeMs    int64 `json:"cpu_time_ms"`
	PeakMemoryKB int64 `json:"peak_memory_kb"`
	OutputKB     int64 `json:"output_kb"`
}
