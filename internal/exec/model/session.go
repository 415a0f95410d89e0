package model

import "time"

// SessionQuota is the execution budget of one session. It is supplied by the
// external session collaborator; the engine only enforces it.
type SessionQuota struct {
	// MaxConcurrent caps executions in queued/running state at any instant.
	MaxConcurrent int `json:"max_concurrent" yaml:"maxConcurrent"`

	// MaxPerWindow caps admissions inside one quota window.
	MaxPerWindow int `json:"max_per_window" yaml:"maxPerWindow"`

	// Window is the fixed admission-counting window.
	Window time.Duration `json:"window" yaml:"window"`

	// MaxCPUTimeMs caps the session's cumulative sandbox CPU time.
	// Zero means unlimited.
	MaxCPUTimeMs int64 `json:"max_cpu_time_ms" yaml:"maxCPUTimeMs"`
}

// StatusEvent wraps a terminal execution record for downstream consumers.
type StatusEvent struct {
	Type      string    `json:"type"`
	Execution Execution `json:"execution"`
	CreatedAt int64     `json:"created_at"`
}

// StatusEventFinal marks the single terminal record emitted per execution.
const StatusEventFinal = "final"
