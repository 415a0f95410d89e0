package model

// ExecStatus is the lifecycle status of one execution.
type ExecStatus string

const (
	StatusQueued    ExecStatus = "queued"
	StatusRunning   ExecStatus = "running"
	StatusCompleted ExecStatus = "completed"
	StatusFailed    ExecStatus = "failed"
	StatusTimedOut  ExecStatus = "timed_out"
	StatusCancelled ExecStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// FailureReason classifies why an execution ended in failed/timed_out.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonSandboxCrash     FailureReason = "sandbox_crash"
	ReasonResourceExceeded FailureReason = "resource_exceeded"
	ReasonWallTimeout      FailureReason = "wall_timeout"
	ReasonAcquireTimeout   FailureReason = "acquire_timeout"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonInternal         FailureReason = "internal"
)

// Artifact is a structured result produced by the script beyond plain output.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	// StorageKey locates the artifact payload in object storage.
	StorageKey string `json:"storage_key,omitempty"`
}

// Timestamps carries the lifecycle timeline of one execution, unix milliseconds.
type Timestamps struct {
	QueuedAt   int64 `json:"queued_at"`
	StartedAt  int64 `json:"started_at,omitempty"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// Execution is the full lifecycle record of one run request.
type Execution struct {
	ID        string            `json:"execution_id"`
	SessionID string            `json:"session_id"`
	Image     string            `json:"image"`
	Script    string            `json:"-"`
	Params    map[string]string `json:"params,omitempty"`

	Status     ExecStatus     `json:"status"`
	Reason     FailureReason  `json:"reason,omitempty"`
	ErrorCode  int            `json:"error_code,omitempty"`
	ErrorMsg   string         `json:"error_message,omitempty"`
	Timestamps Timestamps     `json:"timestamps"`
	Limits     ResourceLimits `json:"limits"`
	Usage      ResourceUsage  `json:"usage"`

	ExitCode        int        `json:"exit_code"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	OutputTruncated bool       `json:"output_truncated,omitempty"`
	Artifacts       []Artifact `json:"artifacts,omitempty"`

	// SandboxID is the sandbox bound for the running window, diagnostic only.
	SandboxID string `json:"sandbox_id,omitempty"`
}

// StatusView is the caller-facing subset returned by get_status.
type StatusView struct {
	ID         string        `json:"execution_id"`
	SessionID  string        `json:"session_id"`
	Status     ExecStatus    `json:"status"`
	Reason     FailureReason `json:"reason,omitempty"`
	ErrorCode  int           `json:"error_code,omitempty"`
	ErrorMsg   string        `json:"error_message,omitempty"`
	Timestamps Timestamps    `json:"timestamps"`
	Usage      ResourceUsage `json:"usage"`
}

// ResultView is the caller-facing subset returned by get_result.
type ResultView struct {
	ID              string        `json:"execution_id"`
	Status          ExecStatus    `json:"status"`
	Reason          FailureReason `json:"reason,omitempty"`
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	OutputTruncated bool          `json:"output_truncated,omitempty"`
	Artifacts       []Artifact    `json:"artifacts,omitempty"`
	Usage           ResourceUsage `json:"usage"`
}

// StatusOf projects an execution into its status view.
func StatusOf(exec Execution) StatusView {
	return StatusView{
		ID:         exec.ID,
		SessionID:  exec.SessionID,
		Status:     exec.Status,
		Reason:     exec.Reason,
		ErrorCode:  exec.ErrorCode,
		ErrorMsg:   exec.ErrorMsg,
		Timestamps: exec.Timestamps,
		Usage:      exec.Usage,
	}
}

// ResultOf projects a terminal execution into its result view.
func ResultOf(exec Execution) ResultView {
	return ResultView{
		ID:              exec.ID,
		Status:          exec.Status,
		Reason:          exec.Reason,
		ExitCode:        exec.ExitCode,
		Stdout:          exec.Stdout,
		Stderr:          exec.Stderr,
		OutputTruncated: exec.OutputTruncated,
		Artifacts:       exec.Artifacts,
		Usage:           exec.Usage,
	}
}
