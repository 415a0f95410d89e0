package runtime

// InitRequest is the JSON document the engine hands to the sandbox-init
// helper on stdin. The helper applies rlimits and seccomp inside the new
// namespaces, then execs the command.
type InitRequest struct {
	WorkDir       string   `json:"work_dir"`
	Cmd           []string `json:"cmd"`
	Env           []string `json:"env"`
	CPUTimeMs     int64    `json:"cpu_time_ms"`
	FileSizeMB    int64    `json:"file_size_mb"`
	StackKB       int64    `json:"stack_kb"`
	EnableSeccomp bool     `json:"enable_seccomp"`
}
