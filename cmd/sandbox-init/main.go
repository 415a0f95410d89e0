//go:build linux

// sandbox-init is the first process inside a sandbox's namespaces. It reads
// an init request on stdin, applies rlimits and the seccomp filter, then
// execs the user command. stdout and stderr stay attached to the pipes the
// engine created, which is how output streams live.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"runlab/internal/exec/runtime"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req); err != nil {
		return err
	}
	if err := redirectStdin(); err != nil {
		return err
	}

	env := buildEnv(req.Env)
	os.Clearenv()
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if err := os.Setenv(parts[0], parts[1]); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if req.EnableSeccomp {
		if err := applySeccomp(); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r io.Reader) (runtime.InitRequest, error) {
	dec := json.NewDecoder(r)
	var req runtime.InitRequest
	if err := dec.Decode(&req); err != nil {
		return runtime.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func applyRlimits(req runtime.InitRequest) error {
	if req.CPUTimeMs > 0 {
		seconds := uint64((req.CPUTimeMs + 999) / 1000)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if req.FileSizeMB > 0 {
		bytes := uint64(req.FileSizeMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	if req.StackKB > 0 {
		bytes := uint64(req.StackKB * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	return nil
}

// redirectStdin points stdin at /dev/null; stdout and stderr keep the
// engine's pipes.
func redirectStdin() error {
	devNull, err := os.Open("/dev/null")
	if err != nil {
		return fmt.Errorf("open /dev/null: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return devNull.Close()
}

func buildEnv(env []string) []string {
	out := env
	hasPath := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
			break
		}
	}
	if !hasPath {
		out = append(out, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	}
	return out
}

// deniedSyscalls are killed outright. Everything else is allowed; the
// namespaces, cgroup and rlimits carry the rest of the containment.
var deniedSyscalls = []string{
	"mount", "umount2", "pivot_root", "chroot",
	"reboot", "kexec_load", "swapon", "swapoff",
	"ptrace", "process_vm_readv", "process_vm_writev",
	"init_module", "finit_module", "delete_module",
	"sethostname", "setdomainname",
	"settimeofday", "clock_settime", "adjtimex",
	"acct", "bpf", "perf_event_open",
}

func applySeccomp() error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, name := range deniedSyscalls {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Not every kernel exposes every syscall; skip unknown names.
			continue
		}
		if err := filter.AddRule(sc, seccomp.ActKillProcess); err != nil {
			return fmt.Errorf("add seccomp rule for %s: %w", name, err)
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
