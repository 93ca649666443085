//go:build linux

// Command sandbox-init prepares resource limits and privileges for one
// judged process and then execs it. The judge engine passes the request as
// JSON on fd 3 and watches fd 4, which is close-on-exec, for setup errors.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	requestFD = 3
	statusFD  = 4

	defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

type initRequest struct {
	WorkDir        string   `json:"workDir"`
	Cmd            []string `json:"cmd"`
	Env            []string `json:"env"`
	CPUTimeMs      int64    `json:"cpuTimeMs"`
	StackMB        int64    `json:"stackMb"`
	FileSizeKB     int64    `json:"fileSizeKb"`
	PIDs           int64    `json:"pids"`
	UID            int      `json:"uid"`
	GID            int      `json:"gid"`
	SeccompProfile string   `json:"seccompProfile"`
}

func main() {
	unix.CloseOnExec(statusFD)
	status := os.NewFile(statusFD, "status")
	if err := run(); err != nil {
		if status != nil {
			_, _ = fmt.Fprintln(status, err.Error())
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}
}

func run() error {
	req, err := decodeRequest()
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

	env := buildEnv(req.Env)
	cmdPath, err := lookPath(req.Cmd[0], env)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if err := applyRlimits(req); err != nil {
		return err
	}
	if err := dropPrivileges(req.UID, req.GID); err != nil {
		return err
	}
	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest() (initRequest, error) {
	f := os.NewFile(requestFD, "request")
	if f == nil {
		return initRequest{}, fmt.Errorf("request fd is not open")
	}
	defer f.Close()
	var req initRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// lookPath resolves name against the PATH the target will run with.
func lookPath(name string, env []string) (string, error) {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			_ = os.Setenv("PATH", strings.TrimPrefix(kv, "PATH="))
		}
	}
	return exec.LookPath(name)
}

func applyRlimits(req initRequest) error {
	if req.CPUTimeMs > 0 {
		seconds := uint64((req.CPUTimeMs + 999) / 1000)
		// The hard limit sits one second above so SIGXCPU arrives before SIGKILL.
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if req.FileSizeKB > 0 {
		bytes := uint64(req.FileSizeKB * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	if req.StackMB > 0 {
		bytes := uint64(req.StackMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	if req.PIDs > 0 {
		val := uint64(req.PIDs)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	return nil
}

// dropPrivileges switches to the dedicated run-as user; 0 keeps the current ids.
func dropPrivileges(uid, gid int) error {
	if gid > 0 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setresgid(gid, gid, gid); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if uid > 0 {
		if err := unix.Setresuid(uid, uid, uid); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	return nil
}

func buildEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, defaultPath)
	}
	return out
}
