//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"ojjudge/internal/judge/sandbox/result"
	"ojjudge/internal/judge/sandbox/spec"
	appErr "ojjudge/pkg/errors"
	"ojjudge/pkg/utils/logger"
)

// initRequest is read by cmd/sandbox-init from fd 3.
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

type subprocessEngine struct {
	cfg Config
}

func newSubprocessEngine(cfg Config) (Engine, error) {
	if _, err := exec.LookPath(cfg.HelperPath); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "sandbox helper %s not found", cfg.HelperPath)
	}
	return &subprocessEngine{cfg: cfg}, nil
}

func (e *subprocessEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunOutcome{}, err
	}
	limits := runSpec.Limits

	var cg *runCgroup
	if e.cfg.EnableCgroup {
		var err error
		cg, err = createRunCgroup(e.cfg.CgroupRoot)
		if err != nil {
			return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create cgroup")
		}
		defer cg.remove()
		if err := cg.apply(limits); err != nil {
			return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "apply cgroup limits")
		}
	}

	stdin, err := openStdinFile(runSpec.StdinPath)
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "open stdin")
	}
	defer stdin.Close()

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create request pipe")
	}
	defer reqR.Close()
	defer reqW.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "create status pipe")
	}
	defer errR.Close()
	defer errW.Close()

	outputLimit := e.cfg.outputLimit(limits)
	stdout := newBoundedBuffer(outputLimit)
	stderr := newBoundedBuffer(outputLimit)

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.Dir = runSpec.WorkDir
	cmd.Env = []string{}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{reqR, errW}
	cmd.WaitDelay = e.cfg.grace()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "start sandbox helper")
	}
	start := time.Now()
	_ = reqR.Close()
	_ = errW.Close()
	pid := cmd.Process.Pid

	var killed atomic.Bool
	kill := func() {
		killed.Store(true)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		if cg != nil {
			_ = cg.kill()
		}
	}

	if cg != nil {
		if err := cg.addProcess(pid); err != nil {
			kill()
			_ = cmd.Wait()
			return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "join cgroup")
		}
	}

	if err := json.NewEncoder(reqW).Encode(e.initRequest(runSpec)); err != nil {
		kill()
		_ = cmd.Wait()
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "send init request")
	}
	_ = reqW.Close()

	// The status pipe is close-on-exec in the helper: EOF without data means
	// the target was exec'd, anything else is a setup failure.
	setupErr, _ := io.ReadAll(io.LimitReader(errR, 4096))
	if len(setupErr) > 0 {
		_ = cmd.Wait()
		return result.RunOutcome{}, appErr.New(appErr.SandboxSpawnFailed).
			WithMessagef("sandbox setup failed: %s", strings.TrimSpace(string(setupErr)))
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(time.Duration(limits.TimeLimitMs)*time.Millisecond+e.cfg.grace(), func() {
		timedOut.Store(true)
		kill()
	})
	defer timer.Stop()
	stopOnCancel := context.AfterFunc(ctx, kill)
	defer stopOnCancel()

	watch := startMemoryWatch(e.cfg.pollInterval(), limits.MemoryMB*1024, func() (int64, bool) {
		return sampleProcessKB(pid, cg)
	}, kill)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)
	watch.Stop()
	timer.Stop()

	if ctx.Err() != nil {
		return result.RunOutcome{}, appErr.Wrapf(ctx.Err(), appErr.JudgeSystemError, "run canceled")
	}

	out := result.RunOutcome{
		TimedOut:        timedOut.Load(),
		MemoryExceeded:  watch.Exceeded(),
		ElapsedMs:       elapsed.Milliseconds(),
		PeakMemoryKB:    watch.PeakKB(),
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		OutputTruncated: stdout.truncated || stderr.truncated,
	}
	fillExitStatus(&out, waitErr, cmd.ProcessState)
	if cg != nil {
		if peak := cg.peakKB(); peak > out.PeakMemoryKB {
			out.PeakMemoryKB = peak
		}
		if cg.oomKilled() {
			out.MemoryExceeded = true
		}
	}
	if rss := maxRSSKB(cmd.ProcessState); rss > out.PeakMemoryKB {
		out.PeakMemoryKB = rss
	}
	classifyTiming(&out, limits)

	if waitErr != nil && !killed.Load() && out.ExitCode < 0 {
		logger.Warn(ctx, "sandbox helper wait failed", zap.Error(waitErr))
	}
	return out, nil
}

func (e *subprocessEngine) initRequest(runSpec spec.RunSpec) initRequest {
	limits := runSpec.Limits
	req := initRequest{
		WorkDir: runSpec.WorkDir,
		Cmd:     runSpec.Cmd,
		Env:     runSpec.Env,
		// CPU backstop in case the wall timer is starved.
		CPUTimeMs:  limits.TimeLimitMs + e.cfg.GraceMs,
		StackMB:    limits.StackMB,
		FileSizeKB: limits.OutputKB,
		PIDs:       limits.PIDs,
		UID:        e.cfg.RunAsUID,
		GID:        e.cfg.RunAsGID,
	}
	if e.cfg.EnableSeccomp {
		req.SeccompProfile = e.cfg.SeccompProfile
	}
	return req
}

// sampleProcessKB reads VmRSS of pid, or the cgroup usage when it is larger.
func sampleProcessKB(pid int, cg *runCgroup) (int64, bool) {
	var kb int64
	ok := false
	if proc, err := procfs.NewProc(pid); err == nil {
		if status, err := proc.NewStatus(); err == nil {
			kb = int64(status.VmRSS / 1024)
			ok = true
		}
	}
	if cg != nil {
		if cur, found := cg.currentKB(); found && cur > kb {
			kb = cur
			ok = true
		}
	}
	return kb, ok
}

func fillExitStatus(out *result.RunOutcome, waitErr error, state *os.ProcessState) {
	if state == nil {
		out.ExitCode = -1
		return
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.ExitCode = -1
		out.Signal = signalName(ws.Signal())
		return
	}
	out.ExitCode = state.ExitCode()
	var exitErr *exec.ExitError
	if out.ExitCode < 0 && errors.As(waitErr, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
	}
}

func maxRSSKB(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}
