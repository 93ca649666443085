package engine

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"ojjudge/internal/judge/sandbox/result"
	"ojjudge/internal/judge/sandbox/spec"
	appErr "ojjudge/pkg/errors"
	"ojjudge/pkg/utils/logger"
)

const containerWorkDir = "/sandbox"

// dockerAPI is the part of the Docker Engine client the container strategy uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// containerEngine runs each process in a throwaway container.
type containerEngine struct {
	cfg Config
	api dockerAPI
}

func newContainerEngine(cfg Config) (Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "create docker client")
	}
	return &containerEngine{cfg: cfg, api: cli}, nil
}

func (e *containerEngine) opTimeout() time.Duration {
	return time.Duration(e.cfg.Docker.OpTimeoutMs) * time.Millisecond
}

func (e *containerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunOutcome{}, err
	}
	image := runSpec.Image
	if image == "" {
		image = e.cfg.Docker.DefaultImage
	}
	if image == "" {
		return result.RunOutcome{}, appErr.ValidationError("image", "required for container strategy")
	}
	limits := runSpec.Limits

	stdin, err := openStdinFile(runSpec.StdinPath)
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "open stdin")
	}
	defer stdin.Close()

	created, err := e.api.ContainerCreate(ctx, e.containerConfig(runSpec, image), e.hostConfig(runSpec), nil, nil, "")
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "create container")
	}
	id := created.ID
	defer e.remove(ctx, id)

	attach, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "attach container")
	}
	defer attach.Close()

	outputLimit := e.cfg.outputLimit(limits)
	stdout := newBoundedBuffer(outputLimit)
	stderr := newBoundedBuffer(outputLimit)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	// Waiting for the next exit has to be registered before the start.
	waitCh, waitErrCh := e.api.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSpawnFailed, "start container")
	}
	start := time.Now()
	go func() {
		_, _ = io.Copy(attach.Conn, stdin)
		_ = attach.CloseWrite()
	}()

	var killed atomic.Bool
	kill := func() {
		if !killed.CompareAndSwap(false, true) {
			return
		}
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout())
		defer cancel()
		if err := e.api.ContainerKill(killCtx, id, "KILL"); err != nil {
			logger.Warn(ctx, "kill container failed", zap.String("container", id), zap.Error(err))
		}
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
		return e.sampleMemoryKB(ctx, id)
	}, kill)

	var status container.WaitResponse
	select {
	case status = <-waitCh:
	case err = <-waitErrCh:
	}
	elapsed := time.Since(start)
	watch.Stop()
	timer.Stop()

	if ctx.Err() != nil {
		return result.RunOutcome{}, appErr.Wrapf(ctx.Err(), appErr.JudgeSystemError, "run canceled")
	}
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "wait container")
	}
	if status.Error != nil && status.Error.Message != "" {
		return result.RunOutcome{}, appErr.New(appErr.SandboxUnavailable).WithMessagef("wait container: %s", status.Error.Message)
	}

	select {
	case <-copied:
	case <-time.After(e.cfg.grace()):
		logger.Warn(ctx, "container output stream did not close", zap.String("container", id))
	}

	out := result.RunOutcome{
		ExitCode:        int(status.StatusCode),
		TimedOut:        timedOut.Load(),
		MemoryExceeded:  watch.Exceeded(),
		ElapsedMs:       elapsed.Milliseconds(),
		PeakMemoryKB:    watch.PeakKB(),
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		OutputTruncated: stdout.truncated || stderr.truncated,
	}
	if out.ExitCode > 128 && out.ExitCode <= 128+64 {
		out.Signal = signalName(syscall.Signal(out.ExitCode - 128))
	}
	if e.oomKilled(ctx, id) {
		out.MemoryExceeded = true
	}
	classifyTiming(&out, limits)
	return out, nil
}

func (e *containerEngine) containerConfig(runSpec spec.RunSpec, image string) *container.Config {
	return &container.Config{
		Image:           image,
		Cmd:             runSpec.Cmd,
		Env:             runSpec.Env,
		WorkingDir:      containerWorkDir,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
	}
}

func (e *containerEngine) hostConfig(runSpec spec.RunSpec) *container.HostConfig {
	limits := runSpec.Limits
	pids := pidsLimit(limits, e.cfg.Docker.PidsLimit)
	binds := []string{bindSpec(runSpec.WorkDir, containerWorkDir, runSpec.WorkDirReadOnly)}
	for _, m := range runSpec.ReadOnlyMounts {
		binds = append(binds, bindSpec(m.Source, m.Target, m.ReadOnly))
	}
	hc := &container.HostConfig{
		NetworkMode: "none",
		Binds:       binds,
		Tmpfs:       map[string]string{"/tmp": "rw,size=" + strconv.FormatInt(e.cfg.Docker.TmpfsMB, 10) + "m"},
		Runtime:     e.cfg.Docker.Runtime,
		Resources: container.Resources{
			PidsLimit: &pids,
		},
	}
	if limits.MemoryMB > 0 {
		mem := limits.MemoryMB * 1024 * 1024
		// Equal swap disables swapping.
		hc.Resources.Memory = mem
		hc.Resources.MemorySwap = mem
	}
	if limits.StackMB > 0 {
		stack := limits.StackMB * 1024 * 1024
		hc.Resources.Ulimits = []*container.Ulimit{{Name: "stack", Soft: stack, Hard: stack}}
	}
	return hc
}

func bindSpec(source, target string, readOnly bool) string {
	bind := source + ":" + target
	if readOnly {
		bind += ":ro"
	}
	return bind
}

func pidsLimit(limits spec.Limits, fallback int64) int64 {
	if limits.PIDs > 0 {
		return limits.PIDs
	}
	return fallback
}

// sampleMemoryKB reads the container's working set from the stats API,
// excluding inactive page cache the way docker stats does.
func (e *containerEngine) sampleMemoryKB(ctx context.Context, id string) (int64, bool) {
	statsCtx, cancel := context.WithTimeout(ctx, e.opTimeout())
	defer cancel()
	resp, err := e.api.ContainerStatsOneShot(statsCtx, id)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, false
	}
	mem := stats.MemoryStats
	if mem.Usage == 0 {
		return 0, false
	}
	usage := mem.Usage
	for _, key := range []string{"inactive_file", "total_inactive_file"} {
		if v, ok := mem.Stats[key]; ok && v < usage {
			usage -= v
			break
		}
	}
	return int64(usage / 1024), true
}

func (e *containerEngine) oomKilled(ctx context.Context, id string) bool {
	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout())
	defer cancel()
	info, err := e.api.ContainerInspect(inspectCtx, id)
	if err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container", id), zap.Error(err))
		return false
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.OOMKilled
}

// remove force-removes the container on every exit path.
func (e *containerEngine) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout())
	defer cancel()
	if err := e.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
		logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
	}
}
