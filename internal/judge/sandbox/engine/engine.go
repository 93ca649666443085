// Package engine runs one process under wall-time and memory ceilings.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"ojjudge/internal/judge/sandbox/result"
	"ojjudge/internal/judge/sandbox/spec"
	appErr "ojjudge/pkg/errors"
)

const (
	StrategySubprocess = "subprocess"
	StrategyContainer  = "container"

	defaultGraceMs        = 1000
	defaultPollIntervalMs = 10
	defaultOutputLimitKB  = 64 * 1024
)

// Engine executes a RunSpec inside an isolated sandbox.
// Failures to start or isolate the process are returned as errors carrying
// JudgeSystemError-class codes, never as a RunOutcome.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	Strategy string `yaml:"strategy"`

	// GraceMs is added to the time limit before the hard kill.
	GraceMs        int64 `yaml:"graceMs"`
	PollIntervalMs int64 `yaml:"pollIntervalMs"`
	// OutputLimitKB is the default capture bound for stdout and stderr.
	OutputLimitKB int64 `yaml:"outputLimitKB"`

	// Subprocess strategy.
	HelperPath     string `yaml:"helperPath"`
	EnableCgroup   bool   `yaml:"enableCgroup"`
	CgroupRoot     string `yaml:"cgroupRoot"`
	EnableSeccomp  bool   `yaml:"enableSeccomp"`
	SeccompProfile string `yaml:"seccompProfile"`
	RunAsUID       int    `yaml:"runAsUid"`
	RunAsGID       int    `yaml:"runAsGid"`

	Docker DockerConfig `yaml:"docker"`
}

// DockerConfig controls the container strategy.
type DockerConfig struct {
	// Host overrides DOCKER_HOST, e.g. unix:///run/docker.sock.
	Host         string `yaml:"host"`
	DefaultImage string `yaml:"defaultImage"`
	PidsLimit    int64  `yaml:"pidsLimit"`
	// Runtime selects an OCI runtime such as runsc; empty uses the daemon default.
	Runtime     string `yaml:"runtime"`
	TmpfsMB     int64  `yaml:"tmpfsMB"`
	OpTimeoutMs int64  `yaml:"opTimeoutMs"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategySubprocess
	}
	if c.GraceMs <= 0 {
		c.GraceMs = defaultGraceMs
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = defaultPollIntervalMs
	}
	if c.OutputLimitKB <= 0 {
		c.OutputLimitKB = defaultOutputLimitKB
	}
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	if c.Docker.PidsLimit <= 0 {
		c.Docker.PidsLimit = 64
	}
	if c.Docker.TmpfsMB <= 0 {
		c.Docker.TmpfsMB = 64
	}
	if c.Docker.OpTimeoutMs <= 0 {
		c.Docker.OpTimeoutMs = 10000
	}
}

func (c Config) grace() time.Duration {
	return time.Duration(c.GraceMs) * time.Millisecond
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) outputLimit(limits spec.Limits) int {
	kb := limits.OutputKB
	if kb <= 0 {
		kb = c.OutputLimitKB
	}
	return int(kb * 1024)
}

// New builds the engine selected by cfg.Strategy.
func New(cfg Config) (Engine, error) {
	cfg.ApplyDefaults()
	switch cfg.Strategy {
	case StrategySubprocess:
		return newSubprocessEngine(cfg)
	case StrategyContainer:
		return newContainerEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox strategy %q", cfg.Strategy)
	}
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.WorkDir == "" {
		return appErr.ValidationError("workDir", "required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.ValidationError("cmd", "required")
	}
	if runSpec.Limits.TimeLimitMs <= 0 {
		return appErr.ValidationError("timeLimitMs", "must be positive")
	}
	return nil
}

// classifyTiming marks a run that finished on its own but overran a limit.
// A memory violation is reported alone: MemoryExceeded clears TimedOut.
func classifyTiming(out *result.RunOutcome, limits spec.Limits) {
	if out.ElapsedMs > limits.TimeLimitMs {
		out.TimedOut = true
	}
	if limits.MemoryMB > 0 && out.PeakMemoryKB > limits.MemoryMB*1024 {
		out.MemoryExceeded = true
	}
	if out.MemoryExceeded {
		out.TimedOut = false
	}
}

func openStdinFile(path string) (*os.File, error) {
	if path == "" {
		return os.Open(os.DevNull)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
