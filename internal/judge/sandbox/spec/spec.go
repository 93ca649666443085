// Package spec defines sandbox run requests and resource limits.
package spec

// Limits describes hard limits enforced by the sandbox.
type Limits struct {
	// TimeLimitMs is the wall clock budget; the engine kills after a grace period.
	TimeLimitMs int64
	MemoryMB    int64
	StackMB     int64
	// OutputKB bounds captured stdout and stderr each.
	OutputKB int64
	PIDs     int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes one sandboxed process.
type RunSpec struct {
	WorkDir string
	// WorkDirReadOnly forbids writes to WorkDir where the strategy can enforce it.
	WorkDirReadOnly bool
	Cmd             []string
	Env             []string
	// StdinPath is fed to the process; empty means /dev/null.
	StdinPath string
	Limits    Limits
	// ReadOnlyMounts are honored by the container strategy.
	ReadOnlyMounts []MountSpec
	// Image selects the container image; empty uses the engine default.
	Image string
}
