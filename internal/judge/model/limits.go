package model

const (
	DefaultTimeLimitMs   uint32 = 1000
	DefaultMemoryLimitMB uint32 = 256
)

// ProblemLimits are the per-case ceilings of a problem.
type ProblemLimits struct {
	TimeLimitMs   uint32 `json:"timeLimitMs"`
	MemoryLimitMB uint32 `json:"memoryLimitMb"`
}

// DefaultLimits returns the limits used when the problem config omits them.
func DefaultLimits() ProblemLimits {
	return ProblemLimits{TimeLimitMs: DefaultTimeLimitMs, MemoryLimitMB: DefaultMemoryLimitMB}
}

// ProblemConfig is the config.yml shipped in a problem archive.
type ProblemConfig struct {
	TimeLimit   uint32 `yaml:"time_limit"`
	MemoryLimit uint32 `yaml:"memory_limit"`
	Title       string `yaml:"title"`
	NumberCount int    `yaml:"number_count"`
}

// Limits fills unset fields with defaults.
func (c ProblemConfig) Limits() ProblemLimits {
	limits := DefaultLimits()
	if c.TimeLimit > 0 {
		limits.TimeLimitMs = c.TimeLimit
	}
	if c.MemoryLimit > 0 {
		limits.MemoryLimitMB = c.MemoryLimit
	}
	return limits
}

// TestCase is one resolved input/expected pair.
type TestCase struct {
	// Index is the 1-based position in the stream.
	Index        int
	CaseID       int
	Name         string
	InputPath    string
	ExpectedPath string
	// ConfigErr is set when the case cannot be judged, e.g. the .out file is missing.
	ConfigErr error
}

// CompileArtifact is what the build stage hands to the run stage.
type CompileArtifact struct {
	ExecPath    string
	SourcePath  string
	Interpreted bool
}
