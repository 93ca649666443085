// Package result defines raw sandbox outcomes and classified results.
package result

import "ojjudge/internal/judge/model"

// RunOutcome captures raw sandbox execution data.
type RunOutcome struct {
	ExitCode int
	// Signal names the terminating signal, if any.
	Signal          string
	TimedOut        bool
	MemoryExceeded  bool
	OutputTruncated bool
	ElapsedMs       int64
	PeakMemoryKB    int64
	Stdout          []byte
	Stderr          []byte
}

// CompileResult contains compilation outcomes.
type CompileResult struct {
	OK        bool
	TimedOut  bool
	Log       string
	ElapsedMs int64
	Artifact  model.CompileArtifact
}

// CaseResult is a classified run of one test case.
type CaseResult struct {
	Verdict  model.Verdict
	Message  string
	TimeMs   int64
	MemoryKB int64
	Stdout   []byte
}
