// Package runner turns language profiles into sandbox runs and classifies
// their outcomes.
package runner

import (
	"context"

	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/internal/judge/sandbox/result"
)

// CompileRequest describes one compilation task.
type CompileRequest struct {
	SubmissionID int64
	Language     profile.LanguageSpec
	// SourcePath is copied to WorkDir/Language.SourceFile when it lives elsewhere.
	SourcePath string
	WorkDir    string
}

// RunRequest describes one execution task.
type RunRequest struct {
	SubmissionID int64
	CaseID       int
	Language     profile.LanguageSpec
	Artifact     model.CompileArtifact
	WorkDir      string
	InputPath    string
	ExpectedPath string
	Limits       model.ProblemLimits
}

// Runner orchestrates compile and run workflows.
type Runner interface {
	Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error)
	Run(ctx context.Context, req RunRequest) (result.CaseResult, error)
}
