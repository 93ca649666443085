//go:build !linux

package engine

import (
	"context"

	"ojjudge/internal/judge/sandbox/result"
	"ojjudge/internal/judge/sandbox/spec"
	appErr "ojjudge/pkg/errors"
)

type stubEngine struct{}

func newSubprocessEngine(cfg Config) (Engine, error) {
	return stubEngine{}, nil
}

func (stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunOutcome, error) {
	return result.RunOutcome{}, appErr.New(appErr.SandboxUnavailable).WithMessage("subprocess sandbox is only supported on linux")
}
