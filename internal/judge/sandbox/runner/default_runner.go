package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"ojjudge/internal/judge/compare"
	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/sandbox/engine"
	"ojjudge/internal/judge/sandbox/observer"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/internal/judge/sandbox/result"
	"ojjudge/internal/judge/sandbox/spec"
	appErr "ojjudge/pkg/errors"
)

const (
	// CompileLogLimit bounds the compiler diagnostics kept in a CE event.
	CompileLogLimit = 8000

	compilePIDs = 64
)

// Templates expand relative to the work directory: the subprocess helper
// chdirs into it and the container starts there with -w.
const (
	tplWorkDir = "."
	tplPrefix  = "./"
)

// DefaultRunner implements compile/run workflows for configured languages.
type DefaultRunner struct {
	eng     engine.Engine
	metrics observer.MetricsRecorder
}

// NewRunner creates a new runner backed by the sandbox engine.
func NewRunner(eng engine.Engine) *DefaultRunner {
	return NewRunnerWithObserver(eng, observer.NoopRecorder{})
}

// NewRunnerWithObserver creates a new runner with metrics hooks.
func NewRunnerWithObserver(eng engine.Engine, metrics observer.MetricsRecorder) *DefaultRunner {
	return &DefaultRunner{eng: eng, metrics: observer.OrNoop(metrics)}
}

// Compile builds the submission. A compiler failure is reported in the
// result; only engine failures are returned as errors.
func (r *DefaultRunner) Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error) {
	if err := validateCompileRequest(req); err != nil {
		return result.CompileResult{}, err
	}
	sourcePath, err := writeSourceFile(req.WorkDir, req.SourcePath, req.Language.SourceFile)
	if err != nil {
		return result.CompileResult{}, err
	}
	if !req.Language.CompileEnabled {
		return result.CompileResult{
			OK:       true,
			Artifact: model.CompileArtifact{SourcePath: sourcePath, Interpreted: true},
		}, nil
	}

	lang := req.Language
	lang.ApplyDefaults()
	cmd, err := buildCommand(lang.CompileCmdTpl, lang)
	if err != nil {
		return result.CompileResult{}, err
	}
	runSpec := spec.RunSpec{
		WorkDir: req.WorkDir,
		Cmd:     cmd,
		Env:     lang.Env,
		Limits: spec.Limits{
			TimeLimitMs: lang.CompileTimeoutMs,
			MemoryMB:    lang.CompileMemoryMB,
			PIDs:        compilePIDs,
		},
		Image: lang.Image,
	}

	outcome, err := r.eng.Run(ctx, runSpec)
	if err != nil {
		r.metrics.ObserveCompile(ctx, lang.ID, false, outcome.ElapsedMs)
		return result.CompileResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "compile submission %d failed", req.SubmissionID)
	}

	res := result.CompileResult{ElapsedMs: outcome.ElapsedMs}
	switch {
	case outcome.TimedOut:
		res.TimedOut = true
		res.Log = model.MsgCompileTimeout
	case outcome.ExitCode != 0 || outcome.MemoryExceeded || outcome.Signal != "":
		res.Log = compileLog(outcome)
	default:
		execPath := filepath.Join(req.WorkDir, lang.BinaryFile)
		if _, statErr := os.Stat(execPath); statErr != nil {
			res.Log = fmt.Sprintf("compiler produced no %s", lang.BinaryFile)
			break
		}
		res.OK = true
		res.Artifact = model.CompileArtifact{ExecPath: execPath, SourcePath: sourcePath}
	}
	r.metrics.ObserveCompile(ctx, lang.ID, res.OK, res.ElapsedMs)
	return res, nil
}

// Run executes one case and classifies it. Engine failures are returned as
// errors and never become a case verdict.
func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (result.CaseResult, error) {
	if err := validateRunRequest(req); err != nil {
		return result.CaseResult{}, err
	}
	cmd, err := buildCommand(req.Language.RunCmdTpl, req.Language)
	if err != nil {
		return result.CaseResult{}, err
	}
	memoryMB := int64(req.Limits.MemoryLimitMB)
	stackMB := req.Language.StackMB
	if stackMB <= 0 {
		stackMB = memoryMB
	}
	runSpec := spec.RunSpec{
		WorkDir:         req.WorkDir,
		WorkDirReadOnly: true,
		Cmd:             cmd,
		Env:             req.Language.Env,
		StdinPath:       req.InputPath,
		Limits: spec.Limits{
			TimeLimitMs: int64(req.Limits.TimeLimitMs),
			MemoryMB:    memoryMB,
			StackMB:     stackMB,
		},
		Image: req.Language.Image,
	}

	outcome, err := r.eng.Run(ctx, runSpec)
	if err != nil {
		r.metrics.ObserveRun(ctx, req.Language.ID, string(model.VerdictSE), outcome.ElapsedMs, outcome.PeakMemoryKB)
		return result.CaseResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "run case %d failed", req.CaseID)
	}
	res := ClassifyOutcome(outcome, req.ExpectedPath)
	r.metrics.ObserveRun(ctx, req.Language.ID, string(res.Verdict), res.TimeMs, res.MemoryKB)
	return res, nil
}

// ClassifyOutcome maps a raw outcome to a case verdict in priority order:
// memory, time, abnormal exit, then output comparison.
func ClassifyOutcome(outcome result.RunOutcome, expectedPath string) result.CaseResult {
	res := result.CaseResult{
		TimeMs:   outcome.ElapsedMs,
		MemoryKB: outcome.PeakMemoryKB,
		Stdout:   outcome.Stdout,
	}
	switch {
	case outcome.MemoryExceeded:
		res.Verdict, res.Message = model.VerdictMLE, model.MsgMemoryLimitExceeded
	case outcome.TimedOut:
		res.Verdict, res.Message = model.VerdictTLE, model.MsgTimeLimitExceeded
	case outcome.Signal != "":
		res.Verdict, res.Message = model.VerdictRE, fmt.Sprintf("runtime_error(signal=%s)", outcome.Signal)
	case outcome.ExitCode != 0:
		res.Verdict, res.Message = model.VerdictRE, fmt.Sprintf("runtime_error(exit=%d)", outcome.ExitCode)
	default:
		ok, err := compare.EqualFile(expectedPath, outcome.Stdout)
		switch {
		case err != nil:
			res.Verdict, res.Message = model.VerdictCFG, err.Error()
		case ok:
			res.Verdict, res.Message = model.VerdictAC, model.MsgAccepted
		default:
			res.Verdict, res.Message = model.VerdictWA, model.MsgWrongAnswer
		}
	}
	return res
}

func compileLog(outcome result.RunOutcome) string {
	raw := outcome.Stderr
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = outcome.Stdout
	}
	if len(raw) == 0 {
		switch {
		case outcome.MemoryExceeded:
			return model.MsgMemoryLimitExceeded
		case outcome.Signal != "":
			return fmt.Sprintf("compiler killed by %s", outcome.Signal)
		default:
			return fmt.Sprintf("compiler exited with code %d", outcome.ExitCode)
		}
	}
	return string(compare.TruncateUTF8(raw, CompileLogLimit))
}

func validateCompileRequest(req CompileRequest) error {
	if req.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if req.SourcePath == "" {
		return appErr.ValidationError("source_path", "required")
	}
	if req.Language.ID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	return nil
}

func validateRunRequest(req RunRequest) error {
	if req.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if req.Language.ID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if req.InputPath == "" {
		return appErr.ValidationError("input_path", "required")
	}
	if req.Limits.TimeLimitMs == 0 {
		return appErr.ValidationError("time_limit", "must be positive")
	}
	return nil
}

func buildCommand(tpl string, lang profile.LanguageSpec) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.NewReplacer(
		"{src}", tplPrefix+lang.SourceFile,
		"{bin}", tplPrefix+lang.BinaryFile,
		"{workdir}", tplWorkDir,
	).Replace(tpl)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func writeSourceFile(workDir, sourcePath, targetName string) (string, error) {
	if targetName == "" {
		return "", appErr.ValidationError("source_file_name", "required")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "create work dir failed")
	}
	targetPath := filepath.Join(workDir, targetName)
	if filepath.Clean(sourcePath) == targetPath {
		return targetPath, nil
	}
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "read source failed")
	}
	if err := os.WriteFile(targetPath, content, 0644); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "write source failed")
	}
	return targetPath, nil
}
