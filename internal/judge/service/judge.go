package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ojjudge/internal/judge/compare"
	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/internal/judge/sandbox/runner"
	appErr "ojjudge/pkg/errors"
	"ojjudge/pkg/utils/contextkey"
	"ojjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// judgeRun is the mutable state of one Judge call.
type judgeRun struct {
	msg      model.SubmitMessage
	numCases int
	score    int
	finished bool
	verdict  model.Verdict
}

func (r *judgeRun) event(caseID int, status model.Verdict, message string) model.JudgeEvent {
	return model.JudgeEvent{
		SubmissionID:    r.msg.SubmissionID,
		ProblemID:       r.msg.ProblemID,
		CaseID:          caseID,
		NumCases:        r.numCases,
		CumulativeScore: r.score,
		Status:          status,
		Message:         message,
		InfraOK:         true,
	}
}

// Judge runs the whole pipeline for one submission and always ends the
// event stream with exactly one final event. The returned error is non-nil
// only when that final event could not be delivered.
func (s *Service) Judge(ctx context.Context, msg model.SubmitMessage) (err error) {
	ctx = contextkey.WithSubmissionID(ctx, msg.SubmissionID)
	started := time.Now()
	run := &judgeRun{msg: msg}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "judge panicked", zap.Any("panic", r), zap.Stack("stack"))
			if !run.finished {
				err = s.finishSystemError(ctx, run, fmt.Errorf("panic: %v", r))
			}
		}
		s.metrics.ObserveJudge(ctx, string(run.verdict), time.Since(started).Milliseconds())
	}()

	judgeCtx, cancel := withTimeout(ctx, s.judgeTimeout)
	defer cancel()
	return s.judge(judgeCtx, run)
}

func (s *Service) judge(ctx context.Context, run *judgeRun) error {
	msg := run.msg
	limits, cases, err := s.resolver.Resolve(ctx, msg.ProblemID)
	if err != nil {
		return s.finishSystemError(ctx, run, err)
	}
	run.numCases = len(cases)

	lang, ok := s.languages.Lookup(msg.Language)
	if !ok {
		logger.Warn(ctx, "language not supported", zap.String("language", msg.Language))
		return s.finish(ctx, run, s.systemErrorEvent(run, model.MsgLanguageUnsupported))
	}
	if len(cases) == 0 {
		return s.finish(ctx, run, s.systemErrorEvent(run, model.MsgNoTestcases))
	}

	workDir, err := s.prepareWorkDir(ctx, msg, lang)
	if workDir != "" {
		defer s.removeWorkDir(ctx, workDir)
	}
	if err != nil {
		return s.finishSystemError(ctx, run, err)
	}

	if err := s.emit(ctx, run.event(0, model.VerdictWaiting, model.MsgJudgeStart)); err != nil {
		return s.finishSystemError(ctx, run, err)
	}

	compiled, err := s.runner.Compile(ctx, runner.CompileRequest{
		SubmissionID: msg.SubmissionID,
		Language:     lang,
		SourcePath:   filepath.Join(workDir, lang.SourceFile),
		WorkDir:      workDir,
	})
	if err != nil {
		return s.finishSystemError(ctx, run, err)
	}
	if !compiled.OK {
		logger.Info(ctx, "compile failed", zap.Bool("timed_out", compiled.TimedOut), zap.Int64("elapsed_ms", compiled.ElapsedMs))
		return s.finish(ctx, run, run.event(0, model.VerdictCE, compiled.Log))
	}
	if err := s.emit(ctx, run.event(0, model.VerdictWaiting, model.MsgCompileOK)); err != nil {
		return s.finishSystemError(ctx, run, err)
	}

	for _, tc := range cases {
		event, err := s.judgeCase(ctx, run, lang, compiled.Artifact, workDir, limits, tc)
		if err != nil {
			return s.finishSystemError(ctx, run, err)
		}
		if err := s.emit(ctx, event); err != nil {
			return s.finishSystemError(ctx, run, err)
		}
	}

	return s.finish(ctx, run, run.event(run.numCases, model.VerdictAC, model.MsgJudgeDone))
}

// judgeCase runs one case. Problems local to the case degrade it to CFG;
// only runner failures are returned and abort the submission.
func (s *Service) judgeCase(ctx context.Context, run *judgeRun, lang profile.LanguageSpec, artifact model.CompileArtifact,
	workDir string, limits model.ProblemLimits, tc model.TestCase) (model.JudgeEvent, error) {
	event := run.event(tc.CaseID, model.VerdictCFG, "")

	input, err := compare.PreviewFile(tc.InputPath, compare.PreviewLimit)
	if err != nil {
		logger.Warn(ctx, "read case input failed", zap.Int("case_id", tc.CaseID), zap.Error(err))
		event.Message = model.MsgInputUnreadable
		return event, nil
	}
	event.Input = input
	if tc.ConfigErr != nil {
		event.Message = tc.ConfigErr.Error()
		return event, nil
	}
	if expected, err := compare.PreviewFile(tc.ExpectedPath, compare.PreviewLimit); err == nil {
		event.ExpectedOutput = expected
	}

	res, err := s.runner.Run(ctx, runner.RunRequest{
		SubmissionID: run.msg.SubmissionID,
		CaseID:       tc.CaseID,
		Language:     lang,
		Artifact:     artifact,
		WorkDir:      workDir,
		InputPath:    tc.InputPath,
		ExpectedPath: tc.ExpectedPath,
		Limits:       limits,
	})
	if err != nil {
		return event, err
	}
	if res.Verdict == model.VerdictAC {
		run.score += 100 / run.numCases
	}
	event.CumulativeScore = run.score
	event.Status = res.Verdict
	event.Message = res.Message
	event.TimeUsedMs = res.TimeMs
	event.MemoryUsedKB = res.MemoryKB
	event.ActualOutput = compare.Preview(res.Stdout, compare.PreviewLimit)
	return event, nil
}

func (s *Service) systemErrorEvent(run *judgeRun, message string) model.JudgeEvent {
	event := run.event(0, model.VerdictSE, message)
	event.InfraOK = false
	return event
}

func (s *Service) finishSystemError(ctx context.Context, run *judgeRun, cause error) error {
	logger.Error(ctx, "judge aborted", zap.Error(cause), zap.Int("error_code", int(appErr.GetCode(cause))))
	return s.finish(ctx, run, s.systemErrorEvent(run, model.MsgSystemError))
}

// finish emits the final event, retrying with bounded backoff. It runs on a
// context detached from cancellation so a judge timeout still reports.
func (s *Service) finish(ctx context.Context, run *judgeRun, event model.JudgeEvent) error {
	event.IsFinal = true
	run.finished = true
	run.verdict = event.Status

	emitCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < s.emitAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(computeBackoff(attempt-1, s.emitBackoff, defaultEmitMaxBackoff))
		}
		if err = s.emit(emitCtx, event); err == nil {
			return nil
		}
		logger.Warn(ctx, "emit final event failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	logger.Error(ctx, "final event lost", zap.String("status", string(event.Status)), zap.String("message", event.Message), zap.Error(err))
	return err
}

func (s *Service) emit(ctx context.Context, event model.JudgeEvent) error {
	event.Stamp()
	return s.sink.Emit(ctx, event)
}

// prepareWorkDir creates workRoot/{id}-{uuid} and downloads the source into it.
// The returned dir is set whenever it was created, even on error.
func (s *Service) prepareWorkDir(ctx context.Context, msg model.SubmitMessage, lang profile.LanguageSpec) (string, error) {
	workDir := filepath.Join(s.workRoot, fmt.Sprintf("%d-%s", msg.SubmissionID, uuid.NewString()))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "create work dir failed")
	}
	sourcePath := filepath.Join(workDir, lang.SourceFile)
	if err := s.downloadSource(ctx, model.SourceKey(msg.SubmissionID, msg.Language), sourcePath); err != nil {
		return workDir, err
	}
	if s.shareWorkDir {
		// Chmod is not subject to the umask applied by MkdirAll.
		if err := os.Chmod(workDir, 0777); err != nil {
			return workDir, appErr.Wrapf(err, appErr.JudgeSystemError, "open work dir failed")
		}
	}
	return workDir, nil
}

func (s *Service) downloadSource(ctx context.Context, key, dst string) error {
	ctxStorage, cancel := withTimeout(ctx, s.storageTimeout)
	defer cancel()
	reader, err := s.storage.Get(ctxStorage, key)
	if err != nil {
		if appErr.Is(err, appErr.ObjectNotFound) {
			return appErr.Wrapf(err, appErr.SourceNotFound, "source %s not found", key)
		}
		return appErr.Wrapf(err, appErr.StorageError, "download source failed")
	}
	defer reader.Close()

	file, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create source file failed")
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write source file failed")
	}
	return nil
}

func (s *Service) removeWorkDir(ctx context.Context, workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn(ctx, "remove work dir failed", zap.String("work_dir", workDir), zap.Error(err))
	}
}
