// Package aggregator folds judge event streams into submission results.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/mq"
	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/repository"
	appErr "ojjudge/pkg/errors"
	"ojjudge/pkg/utils/contextkey"
	"ojjudge/pkg/utils/logger"
)

const (
	DefaultStalenessWindow = 5 * time.Minute
	defaultFinalTTL        = 24 * time.Hour
	defaultWatchBuffer     = 16

	finalKeyPrefix = "judge:final:"
	pruneEvery     = 1024
)

// Config holds aggregator dependencies and settings.
type Config struct {
	Submissions repository.SubmissionRepository
	Results     repository.ResultStore
	// Cache shares finalization markers between processes; may be nil.
	Cache cache.BasicOps

	StalenessWindow time.Duration
	FinalTTL        time.Duration
	WatchBuffer     int
	// Now is replaced in tests.
	Now func() time.Time
}

// Aggregator keeps one draft per in-flight submission and finalizes it
// exactly once.
type Aggregator struct {
	submissions repository.SubmissionRepository
	results     repository.ResultStore
	cache       cache.BasicOps

	staleness time.Duration
	finalTTL  time.Duration
	now       func() time.Time

	drafts    *xsync.MapOf[int64, *entry]
	finalized *xsync.MapOf[int64, time.Time]
	finals    atomic.Int64
	stale     singleflight.Group
	watchers  *hub
}

type entry struct {
	mu        sync.Mutex
	res       model.SubmissionResult
	cases     map[int]model.TestResult
	finalized bool
}

// New creates an aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.FinalTTL <= 0 {
		cfg.FinalTTL = defaultFinalTTL
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = defaultWatchBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		submissions: cfg.Submissions,
		results:     cfg.Results,
		cache:       cfg.Cache,
		staleness:   cfg.StalenessWindow,
		finalTTL:    cfg.FinalTTL,
		now:         cfg.Now,
		drafts:      xsync.NewMapOf[int64, *entry](),
		finalized:   xsync.NewMapOf[int64, time.Time](),
		watchers:    newHub(cfg.WatchBuffer),
	}, nil
}

// HandleMessage is the result topic consumer.
func (a *Aggregator) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var event model.JudgeEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		logger.Warn(ctx, "drop undecodable judge event", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if event.SubmissionID <= 0 {
		logger.Warn(ctx, "drop judge event without submission id", zap.String("message_id", msg.ID))
		return nil
	}
	return a.OnEvent(ctx, event)
}

// OnEvent applies one event. Events for finalized submissions are ignored.
// A failure to persist the final result keeps the draft and is returned so
// the event can be redelivered.
func (a *Aggregator) OnEvent(ctx context.Context, event model.JudgeEvent) error {
	if event.SubmissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	id := event.SubmissionID
	ctx = contextkey.WithSubmissionID(ctx, id)
	if a.isFinalized(ctx, id) {
		logger.Debug(ctx, "ignore event after final", zap.Int("case_id", event.CaseID), zap.Bool("is_final", event.IsFinal))
		return nil
	}

	e, _ := a.drafts.LoadOrCompute(id, func() *entry { return newEntry(id) })
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	// A concurrent final may have landed between the check above and the lock.
	if _, ok := a.finalized.Load(id); ok {
		e.finalized = true
		a.drafts.Delete(id)
		return nil
	}

	e.apply(event)
	if !event.IsFinal {
		a.watchers.publish(id, e.snapshotLocked())
		return nil
	}
	return a.finalizeLocked(ctx, e, event.Status)
}

func newEntry(id int64) *entry {
	return &entry{
		res: model.SubmissionResult{
			SubmissionID: id,
			Status:       model.VerdictPending,
		},
		cases: make(map[int]model.TestResult),
	}
}

func (e *entry) apply(event model.JudgeEvent) {
	if event.CumulativeScore > e.res.Score {
		e.res.Score = event.CumulativeScore
	}
	if event.CaseID == 0 {
		// A redelivered judge_start must not roll back compile_ok.
		if event.Message != "" && (event.Message != model.MsgJudgeStart || e.res.CompileMessage == "") {
			e.res.CompileMessage = event.Message
		}
		switch event.Status {
		case model.VerdictCE, model.VerdictSE:
			e.res.Status = event.Status
		default:
			e.res.Status = model.VerdictJudging
		}
		return
	}
	// The final sentinel carries the case count as its id, not a case.
	if event.IsFinal {
		return
	}
	e.cases[event.CaseID] = model.TestResult{
		CaseID:         event.CaseID,
		Status:         event.Status,
		TimeUsedMs:     event.TimeUsedMs,
		MemoryUsedKB:   event.MemoryUsedKB,
		Input:          event.Input,
		ActualOutput:   event.ActualOutput,
		ExpectedOutput: event.ExpectedOutput,
		Message:        event.Message,
	}
	if event.TimeUsedMs > e.res.TimeUsedMs {
		e.res.TimeUsedMs = event.TimeUsedMs
	}
	if event.MemoryUsedKB > e.res.MemoryUsedKB {
		e.res.MemoryUsedKB = event.MemoryUsedKB
	}
	if e.res.Status != model.VerdictCE && e.res.Status != model.VerdictSE {
		e.res.Status = model.VerdictJudging
	}
}

func (e *entry) snapshotLocked() model.SubmissionResult {
	res := e.res
	res.TestResults = make([]model.TestResult, 0, len(e.cases))
	for _, tr := range e.cases {
		res.TestResults = append(res.TestResults, tr)
	}
	sort.Slice(res.TestResults, func(i, j int) bool {
		return res.TestResults[i].CaseID < res.TestResults[j].CaseID
	})
	return res
}

func (a *Aggregator) finalizeLocked(ctx context.Context, e *entry, final model.Verdict) error {
	res := e.snapshotLocked()
	res.Status = model.OverallStatus(final, res.TestResults)
	res.UpdatedAt = a.now().UnixMilli()

	if err := a.persistFinal(ctx, res); err != nil {
		logger.Error(ctx, "persist final result failed", zap.Error(err))
		return err
	}
	e.finalized = true
	a.drafts.Delete(res.SubmissionID)
	a.watchers.finish(res.SubmissionID, res)
	logger.Info(ctx, "submission finalized", zap.String("status", string(res.Status)), zap.Int("score", res.Score), zap.Int("cases", len(res.TestResults)))
	return nil
}

// persistFinal saves result.json, marks the submission DONE and records the
// finalization marker, in that order.
func (a *Aggregator) persistFinal(ctx context.Context, res model.SubmissionResult) error {
	if err := a.results.Save(ctx, res); err != nil {
		return err
	}
	if err := a.submissions.SetStatus(ctx, res.SubmissionID, model.StatusDone); err != nil {
		return err
	}
	a.markFinalized(ctx, res.SubmissionID)
	return nil
}

func (a *Aggregator) markFinalized(ctx context.Context, id int64) {
	now := a.now()
	a.finalized.Store(id, now)
	if a.cache != nil {
		if _, err := a.cache.SetNX(ctx, finalKey(id), strconv.FormatInt(now.UnixMilli(), 10), a.finalTTL); err != nil {
			logger.Warn(ctx, "store final marker failed", zap.Error(err))
		}
	}
	if a.finals.Add(1)%pruneEvery == 0 {
		a.pruneFinalized(now)
	}
}

func (a *Aggregator) pruneFinalized(now time.Time) {
	a.finalized.Range(func(id int64, at time.Time) bool {
		if now.Sub(at) > a.finalTTL {
			a.finalized.Delete(id)
		}
		return true
	})
}

func (a *Aggregator) isFinalized(ctx context.Context, id int64) bool {
	if at, ok := a.finalized.Load(id); ok && a.now().Sub(at) <= a.finalTTL {
		return true
	}
	if a.cache == nil {
		return false
	}
	n, err := a.cache.Exists(ctx, finalKey(id))
	if err != nil {
		logger.Warn(ctx, "check final marker failed", zap.Error(err))
		return false
	}
	return n > 0
}

func finalKey(id int64) string {
	return finalKeyPrefix + strconv.FormatInt(id, 10)
}

// Query returns the best known result of a submission. A submission stuck
// without a draft beyond the staleness window is finalized as a system error.
func (a *Aggregator) Query(ctx context.Context, submissionID int64) (model.SubmissionResult, error) {
	ctx = contextkey.WithSubmissionID(ctx, submissionID)
	sub, err := a.submissions.Get(ctx, submissionID)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	if sub.Status == model.StatusDone {
		return a.results.Load(ctx, submissionID)
	}
	if e, ok := a.drafts.Load(submissionID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.snapshotLocked(), nil
	}
	// A rejudge moves updated_at forward, so it restarts the window.
	since := sub.SubmittedAt
	if sub.UpdatedAt.After(since) {
		since = sub.UpdatedAt
	}
	if a.now().Sub(since) > a.staleness {
		return a.finalizeStale(ctx, sub)
	}
	return model.SubmissionResult{
		SubmissionID: submissionID,
		Status:       model.VerdictPending,
		TestResults:  []model.TestResult{},
	}, nil
}

func (a *Aggregator) finalizeStale(ctx context.Context, sub *repository.Submission) (model.SubmissionResult, error) {
	v, err, _ := a.stale.Do(strconv.FormatInt(sub.SubmissionID, 10), func() (interface{}, error) {
		res := model.SubmissionResult{
			SubmissionID:   sub.SubmissionID,
			Status:         model.VerdictSE,
			CompileMessage: model.MsgJudgeTimeout,
			TestResults:    []model.TestResult{},
			UpdatedAt:      a.now().UnixMilli(),
		}
		if err := a.persistFinal(ctx, res); err != nil {
			return nil, err
		}
		logger.Warn(ctx, "stale submission finalized", zap.Time("submitted_at", sub.SubmittedAt))
		a.watchers.finish(sub.SubmissionID, res)
		return res, nil
	})
	if err != nil {
		return model.SubmissionResult{}, err
	}
	return v.(model.SubmissionResult), nil
}

// Subscribe streams snapshots of a submission. The channel is closed after
// the final snapshot or when cancel is called. Slow readers miss snapshots.
func (a *Aggregator) Subscribe(submissionID int64) (<-chan model.SubmissionResult, func()) {
	return a.watchers.subscribe(submissionID)
}

// Reset forgets the finalization of a submission so a rejudge can fold a
// fresh event stream. Only this process's tombstone and the shared marker
// are cleared.
func (a *Aggregator) Reset(ctx context.Context, submissionID int64) error {
	a.finalized.Delete(submissionID)
	a.drafts.Delete(submissionID)
	if a.cache == nil {
		return nil
	}
	if err := a.cache.Del(ctx, finalKey(submissionID)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "clear final marker of submission %d", submissionID)
	}
	return nil
}
