package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/mq"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/repository"
	appErr "ojjudge/pkg/errors"
)

type fakeSubmissions struct {
	mu       sync.Mutex
	rows     map[int64]*repository.Submission
	setCalls int
}

func (f *fakeSubmissions) Get(_ context.Context, id int64) (*repository.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[id]
	if !ok {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %d not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubmissions) SetStatus(_ context.Context, id int64, status model.SubmissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if sub, ok := f.rows[id]; ok {
		sub.Status = status
	}
	return nil
}

type flakyResults struct {
	repository.ResultStore
	failures int
	saves    int
}

func (f *flakyResults) Save(ctx context.Context, res model.SubmissionResult) error {
	f.saves++
	if f.failures > 0 {
		f.failures--
		return appErr.New(appErr.StorageError)
	}
	return f.ResultStore.Save(ctx, res)
}

type fixture struct {
	agg     *Aggregator
	subs    *fakeSubmissions
	results *flakyResults
	cache   *cache.RedisCache
	now     time.Time
}

var submittedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	f := &fixture{
		subs: &fakeSubmissions{rows: map[int64]*repository.Submission{
			1: {SubmissionID: 1, ProblemID: 3, Language: "cpp", Status: model.StatusJudging, SubmittedAt: submittedAt},
			2: {SubmissionID: 2, ProblemID: 3, Language: "cpp", Status: model.StatusPending, SubmittedAt: submittedAt},
		}},
		results: &flakyResults{ResultStore: repository.NewBlobResultStore(storage.NewMemoryStore())},
		cache:   rc,
		now:     submittedAt.Add(time.Minute),
	}
	f.agg = f.newAggregator(t)
	return f
}

func (f *fixture) newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	agg, err := New(Config{
		Submissions: f.subs,
		Results:     f.results,
		Cache:       f.cache,
		Now:         func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return agg
}

func caseEvent(id int64, caseID, score int, status model.Verdict, timeMs, memKB int64) model.JudgeEvent {
	return model.JudgeEvent{
		SubmissionID:    id,
		ProblemID:       3,
		CaseID:          caseID,
		NumCases:        3,
		CumulativeScore: score,
		Status:          status,
		TimeUsedMs:      timeMs,
		MemoryUsedKB:    memKB,
		InfraOK:         true,
	}
}

func finalEvent(id int64, score int, status model.Verdict) model.JudgeEvent {
	e := caseEvent(id, 3, score, status, 0, 0)
	e.IsFinal = true
	e.Message = model.MsgJudgeDone
	return e
}

func apply(t *testing.T, agg *Aggregator, events ...model.JudgeEvent) {
	t.Helper()
	for _, e := range events {
		if err := agg.OnEvent(context.Background(), e); err != nil {
			t.Fatalf("on event %+v: %v", e, err)
		}
	}
}

func TestAggregatorFoldsCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := caseEvent(1, 0, 0, model.VerdictWaiting, 0, 0)
	start.Message = model.MsgCompileOK
	apply(t, f.agg,
		start,
		caseEvent(1, 1, 33, model.VerdictAC, 40, 2048),
		caseEvent(1, 2, 33, model.VerdictWA, 90, 1024),
		caseEvent(1, 2, 33, model.VerdictWA, 90, 1024),
		caseEvent(1, 3, 66, model.VerdictAC, 10, 4096),
	)

	draft, err := f.agg.Query(ctx, 1)
	if err != nil {
		t.Fatalf("query draft: %v", err)
	}
	if draft.Status != model.VerdictJudging || len(draft.TestResults) != 3 || draft.CompileMessage != model.MsgCompileOK {
		t.Fatalf("unexpected draft: %+v", draft)
	}

	apply(t, f.agg, finalEvent(1, 66, model.VerdictAC))

	res, err := f.agg.Query(ctx, 1)
	if err != nil {
		t.Fatalf("query final: %v", err)
	}
	if res.Status != model.VerdictWA || res.Score != 66 {
		t.Fatalf("unexpected final: %+v", res)
	}
	if res.TimeUsedMs != 90 || res.MemoryUsedKB != 4096 {
		t.Fatalf("maxima = %d ms %d KB", res.TimeUsedMs, res.MemoryUsedKB)
	}
	for i, tr := range res.TestResults {
		if tr.CaseID != i+1 {
			t.Fatalf("results not ordered by case id: %+v", res.TestResults)
		}
	}
	if f.subs.rows[1].Status != model.StatusDone {
		t.Fatalf("status = %s", f.subs.rows[1].Status)
	}
}

func TestAggregatorOutOfOrderAndLastWriteWins(t *testing.T) {
	f := newFixture(t)
	apply(t, f.agg,
		caseEvent(1, 2, 66, model.VerdictAC, 5, 100),
		caseEvent(1, 1, 33, model.VerdictRE, 7, 100),
		caseEvent(1, 1, 33, model.VerdictAC, 3, 100),
	)
	draft, err := f.agg.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if draft.TestResults[0].Status != model.VerdictAC || draft.Score != 66 {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if draft.TimeUsedMs != 7 {
		t.Fatalf("time maximum must never decrease, got %d", draft.TimeUsedMs)
	}
}

func TestAggregatorRedeliveredStartKeepsCompileOK(t *testing.T) {
	f := newFixture(t)
	start := caseEvent(1, 0, 0, model.VerdictWaiting, 0, 0)
	start.Message = model.MsgJudgeStart
	compiled := start
	compiled.Message = model.MsgCompileOK
	apply(t, f.agg, start, compiled, caseEvent(1, 1, 33, model.VerdictAC, 1, 1), start)

	draft, err := f.agg.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if draft.CompileMessage != model.MsgCompileOK {
		t.Fatalf("compile message = %q, want %q", draft.CompileMessage, model.MsgCompileOK)
	}
	if draft.Status != model.VerdictJudging || len(draft.TestResults) != 1 {
		t.Fatalf("unexpected draft: %+v", draft)
	}
}

func TestAggregatorFinalIsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	apply(t, f.agg,
		caseEvent(1, 1, 100, model.VerdictAC, 1, 1),
		finalEvent(1, 100, model.VerdictAC),
		finalEvent(1, 100, model.VerdictAC),
		caseEvent(1, 1, 0, model.VerdictWA, 1, 1),
	)
	if f.results.saves != 1 || f.subs.setCalls != 1 {
		t.Fatalf("saves = %d, status updates = %d", f.results.saves, f.subs.setCalls)
	}
	if _, ok := f.agg.drafts.Load(1); ok {
		t.Fatal("draft should be evicted after final")
	}

	// Another process sees the shared marker.
	other := f.newAggregator(t)
	apply(t, other, finalEvent(1, 0, model.VerdictSE))
	if f.results.saves != 1 {
		t.Fatal("duplicate final from another process must be ignored")
	}
	res, err := other.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictAC || res.Score != 100 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAggregatorCompileError(t *testing.T) {
	f := newFixture(t)
	ce := caseEvent(1, 0, 0, model.VerdictCE, 0, 0)
	ce.IsFinal = true
	ce.Message = "main.cpp:2: error: expected ';'"
	apply(t, f.agg, ce)

	res, err := f.agg.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictCE || res.CompileMessage != ce.Message || len(res.TestResults) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAggregatorFinalWithoutCasesIsSystemError(t *testing.T) {
	f := newFixture(t)
	apply(t, f.agg, finalEvent(1, 0, model.VerdictAC))

	res, err := f.agg.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictSE {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestAggregatorPersistFailureKeepsDraft(t *testing.T) {
	f := newFixture(t)
	f.results.failures = 1
	apply(t, f.agg, caseEvent(1, 1, 100, model.VerdictAC, 1, 1))

	if err := f.agg.OnEvent(context.Background(), finalEvent(1, 100, model.VerdictAC)); !appErr.Is(err, appErr.StorageError) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if _, ok := f.agg.drafts.Load(1); !ok {
		t.Fatal("draft must survive a failed persist")
	}
	apply(t, f.agg, finalEvent(1, 100, model.VerdictAC))
	res, err := f.agg.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictAC || len(res.TestResults) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestQueryPendingPlaceholder(t *testing.T) {
	f := newFixture(t)
	res, err := f.agg.Query(context.Background(), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictPending || res.SubmissionID != 2 {
		t.Fatalf("unexpected placeholder: %+v", res)
	}
}

func TestQueryUnknownSubmission(t *testing.T) {
	f := newFixture(t)
	if _, err := f.agg.Query(context.Background(), 404); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestQueryStaleSubmissionIsFinalizedOnce(t *testing.T) {
	f := newFixture(t)
	f.now = submittedAt.Add(6 * time.Minute)
	ctx := context.Background()

	res, err := f.agg.Query(ctx, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictSE || res.CompileMessage != model.MsgJudgeTimeout {
		t.Fatalf("unexpected stale result: %+v", res)
	}
	if f.subs.rows[2].Status != model.StatusDone {
		t.Fatal("stale submission must be marked DONE")
	}

	again, err := f.agg.Query(ctx, 2)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if again.Status != model.VerdictSE || f.results.saves != 1 {
		t.Fatalf("stale finalization must be idempotent: %+v saves=%d", again, f.results.saves)
	}

	apply(t, f.agg, finalEvent(2, 100, model.VerdictAC))
	if f.results.saves != 1 {
		t.Fatal("late final after stale finalization must be ignored")
	}
}

func TestQueryNotStaleWithDraft(t *testing.T) {
	f := newFixture(t)
	f.now = submittedAt.Add(10 * time.Minute)
	apply(t, f.agg, caseEvent(1, 1, 33, model.VerdictAC, 1, 1))

	res, err := f.agg.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictJudging {
		t.Fatalf("a live draft must not be force-finalized: %+v", res)
	}
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.agg.HandleMessage(ctx, mq.NewMessage([]byte("garbage"))); err != nil {
		t.Fatalf("garbage should be dropped: %v", err)
	}
	body, _ := json.Marshal(caseEvent(1, 1, 33, model.VerdictAC, 1, 1))
	if err := f.agg.HandleMessage(ctx, mq.NewMessage(body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := f.agg.drafts.Load(1); !ok {
		t.Fatal("event should create a draft")
	}
}

func TestSubscribeReceivesSnapshotsAndCloses(t *testing.T) {
	f := newFixture(t)
	updates, cancel := f.agg.Subscribe(1)
	defer cancel()

	apply(t, f.agg, caseEvent(1, 1, 100, model.VerdictAC, 1, 1))
	select {
	case snap := <-updates:
		if len(snap.TestResults) != 1 {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	apply(t, f.agg, finalEvent(1, 100, model.VerdictAC))
	final, ok := <-updates
	if !ok || final.Status != model.VerdictAC {
		t.Fatalf("unexpected final snapshot: %+v %v", final, ok)
	}
	if _, ok := <-updates; ok {
		t.Fatal("channel should be closed after final")
	}
}

func TestSlowWatcherDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	_, cancel := f.agg.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			_ = f.agg.OnEvent(context.Background(), caseEvent(1, i, 0, model.VerdictWA, 1, 1))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fold blocked on a slow watcher")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without repositories")
	}
	if _, err := New(Config{Submissions: &fakeSubmissions{}}); err == nil {
		t.Fatal("expected error without result store")
	}
}

func TestResetAllowsRejudge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	apply(t, f.agg, caseEvent(1, 1, 100, model.VerdictAC, 1, 1), finalEvent(1, 100, model.VerdictAC))

	if err := f.agg.Reset(ctx, 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	f.subs.rows[1].Status = model.StatusPending
	apply(t, f.agg, caseEvent(1, 1, 0, model.VerdictWA, 1, 1), finalEvent(1, 0, model.VerdictAC))

	res, err := f.agg.Query(ctx, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictWA || f.results.saves != 2 {
		t.Fatalf("rejudge not folded: %+v saves=%d", res, f.results.saves)
	}
}

func TestQueryStalenessRestartsOnUpdate(t *testing.T) {
	f := newFixture(t)
	f.now = submittedAt.Add(time.Hour)
	f.subs.rows[2].UpdatedAt = submittedAt.Add(58 * time.Minute)

	res, err := f.agg.Query(context.Background(), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Status != model.VerdictPending {
		t.Fatalf("recently requeued submission must stay pending: %+v", res)
	}
}
