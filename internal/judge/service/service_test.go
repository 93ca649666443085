package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ojjudge/internal/common/mq"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
	"ojjudge/internal/judge/sandbox/profile"
	"ojjudge/internal/judge/sandbox/result"
	"ojjudge/internal/judge/sandbox/runner"
	appErr "ojjudge/pkg/errors"
)

type fakeRunner struct {
	compile    result.CompileResult
	compileErr error
	cases      map[int]result.CaseResult
	runErr     map[int]error
	panicOn    int
	workDirs   []string
}

func (f *fakeRunner) Compile(_ context.Context, req runner.CompileRequest) (result.CompileResult, error) {
	f.workDirs = append(f.workDirs, req.WorkDir)
	if _, err := os.Stat(req.SourcePath); err != nil {
		return result.CompileResult{}, fmt.Errorf("source missing: %w", err)
	}
	return f.compile, f.compileErr
}

func (f *fakeRunner) Run(_ context.Context, req runner.RunRequest) (result.CaseResult, error) {
	if f.panicOn == req.CaseID {
		panic("sandbox exploded")
	}
	if err := f.runErr[req.CaseID]; err != nil {
		return result.CaseResult{}, err
	}
	return f.cases[req.CaseID], nil
}

type fakeResolver struct {
	limits model.ProblemLimits
	cases  []model.TestCase
	err    error
}

func (f *fakeResolver) Resolve(context.Context, int64) (model.ProblemLimits, []model.TestCase, error) {
	return f.limits, f.cases, f.err
}

type recordingSink struct {
	mu       sync.Mutex
	events   []model.JudgeEvent
	failures int
}

func (s *recordingSink) Emit(_ context.Context, event model.JudgeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) finals() []model.JudgeEvent {
	var out []model.JudgeEvent
	for _, e := range s.events {
		if e.IsFinal {
			out = append(out, e)
		}
	}
	return out
}

type fakeStatus struct {
	mu      sync.Mutex
	updates map[int64]model.SubmissionStatus
	err     error
}

func (f *fakeStatus) SetStatus(_ context.Context, id int64, status model.SubmissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = make(map[int64]model.SubmissionStatus)
	}
	f.updates[id] = status
	return nil
}

type recordingQueue struct {
	mu        sync.Mutex
	published map[string][]*mq.Message
}

func (q *recordingQueue) Publish(_ context.Context, topic string, message *mq.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.published == nil {
		q.published = make(map[string][]*mq.Message)
	}
	q.published[topic] = append(q.published[topic], message)
	return nil
}

type fixture struct {
	svc      *Service
	runner   *fakeRunner
	resolver *fakeResolver
	sink     *recordingSink
	status   *fakeStatus
	store    *storage.MemoryStore
	queue    *recordingQueue
	workRoot string
}

func writeCases(t *testing.T, n int) []model.TestCase {
	t.Helper()
	dir := t.TempDir()
	cases := make([]model.TestCase, 0, n)
	for i := 1; i <= n; i++ {
		in := filepath.Join(dir, fmt.Sprintf("%d.in", i))
		out := filepath.Join(dir, fmt.Sprintf("%d.out", i))
		if err := os.WriteFile(in, []byte(fmt.Sprintf("%d %d\n", i, i)), 0644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		if err := os.WriteFile(out, []byte(fmt.Sprintf("%d\n", 2*i)), 0644); err != nil {
			t.Fatalf("write output: %v", err)
		}
		cases = append(cases, model.TestCase{Index: i, CaseID: i, Name: fmt.Sprint(i), InputPath: in, ExpectedPath: out})
	}
	return cases
}

func newFixture(t *testing.T, cases []model.TestCase) *fixture {
	t.Helper()
	registry, err := profile.NewRegistry(profile.DefaultLanguages())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	f := &fixture{
		runner: &fakeRunner{
			compile: result.CompileResult{OK: true},
			cases:   make(map[int]result.CaseResult),
			runErr:  make(map[int]error),
		},
		resolver: &fakeResolver{limits: model.DefaultLimits(), cases: cases},
		sink:     &recordingSink{},
		status:   &fakeStatus{},
		store:    storage.NewMemoryStore(),
		queue:    &recordingQueue{},
		workRoot: t.TempDir(),
	}
	if err := storage.PutBytes(context.Background(), f.store, model.SourceKey(5, "cpp"), []byte("int main(){}"), "text/plain"); err != nil {
		t.Fatalf("put source: %v", err)
	}
	f.svc, err = NewService(Config{
		Runner:          f.runner,
		Resolver:        f.resolver,
		Sink:            f.sink,
		Status:          f.status,
		Storage:         f.store,
		Languages:       registry,
		Queue:           f.queue,
		RetryTopic:      "judge.submit.retry",
		DeadLetterTopic: "judge.submit.dlq",
		PoolRetryMax:    2,
		WorkRoot:        f.workRoot,
		WorkerPoolSize:  1,
		AcquireTimeout:  20 * time.Millisecond,
		EmitBackoff:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return f
}

func submit() model.SubmitMessage {
	return model.SubmitMessage{SubmissionID: 5, ProblemID: 9, Language: "cpp"}
}

func assertWorkRootEmpty(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read work root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("work dir not removed: %v", entries)
	}
}

func TestJudgeAllAccepted(t *testing.T) {
	f := newFixture(t, writeCases(t, 3))
	for i := 1; i <= 3; i++ {
		f.runner.cases[i] = result.CaseResult{Verdict: model.VerdictAC, Message: model.MsgAccepted, TimeMs: int64(10 * i), MemoryKB: 1024, Stdout: []byte("ok\n")}
	}

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}

	events := f.sink.events
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[0].Message != model.MsgJudgeStart || events[0].CaseID != 0 || events[0].Status != model.VerdictWaiting {
		t.Fatalf("unexpected start event: %+v", events[0])
	}
	if events[1].Message != model.MsgCompileOK || events[1].IsFinal {
		t.Fatalf("unexpected compile event: %+v", events[1])
	}
	wantScores := []int{33, 66, 99}
	for i, e := range events[2:5] {
		if e.CaseID != i+1 || e.Status != model.VerdictAC || e.CumulativeScore != wantScores[i] || e.IsFinal {
			t.Fatalf("unexpected case event %d: %+v", i+1, e)
		}
		if e.Input == "" || e.ExpectedOutput == "" || e.ActualOutput != "ok\n" {
			t.Fatalf("missing previews on case %d: %+v", i+1, e)
		}
	}
	final := events[5]
	if !final.IsFinal || final.Status != model.VerdictAC || final.Message != model.MsgJudgeDone || final.CumulativeScore != 99 {
		t.Fatalf("unexpected final event: %+v", final)
	}
	for _, e := range events {
		if e.EmittedAt == 0 || e.NumCases != 3 {
			t.Fatalf("event not stamped: %+v", e)
		}
	}
	assertWorkRootEmpty(t, f.workRoot)
}

func TestJudgeMixedVerdicts(t *testing.T) {
	f := newFixture(t, writeCases(t, 3))
	f.runner.cases[1] = result.CaseResult{Verdict: model.VerdictAC, Message: model.MsgAccepted}
	f.runner.cases[2] = result.CaseResult{Verdict: model.VerdictTLE, Message: model.MsgTimeLimitExceeded, TimeMs: 1000}
	f.runner.cases[3] = result.CaseResult{Verdict: model.VerdictAC, Message: model.MsgAccepted}

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	events := f.sink.events
	if events[3].Status != model.VerdictTLE || events[3].CumulativeScore != 33 {
		t.Fatalf("unexpected TLE event: %+v", events[3])
	}
	final := f.sink.finals()
	if len(final) != 1 || final[0].CumulativeScore != 66 {
		t.Fatalf("unexpected finals: %+v", final)
	}
}

func TestJudgeCompileError(t *testing.T) {
	f := newFixture(t, writeCases(t, 2))
	f.runner.compile = result.CompileResult{OK: false, Log: "main.cpp:1:1: error"}

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	finals := f.sink.finals()
	if len(finals) != 1 {
		t.Fatalf("expected one final, got %d", len(finals))
	}
	ce := finals[0]
	if ce.Status != model.VerdictCE || ce.CaseID != 0 || ce.CumulativeScore != 0 || ce.Message != "main.cpp:1:1: error" {
		t.Fatalf("unexpected CE event: %+v", ce)
	}
	for _, e := range f.sink.events {
		if e.CaseID > 0 {
			t.Fatalf("no case may run after CE: %+v", e)
		}
	}
	assertWorkRootEmpty(t, f.workRoot)
}

func TestJudgeEngineFailureIsSystemError(t *testing.T) {
	f := newFixture(t, writeCases(t, 3))
	f.runner.cases[1] = result.CaseResult{Verdict: model.VerdictAC}
	cause := errors.New("open /var/lib/ojjudge/work/5-1f2e/secret.in: permission denied")
	f.runner.runErr[2] = appErr.Wrapf(cause, appErr.SandboxSpawnFailed, "open stdin")

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	finals := f.sink.finals()
	if len(finals) != 1 {
		t.Fatalf("expected one final, got %d", len(finals))
	}
	se := finals[0]
	if se.Status != model.VerdictSE || se.InfraOK || se.Message != model.MsgSystemError {
		t.Fatalf("unexpected SE event: %+v", se)
	}
	for _, e := range f.sink.events {
		if strings.Contains(e.Message, "secret.in") || strings.Contains(e.Message, "open stdin") {
			t.Fatalf("event leaks the failure cause: %+v", e)
		}
	}
	assertWorkRootEmpty(t, f.workRoot)
}

func TestJudgeNoTestcases(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if len(f.sink.events) != 1 {
		t.Fatalf("expected a single event, got %+v", f.sink.events)
	}
	e := f.sink.events[0]
	if !e.IsFinal || e.Status != model.VerdictSE || e.Message != model.MsgNoTestcases {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestJudgeResolveFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.resolver.err = appErr.Newf(appErr.ProblemNotFound, "problem 9 not found")

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	finals := f.sink.finals()
	if len(finals) != 1 || finals[0].Message != model.MsgSystemError {
		t.Fatalf("unexpected finals: %+v", finals)
	}
}

func TestJudgeMissingSource(t *testing.T) {
	f := newFixture(t, writeCases(t, 1))
	msg := submit()
	msg.SubmissionID = 77

	if err := f.svc.Judge(context.Background(), msg); err != nil {
		t.Fatalf("judge: %v", err)
	}
	finals := f.sink.finals()
	if len(finals) != 1 || finals[0].Status != model.VerdictSE || finals[0].InfraOK {
		t.Fatalf("unexpected finals: %+v", finals)
	}
	assertWorkRootEmpty(t, f.workRoot)
}

func TestJudgeUnsupportedLanguage(t *testing.T) {
	f := newFixture(t, writeCases(t, 1))
	msg := submit()
	msg.Language = "brainfuck"

	if err := f.svc.Judge(context.Background(), msg); err != nil {
		t.Fatalf("judge: %v", err)
	}
	finals := f.sink.finals()
	if len(finals) != 1 || finals[0].Message != model.MsgLanguageUnsupported {
		t.Fatalf("unexpected finals: %+v", finals)
	}
}

func TestJudgeConfigErrorContinues(t *testing.T) {
	cases := writeCases(t, 2)
	cases[0].ConfigErr = appErr.New(appErr.TestCaseNotFound).WithMessage("missing 1.out")
	f := newFixture(t, cases)
	f.runner.cases[2] = result.CaseResult{Verdict: model.VerdictAC}

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	events := f.sink.events
	if events[2].Status != model.VerdictCFG || events[2].Message != "missing 1.out" {
		t.Fatalf("unexpected CFG event: %+v", events[2])
	}
	if events[3].Status != model.VerdictAC || events[3].CumulativeScore != 50 {
		t.Fatalf("unexpected second case: %+v", events[3])
	}
	if final := f.sink.finals(); len(final) != 1 || final[0].Status != model.VerdictAC {
		t.Fatalf("unexpected finals: %+v", final)
	}
}

func TestJudgeRecoversPanic(t *testing.T) {
	f := newFixture(t, writeCases(t, 2))
	f.runner.panicOn = 1

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	finals := f.sink.finals()
	if len(finals) != 1 || finals[0].Status != model.VerdictSE || !strings.Contains(finals[0].Message, "sandbox exploded") {
		t.Fatalf("unexpected finals: %+v", finals)
	}
	assertWorkRootEmpty(t, f.workRoot)
}

func TestJudgeRetriesFinalEmit(t *testing.T) {
	f := newFixture(t, nil)
	f.sink.failures = 2

	if err := f.svc.Judge(context.Background(), submit()); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if len(f.sink.finals()) != 1 {
		t.Fatalf("final event should be delivered after retries")
	}

	f.sink.failures = 100
	if err := f.svc.Judge(context.Background(), submit()); err == nil {
		t.Fatal("expected error when the final event cannot be delivered")
	}
}

func TestHandleMessageSetsJudging(t *testing.T) {
	f := newFixture(t, nil)
	body, _ := json.Marshal(submit())

	if err := f.svc.HandleMessage(context.Background(), mq.NewMessage(body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.status.updates[5] != model.StatusJudging {
		t.Fatalf("status = %v", f.status.updates[5])
	}
	if len(f.sink.finals()) != 1 {
		t.Fatal("expected a final event")
	}
}

func TestHandleMessageDropsBadMessages(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{"{not json", `{"submissionId":0,"problemId":1}`, `{"submissionId":1}`} {
		if err := f.svc.HandleMessage(context.Background(), mq.NewMessage([]byte(body))); err != nil {
			t.Fatalf("bad message %q should be dropped, got %v", body, err)
		}
	}
	if len(f.sink.events) != 0 || len(f.status.updates) != 0 {
		t.Fatal("bad messages must not be judged")
	}
}

func TestHandleMessageStatusFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.status.err = appErr.New(appErr.DatabaseError)
	body, _ := json.Marshal(submit())

	if err := f.svc.HandleMessage(context.Background(), mq.NewMessage(body)); !appErr.Is(err, appErr.DatabaseError) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestHandleMessagePoolFullRequeues(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.sem <- struct{}{}
	body, _ := json.Marshal(submit())

	msg := mq.NewMessage(body)
	msg.Key = "5"
	if err := f.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	retried := f.queue.published["judge.submit.retry"]
	if len(retried) != 1 {
		t.Fatalf("expected one requeue, got %d", len(retried))
	}
	if retried[0].Headers[poolRetryHeader] != "1" || retried[0].Key != "5" {
		t.Fatalf("unexpected requeued message: %+v", retried[0])
	}

	exhausted := CloneMessageForRetry(msg, 2)
	if err := f.svc.HandleMessage(context.Background(), exhausted); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(f.queue.published["judge.submit.dlq"]) != 1 {
		t.Fatal("expected dead letter after max pool retries")
	}
	if len(f.sink.events) != 0 {
		t.Fatal("requeued messages must not be judged")
	}
}

func TestParsePoolRetryCount(t *testing.T) {
	tests := []struct {
		headers map[string]string
		want    int
	}{
		{nil, 0},
		{map[string]string{poolRetryHeader: "3"}, 3},
		{map[string]string{poolRetryHeader: "-1"}, 0},
		{map[string]string{poolRetryHeader: "x"}, 0},
	}
	for _, tt := range tests {
		if got := ParsePoolRetryCount(tt.headers); got != tt.want {
			t.Fatalf("ParsePoolRetryCount(%v) = %d, want %d", tt.headers, got, tt.want)
		}
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := computeBackoff(tt.retry, 100*time.Millisecond, 500*time.Millisecond); got != tt.want {
			t.Fatalf("computeBackoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
	if computeBackoff(3, 0, time.Second) != 0 {
		t.Fatal("zero base disables backoff")
	}
}
