package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/db"
	"ojjudge/internal/common/mq"
	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

type fakeDB struct {
	mu         sync.Mutex
	rows       map[int64]Submission
	queries    int
	execs      int
	failExecs  int
	lastStatus string
}

type fakeRow struct {
	sub *Submission
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.sub == nil {
		return sql.ErrNoRows
	}
	*dest[0].(*int64) = r.sub.SubmissionID
	*dest[1].(*int64) = r.sub.ProblemID
	*dest[2].(*string) = r.sub.Language
	*dest[3].(*string) = string(r.sub.Status)
	*dest[4].(*time.Time) = r.sub.SubmittedAt
	*dest[5].(*time.Time) = r.sub.UpdatedAt
	return nil
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

func (f *fakeDB) Query(context.Context, string, ...interface{}) (db.Rows, error) {
	return nil, sql.ErrConnDone
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...interface{}) db.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	sub, ok := f.rows[args[0].(int64)]
	if !ok {
		return fakeRow{}
	}
	return fakeRow{sub: &sub}
}

func (f *fakeDB) Exec(_ context.Context, _ string, args ...interface{}) (db.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if f.failExecs > 0 {
		f.failExecs--
		return nil, &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	}
	id := args[2].(int64)
	sub := f.rows[id]
	sub.Status = model.SubmissionStatus(args[0].(string))
	f.rows[id] = sub
	f.lastStatus = args[0].(string)
	return fakeResult{}, nil
}

func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return sql.ErrTxDone
}

func (f *fakeDB) Ping(context.Context) error { return nil }
func (f *fakeDB) Close() error               { return nil }

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[int64]Submission{
		7: {SubmissionID: 7, ProblemID: 3, Language: "cpp", Status: model.StatusPending, SubmittedAt: time.Unix(1700000000, 0).UTC()},
	}}
}

func newTestCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSubmissionRepositoryCachesReads(t *testing.T) {
	fdb := newFakeDB()
	repo := NewSubmissionRepository(db.NewManager(fdb), newTestCache(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sub, err := repo.Get(ctx, 7)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if sub.ProblemID != 3 || sub.Status != model.StatusPending {
			t.Fatalf("unexpected submission: %+v", sub)
		}
	}
	if fdb.queries != 1 {
		t.Fatalf("expected one db query, got %d", fdb.queries)
	}
}

func TestSubmissionRepositoryNotFound(t *testing.T) {
	fdb := newFakeDB()
	repo := NewSubmissionRepository(db.NewManager(fdb), newTestCache(t))

	for i := 0; i < 2; i++ {
		_, err := repo.Get(context.Background(), 99)
		if !appErr.Is(err, appErr.SubmissionNotFound) {
			t.Fatalf("expected SubmissionNotFound, got %v", err)
		}
	}
	if fdb.queries != 1 {
		t.Fatalf("missing rows should be cached, got %d queries", fdb.queries)
	}
}

func TestSubmissionRepositorySetStatusInvalidates(t *testing.T) {
	fdb := newFakeDB()
	repo := NewSubmissionRepository(db.NewManager(fdb), newTestCache(t))
	ctx := context.Background()

	if _, err := repo.Get(ctx, 7); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := repo.SetStatus(ctx, 7, model.StatusJudging); err != nil {
		t.Fatalf("set status: %v", err)
	}
	sub, err := repo.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Status != model.StatusJudging {
		t.Fatalf("status = %s, want JUDGING", sub.Status)
	}
}

func TestSubmissionRepositoryRetriesDeadlock(t *testing.T) {
	fdb := newFakeDB()
	fdb.failExecs = 2
	repo := NewSubmissionRepository(db.NewManager(fdb), nil)

	if err := repo.SetStatus(context.Background(), 7, model.StatusDone); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if fdb.execs != 3 || fdb.lastStatus != "DONE" {
		t.Fatalf("execs = %d, last = %s", fdb.execs, fdb.lastStatus)
	}

	fdb.failExecs = 5
	err := repo.SetStatus(context.Background(), 7, model.StatusDone)
	if appErr.GetCode(err) != appErr.DatabaseError {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestSubmissionRepositoryWithoutDatabase(t *testing.T) {
	repo := NewSubmissionRepository(db.NewManager(nil), nil)
	if _, err := repo.Get(context.Background(), 7); appErr.GetCode(err) != appErr.DatabaseError {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestBlobResultStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewBlobResultStore(storage.NewMemoryStore())
	ctx := context.Background()

	res := model.SubmissionResult{
		SubmissionID: 12,
		Status:       model.VerdictWA,
		Score:        33,
		TestResults:  []model.TestResult{{CaseID: 1, Status: model.VerdictAC}, {CaseID: 2, Status: model.VerdictWA}},
	}
	if err := store.Save(ctx, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, 12)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != model.VerdictWA || got.Score != 33 || len(got.TestResults) != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}

	_, err = store.Load(ctx, 13)
	if !appErr.Is(err, appErr.ObjectNotFound) {
		t.Fatalf("expected ObjectNotFound in chain, got %v", err)
	}
}

type recordingProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func TestMQEventPublisherKeysBySubmission(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{}
	pub := NewMQEventPublisher(producer, "judge.result")

	event := model.JudgeEvent{SubmissionID: 42, CaseID: 1, Status: model.VerdictAC}
	if err := pub.Emit(context.Background(), event); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if producer.topic != "judge.result" || producer.messages[0].Key != "42" {
		t.Fatalf("unexpected publish: %s %+v", producer.topic, producer.messages[0])
	}
	var decoded model.JudgeEvent
	if err := json.Unmarshal(producer.messages[0].Body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EmittedAt == 0 {
		t.Fatal("emit should stamp the event")
	}
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()
	producer := &recordingProducer{err: sql.ErrConnDone}
	pub := NewSubmitPublisher(producer, "judge.submit")

	err := pub.Publish(context.Background(), model.SubmitMessage{SubmissionID: 1, ProblemID: 2, Language: "cpp"})
	if appErr.GetCode(err) != appErr.MessageQueueError {
		t.Fatalf("expected MessageQueueError, got %v", err)
	}
	if err := pub.Publish(context.Background(), model.SubmitMessage{}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}
