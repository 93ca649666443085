package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

type recordingProducer struct {
	mu        sync.Mutex
	published map[string][]*Message
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, message *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][]*Message)
	}
	p.published[topic] = append(p.published[topic], message)
	return nil
}

func TestBuildWeightedSchedule(t *testing.T) {
	schedule := buildWeightedSchedule([]WeightedTopic{
		{Topic: "judge.submit", Weight: 3},
		{Topic: "judge.submit.retry", Weight: 1},
	})
	want := []int{0, 0, 0, 1}
	if len(schedule) != len(want) {
		t.Fatalf("schedule = %v, want %v", schedule, want)
	}
	for i := range want {
		if schedule[i] != want[i] {
			t.Fatalf("schedule = %v, want %v", schedule, want)
		}
	}
}

func TestKafkaMessageHeaders(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &Message{
		ID:         "m-1",
		Key:        "42",
		Body:       []byte(`{"submissionId":42}`),
		Headers:    map[string]string{"x-pool-retry": "2"},
		Timestamp:  ts,
		RetryCount: 1,
		MaxRetries: 5,
	}
	km := toKafkaMessage("judge.result", in)
	if string(km.Key) != "42" {
		t.Fatalf("kafka key = %q", km.Key)
	}
	out := fromKafkaMessage(km)
	if out.ID != "m-1" || out.Key != "42" || out.RetryCount != 1 || out.MaxRetries != 5 {
		t.Fatalf("unexpected decoded message: %+v", out)
	}
	if !out.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", out.Timestamp, ts)
	}
	if v, _ := out.GetHeader("x-pool-retry"); v != "2" {
		t.Fatalf("user header lost: %v", out.Headers)
	}
	if _, ok := out.Headers[headerID]; ok {
		t.Fatal("transport headers must not leak into user headers")
	}
}

func TestKafkaMessageFallsBackToKeyForID(t *testing.T) {
	out := fromKafkaMessage(kafka.Message{Key: []byte("7"), Value: []byte("x")})
	if out.ID != "7" {
		t.Fatalf("ID = %q, want key fallback", out.ID)
	}
}

func TestNATSMessageHeaders(t *testing.T) {
	in := &Message{ID: "m-2", Key: "9", Body: []byte("payload"), Headers: map[string]string{"trace": "t"}}
	nm := toNATSMessage("judge.submit", in)
	if nm.Subject != "judge.submit" {
		t.Fatalf("subject = %s", nm.Subject)
	}
	out := fromNATSMessage(nm)
	if out.ID != "m-2" || out.Key != "9" || string(out.Body) != "payload" {
		t.Fatalf("unexpected decoded message: %+v", out)
	}
	if v, _ := out.GetHeader("trace"); v != "t" {
		t.Fatalf("user header lost: %v", out.Headers)
	}
}

func TestNextScheduledPrefersWeightedTopic(t *testing.T) {
	a := make(chan *nats.Msg, 1)
	b := make(chan *nats.Msg, 1)
	a <- &nats.Msg{Subject: "a"}
	b <- &nats.Msg{Subject: "b"}

	msg, ok := nextScheduled(context.Background(), []chan *nats.Msg{a, b}, []int{1, 0})
	if !ok || msg.Subject != "b" {
		t.Fatalf("expected b first, got %v", msg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	<-a
	if _, ok := nextScheduled(ctx, []chan *nats.Msg{a, b}, []int{0, 1}); ok {
		t.Fatal("expected empty result after cancel")
	}
}

func TestDeliverRetriesThenDeadLetters(t *testing.T) {
	producer := &recordingProducer{}
	calls := 0
	opts := SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond, DeadLetterTopic: "judge.dlq"}
	deliver(context.Background(), producer, opts, &Message{ID: "x"}, func(ctx context.Context, m *Message) error {
		calls++
		return errors.New("boom")
	})
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
	if got := len(producer.published["judge.dlq"]); got != 1 {
		t.Fatalf("dead letters = %d, want 1", got)
	}
}

func TestDeliverStopsOnSuccess(t *testing.T) {
	producer := &recordingProducer{}
	calls := 0
	opts := SubscribeOptions{MaxRetries: 3, RetryDelay: time.Millisecond, DeadLetterTopic: "judge.dlq"}
	deliver(context.Background(), producer, opts, &Message{}, func(ctx context.Context, m *Message) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if len(producer.published) != 0 {
		t.Fatal("successful delivery must not dead-letter")
	}
}

func TestTokenLimiter(t *testing.T) {
	l := NewTokenLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("second acquire should block until timeout")
	}
	l.Release()
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
