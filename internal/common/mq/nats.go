package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const headerKey = "x-message-key"

// NATSConfig defines configuration for the NATS implementation.
type NATSConfig struct {
	URL           string
	Name          string
	Timeout       time.Duration
	MaxReconnects int
	// PendingMsgs bounds the per-subject buffer between the client and the workers.
	PendingMsgs int
}

// NATSQueue implements MessageQueue over core NATS queue groups.
// Delivery is at-most-once from the server; retries happen in-process.
type NATSQueue struct {
	config NATSConfig
	conn   *nats.Conn

	mu            sync.Mutex
	subscriptions []*natsSubscription
	started       bool
	closed        bool
}

type natsSubscription struct {
	topics  []WeightedTopic
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context
	limiter FetchLimiter

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATSQueue connects to the NATS server.
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.PendingMsgs == 0 {
		cfg.PendingMsgs = 256
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSQueue{config: cfg, conn: conn}, nil
}

// Publish publishes a message to a subject.
func (n *NATSQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.conn.PublishMsg(toNATSMessage(topic, message))
}

// Subscribe subscribes to a subject with default options.
func (n *NATSQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return n.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions subscribes to a subject with custom options.
func (n *NATSQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	return n.SubscribeWeighted(ctx, []WeightedTopic{{Topic: topic, Weight: 1}}, handler, opts, nil)
}

// SubscribeWeighted joins a queue group on every subject and drains the
// buffered messages following the weighted schedule.
func (n *NATSQueue) SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error {
	if len(topics) == 0 {
		return errors.New("topics are required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	for _, t := range topics {
		if t.Topic == "" {
			return errors.New("topic is required")
		}
		if t.Weight <= 0 {
			return errors.New("topic weight must be positive")
		}
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("ojjudge-%s", topics[0].Topic)
	}

	sub := &natsSubscription{
		topics:  topics,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
		limiter: limiter,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("message queue is closed")
	}
	n.subscriptions = append(n.subscriptions, sub)
	if n.started {
		return n.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (n *NATSQueue) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("message queue is closed")
	}
	if n.started {
		return nil
	}
	for _, sub := range n.subscriptions {
		if err := n.startSubscription(sub); err != nil {
			return err
		}
	}
	n.started = true
	return nil
}

func (n *NATSQueue) startSubscription(sub *natsSubscription) error {
	channels := make([]chan *nats.Msg, 0, len(sub.topics))
	for _, t := range sub.topics {
		ch := make(chan *nats.Msg, n.config.PendingMsgs)
		s, err := n.conn.ChanQueueSubscribe(t.Topic, sub.opts.ConsumerGroup, ch)
		if err != nil {
			for _, prev := range sub.subs {
				_ = prev.Unsubscribe()
			}
			sub.subs = nil
			return fmt.Errorf("subscribe %s: %w", t.Topic, err)
		}
		sub.subs = append(sub.subs, s)
		channels = append(channels, ch)
	}
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	schedule := buildWeightedSchedule(sub.topics)
	msgCh := make(chan *nats.Msg, sub.opts.Concurrency*sub.opts.PrefetchCount)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		for {
			if sub.limiter != nil {
				if err := sub.limiter.Acquire(sub.ctx); err != nil {
					return
				}
			}
			msg, ok := nextScheduled(sub.ctx, channels, schedule)
			if !ok {
				if sub.limiter != nil {
					sub.limiter.Release()
				}
				return
			}
			select {
			case msgCh <- msg:
			case <-sub.ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range msgCh {
				deliver(sub.ctx, n, sub.opts, fromNATSMessage(msg), sub.handler)
				if sub.limiter != nil {
					sub.limiter.Release()
				}
			}
		}()
	}
	return nil
}

// nextScheduled walks the schedule once without blocking and falls back to a short wait.
func nextScheduled(ctx context.Context, channels []chan *nats.Msg, schedule []int) (*nats.Msg, bool) {
	for {
		for _, idx := range schedule {
			select {
			case msg := <-channels[idx]:
				return msg, true
			default:
			}
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stop unsubscribes and waits for in-flight handlers.
func (n *NATSQueue) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subscriptions {
		for _, s := range sub.subs {
			_ = s.Unsubscribe()
		}
		sub.subs = nil
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range n.subscriptions {
		sub.wg.Wait()
	}
	n.started = false
	return nil
}

// Ping round-trips to the server.
func (n *NATSQueue) Ping(ctx context.Context) error {
	if !n.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	timeout := n.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return n.conn.FlushTimeout(timeout)
}

// Close stops consumers and drains the connection.
func (n *NATSQueue) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	_ = n.Stop()
	return n.conn.Drain()
}

func toNATSMessage(subject string, message *Message) *nats.Msg {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	msg := nats.NewMsg(subject)
	msg.Data = message.Body
	for k, v := range encodeHeaders(message) {
		msg.Header.Set(k, v)
	}
	if message.Key != "" {
		msg.Header.Set(headerKey, message.Key)
	}
	return msg
}

func fromNATSMessage(msg *nats.Msg) *Message {
	m := &Message{
		Body:    msg.Data,
		Headers: make(map[string]string),
	}
	for k := range msg.Header {
		v := msg.Header.Get(k)
		if k == headerKey {
			m.Key = v
			continue
		}
		if !decodeHeader(m, k, v) {
			m.Headers[k] = v
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m
}
