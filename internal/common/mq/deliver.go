package mq

import (
	"context"
	"time"
)

// deliver runs handler until it succeeds or the retry budget is spent,
// then dead-letters the message when a dead letter topic is configured.
// It returns once the message can be acknowledged.
func deliver(ctx context.Context, producer Producer, opts SubscribeOptions, m *Message, handler HandlerFunc) {
	if m.MaxRetries == 0 {
		m.MaxRetries = opts.MaxRetries
	}
	for {
		if err := handler(ctx, m); err == nil {
			return
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries {
			if opts.DeadLetterTopic != "" && producer != nil {
				_ = producer.Publish(ctx, opts.DeadLetterTopic, m)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.RetryDelay):
		}
	}
}
