package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"ojjudge/internal/common/mq"
	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

// MQEventPublisher publishes judge events to the result topic.
// Events are keyed by submission id so one submission stays ordered.
type MQEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQEventPublisher creates a new result topic publisher.
func NewMQEventPublisher(producer mq.Producer, topic string) *MQEventPublisher {
	return &MQEventPublisher{producer: producer, topic: topic}
}

// Emit publishes one event.
func (p *MQEventPublisher) Emit(ctx context.Context, event model.JudgeEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if event.EmittedAt == 0 {
		event.Stamp()
	}
	return publishJSON(ctx, p.producer, p.topic, event.SubmissionID, event)
}

// SubmitPublisher publishes submit messages, used for rejudge.
type SubmitPublisher struct {
	producer mq.Producer
	topic    string
}

// NewSubmitPublisher creates a new submit topic publisher.
func NewSubmitPublisher(producer mq.Producer, topic string) *SubmitPublisher {
	return &SubmitPublisher{producer: producer, topic: topic}
}

// Publish enqueues a submission for judging.
func (p *SubmitPublisher) Publish(ctx context.Context, msg model.SubmitMessage) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("submit publisher is not configured")
	}
	return publishJSON(ctx, p.producer, p.topic, msg.SubmissionID, msg)
}

func publishJSON(ctx context.Context, producer mq.Producer, topic string, submissionID int64, v interface{}) error {
	if topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("topic is required")
	}
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal message failed")
	}
	message := mq.NewMessage(payload)
	message.Key = strconv.FormatInt(submissionID, 10)
	if err := producer.Publish(ctx, topic, message); err != nil {
		return appErr.Wrapf(err, appErr.MessageQueueError, "publish to %s failed", topic)
	}
	return nil
}
