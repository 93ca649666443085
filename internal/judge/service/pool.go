package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"ojjudge/internal/common/mq"
	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
	"ojjudge/pkg/utils/contextkey"
	"ojjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const poolRetryHeader = "x-pool-retry"

// HandleMessage is the submit topic consumer. Undecodable messages are
// dropped; a full pool requeues the message to the retry topic.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		logger.Warn(ctx, "drop nil submit message")
		return nil
	}
	var payload model.SubmitMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		logger.Warn(ctx, "drop undecodable submit message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if payload.SubmissionID <= 0 || payload.ProblemID <= 0 {
		logger.Warn(ctx, "drop submit message missing ids", zap.String("message_id", msg.ID), zap.Int64("submission_id", payload.SubmissionID), zap.Int64("problem_id", payload.ProblemID))
		return nil
	}
	ctx = contextkey.WithSubmissionID(ctx, payload.SubmissionID)

	if err := s.acquireSlot(ctx); err != nil {
		if appErr.Is(err, appErr.JudgeQueueFull) {
			return s.requeueForPoolFull(ctx, msg)
		}
		return err
	}
	defer s.releaseSlot()

	ctxStatus, cancel := withTimeout(ctx, s.statusTimeout)
	err := s.status.SetStatus(ctxStatus, payload.SubmissionID, model.StatusJudging)
	cancel()
	if err != nil {
		return err
	}
	return s.Judge(ctx, payload)
}

func (s *Service) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		s.metrics.SetPoolInUse(len(s.sem))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
	s.metrics.SetPoolInUse(len(s.sem))
}

func (s *Service) requeueForPoolFull(ctx context.Context, msg *mq.Message) error {
	if s.queue == nil || s.retryTopic == "" {
		return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full and no retry topic is configured")
	}
	return RequeueForPoolFull(ctx, s.queue, s.retryTopic, s.deadLetter, s.poolRetryMax, s.poolRetryBase, s.poolRetryMaxD, msg)
}

// ParsePoolRetryCount reads the pool retry header; bad values count as zero.
func ParsePoolRetryCount(headers map[string]string) int {
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies msg with a fresh delivery count and the given pool retry count.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	out := &mq.Message{
		Key:        msg.Key,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// computeBackoff doubles base per retry, capped at max when max is positive.
func computeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// RequeueForPoolFull republishes a message when the worker pool is full.
func RequeueForPoolFull(ctx context.Context, queue mq.Producer, retryTopic, deadLetter string, maxRetry int, baseDelay, maxDelay time.Duration, msg *mq.Message) error {
	if queue == nil || retryTopic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParsePoolRetryCount(msg.Headers)
	if maxRetry > 0 && retryCount >= maxRetry {
		if deadLetter == "" {
			logger.Warn(ctx, "worker pool retry exhausted without dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID))
			return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
		}
		logger.Warn(ctx, "worker pool retry exhausted, sending to dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("topic", deadLetter))
		return queue.Publish(ctx, deadLetter, CloneMessageForRetry(msg, retryCount))
	}
	delay := computeBackoff(retryCount, baseDelay, maxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "worker pool retry canceled during backoff", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "worker pool requeue", zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID), zap.Duration("delay", delay), zap.String("topic", retryTopic))
	return queue.Publish(ctx, retryTopic, CloneMessageForRetry(msg, retryCount+1))
}
