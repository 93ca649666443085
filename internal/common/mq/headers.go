package mq

import (
	"strconv"
	"time"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
)

// encodeHeaders flattens a message's metadata into transport headers.
func encodeHeaders(message *Message) map[string]string {
	out := make(map[string]string, len(message.Headers)+4)
	for k, v := range message.Headers {
		out[k] = v
	}
	if message.ID != "" {
		out[headerID] = message.ID
	}
	if !message.Timestamp.IsZero() {
		out[headerTimestamp] = message.Timestamp.Format(time.RFC3339Nano)
	}
	if message.RetryCount != 0 {
		out[headerRetryCount] = strconv.Itoa(message.RetryCount)
	}
	if message.MaxRetries != 0 {
		out[headerMaxRetries] = strconv.Itoa(message.MaxRetries)
	}
	return out
}

// decodeHeader applies one transport header to m, returning false for user headers.
func decodeHeader(m *Message, key, value string) bool {
	switch key {
	case headerID:
		m.ID = value
	case headerTimestamp:
		if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
			m.Timestamp = ts
		}
	case headerRetryCount:
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			m.RetryCount = v
		}
	case headerMaxRetries:
		if v, err := strconv.Atoi(value); err == nil && v >= 0 {
			m.MaxRetries = v
		}
	default:
		return false
	}
	return true
}

func buildWeightedSchedule(topics []WeightedTopic) []int {
	schedule := make([]int, 0, len(topics))
	for idx, t := range topics {
		for i := 0; i < t.Weight; i++ {
			schedule = append(schedule, idx)
		}
	}
	return schedule
}
