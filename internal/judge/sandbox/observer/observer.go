// Package observer defines metrics hooks for sandbox execution and judging.
package observer

import "context"

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64)
	ObserveRun(ctx context.Context, languageID string, verdict string, timeMs int64, memoryKB int64)
	ObserveJudge(ctx context.Context, verdict string, durationMs int64)
	SetPoolInUse(n int)
}

// NoopRecorder drops every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCompile(context.Context, string, bool, int64)      {}
func (NoopRecorder) ObserveRun(context.Context, string, string, int64, int64) {}
func (NoopRecorder) ObserveJudge(context.Context, string, int64)              {}
func (NoopRecorder) SetPoolInUse(int)                                         {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r MetricsRecorder) MetricsRecorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
