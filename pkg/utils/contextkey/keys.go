package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	SubmissionID key = "submission_id"
)

// WithSubmissionID tags ctx with the submission being judged or aggregated.
func WithSubmissionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, SubmissionID, id)
}
