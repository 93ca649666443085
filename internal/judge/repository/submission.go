package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"ojjudge/internal/common/cache"
	"ojjudge/internal/common/db"
	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 1 * time.Minute
	submissionCacheKeyPrefix       = "judge:submission:"

	statusUpdateAttempts = 3
)

// Submission is the judge's view of a submissions row.
type Submission struct {
	SubmissionID int64                  `json:"submissionId"`
	ProblemID    int64                  `json:"problemId"`
	Language     string                 `json:"language"`
	Status       model.SubmissionStatus `json:"status"`
	SubmittedAt  time.Time              `json:"submittedAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// SubmissionRepository reads submissions and moves them through their lifecycle.
type SubmissionRepository interface {
	Get(ctx context.Context, submissionID int64) (*Submission, error)
	SetStatus(ctx context.Context, submissionID int64, status model.SubmissionStatus) error
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL and a
// cache-aside Redis layer.
type MySQLSubmissionRepository struct {
	provider db.Provider
	cache    cache.BasicOps
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionRepository creates a submission repository with default TTLs.
// cacheClient may be nil.
func NewSubmissionRepository(provider db.Provider, cacheClient cache.BasicOps) *MySQLSubmissionRepository {
	return NewSubmissionRepositoryWithTTL(provider, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionRepositoryWithTTL creates a submission repository with custom TTLs.
func NewSubmissionRepositoryWithTTL(provider db.Provider, cacheClient cache.BasicOps, ttl, emptyTTL time.Duration) *MySQLSubmissionRepository {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionRepository{
		provider: provider,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "submission_id, problem_id, language, status, submitted_at, updated_at"

// Get returns the submission or a SubmissionNotFound error.
func (r *MySQLSubmissionRepository) Get(ctx context.Context, submissionID int64) (*Submission, error) {
	if submissionID <= 0 {
		return nil, appErr.ValidationError("submission_id", "must be positive")
	}
	var (
		submission *Submission
		err        error
	)
	if r.cache != nil {
		submission, err = cache.GetWithCached[*Submission](
			ctx,
			r.cache,
			submissionCacheKey(submissionID),
			r.ttl,
			r.emptyTTL,
			func(s *Submission) bool { return s == nil },
			marshalSubmission,
			unmarshalSubmission,
			func(ctx context.Context) (*Submission, error) {
				return r.getFromDB(ctx, submissionID)
			},
		)
	} else {
		submission, err = r.getFromDB(ctx, submissionID)
	}
	if err != nil {
		return nil, err
	}
	if submission == nil {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %d not found", submissionID)
	}
	return submission, nil
}

// SetStatus updates the lifecycle status and invalidates the cached row.
// Deadlocks and lock wait timeouts are retried.
func (r *MySQLSubmissionRepository) SetStatus(ctx context.Context, submissionID int64, status model.SubmissionStatus) error {
	if submissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	update := func(ctx context.Context) error {
		database, err := db.CurrentDatabase(r.provider)
		if err != nil {
			return appErr.Wrap(err, appErr.DatabaseError)
		}
		query := "UPDATE submissions SET status = ?, updated_at = ? WHERE submission_id = ?"
		for attempt := 1; ; attempt++ {
			_, err = database.Exec(ctx, query, string(status), time.Now(), submissionID)
			if err == nil || !db.IsRetryable(err) || attempt >= statusUpdateAttempts {
				break
			}
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "set submission %d status %s failed", submissionID, status)
		}
		return nil
	}
	if r.cache == nil {
		return update(ctx)
	}
	return cache.UpdateCached(ctx, r.cache, submissionCacheKey(submissionID), update)
}

// getFromDB returns nil without error when the row does not exist.
func (r *MySQLSubmissionRepository) getFromDB(ctx context.Context, submissionID int64) (*Submission, error) {
	database, err := db.CurrentDatabase(r.provider)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	row := database.QueryRow(ctx, query, submissionID)
	submission := &Submission{}
	var status string
	if err := row.Scan(
		&submission.SubmissionID,
		&submission.ProblemID,
		&submission.Language,
		&status,
		&submission.SubmittedAt,
		&submission.UpdatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load submission %d failed", submissionID)
	}
	submission.Status = model.SubmissionStatus(status)
	return submission, nil
}

func submissionCacheKey(submissionID int64) string {
	return submissionCacheKeyPrefix + strconv.FormatInt(submissionID, 10)
}

func marshalSubmission(submission *Submission) (string, error) {
	data, err := json.Marshal(submission)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalSubmission(data string) (*Submission, error) {
	var submission Submission
	if err := json.Unmarshal([]byte(data), &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}
