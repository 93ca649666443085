package repository

import (
	"context"
	"encoding/json"

	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
	appErr "ojjudge/pkg/errors"
)

// ResultStore persists final submission results.
type ResultStore interface {
	Save(ctx context.Context, res model.SubmissionResult) error
	Load(ctx context.Context, submissionID int64) (model.SubmissionResult, error)
}

// BlobResultStore keeps results as submission/{id}/result.json.
type BlobResultStore struct {
	store storage.BlobStore
}

// NewBlobResultStore creates a result store on top of a blob store.
func NewBlobResultStore(store storage.BlobStore) *BlobResultStore {
	return &BlobResultStore{store: store}
}

// Save writes the result, replacing any previous one.
func (s *BlobResultStore) Save(ctx context.Context, res model.SubmissionResult) error {
	if res.SubmissionID <= 0 {
		return appErr.ValidationError("submission_id", "must be positive")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal result failed")
	}
	if err := storage.PutBytes(ctx, s.store, model.ResultKey(res.SubmissionID), data, "application/json"); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "save result %d failed", res.SubmissionID)
	}
	return nil
}

// Load reads a persisted result.
func (s *BlobResultStore) Load(ctx context.Context, submissionID int64) (model.SubmissionResult, error) {
	data, err := storage.ReadAll(ctx, s.store, model.ResultKey(submissionID))
	if err != nil {
		return model.SubmissionResult{}, appErr.Wrapf(err, appErr.StorageError, "load result %d failed", submissionID)
	}
	var res model.SubmissionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return model.SubmissionResult{}, appErr.Wrapf(err, appErr.StorageError, "decode result %d failed", submissionID)
	}
	return res, nil
}
