package problem

import (
	"context"

	"ojjudge/internal/common/storage"
	"ojjudge/internal/judge/model"
)

const archiveContentType = "application/zip"

// ArchiveStore publishes validated problem archives.
type ArchiveStore struct {
	store storage.BlobStore
}

// NewArchiveStore creates an ArchiveStore.
func NewArchiveStore(store storage.BlobStore) *ArchiveStore {
	return &ArchiveStore{store: store}
}

// Upload validates data and replaces problem/{id}.zip.
func (s *ArchiveStore) Upload(ctx context.Context, problemID int64, data []byte) error {
	if err := ValidateArchive(data); err != nil {
		return err
	}
	return storage.PutBytes(ctx, s.store, model.ProblemArchiveKey(problemID), data, archiveContentType)
}
