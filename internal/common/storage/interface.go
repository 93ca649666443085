package storage

import (
	"bytes"
	"context"
	"io"
)

// BlobStore is the keyed blob collaborator used by the judge.
// Keys are bucket-relative, e.g. "problem/7.zip" or "submission/9/result.json".
// Put replaces the object atomically.
type BlobStore interface {
	// Get opens a reader for a blob; the caller must close it.
	// A missing key yields an error carrying ObjectNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores size bytes read from r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Stat returns size and ETag for a blob.
	Stat(ctx context.Context, key string) (ObjectStat, error)
}

// ObjectStat contains object metadata used for cache validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ReadAll fetches a whole blob into memory.
func ReadAll(ctx context.Context, store BlobStore, key string) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// PutBytes stores data under key.
func PutBytes(ctx context.Context, store BlobStore, key string, data []byte, contentType string) error {
	return store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}
