package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sync"

	appErr "ojjudge/pkg/errors"
)

// MemoryStore is an in-process BlobStore for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	etag        string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.ObjectNotFound, "object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "read object %s failed", key)
	}
	sum := md5.Sum(data)
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType, etag: hex.EncodeToString(sum[:])}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Stat(ctx context.Context, key string) (ObjectStat, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return ObjectStat{}, appErr.Newf(appErr.ObjectNotFound, "object %s not found", key)
	}
	return ObjectStat{SizeBytes: int64(len(obj.data)), ETag: obj.etag, ContentType: obj.contentType}, nil
}
