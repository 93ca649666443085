package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	appErr "ojjudge/pkg/errors"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// MinIOStorage implements BlobStore on a single MinIO/S3 bucket.
type MinIOStorage struct {
	core   *minio.Core
	bucket string
	region string
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio accessKey is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secretKey is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}
	return &MinIOStorage{core: core, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet.
func (s *MinIOStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.core.Client.BucketExists(ctx, s.bucket)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "check bucket %s failed", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.core.Client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create bucket %s failed", s.bucket)
	}
	return nil
}

func (s *MinIOStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, _, _, err := s.core.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err, key, "get")
	}
	return obj, nil
}

func (s *MinIOStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if r == nil {
		return fmt.Errorf("reader is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	opts := minio.PutObjectOptions{}
	if contentType != "" {
		opts.ContentType = contentType
	}
	// Client.PutObject handles unknown sizes through multipart streaming.
	if _, err := s.core.Client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return translateError(err, key, "put")
	}
	return nil
}

func (s *MinIOStorage) Delete(ctx context.Context, key string) error {
	if err := s.core.Client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return translateError(err, key, "delete")
	}
	return nil
}

func (s *MinIOStorage) Stat(ctx context.Context, key string) (ObjectStat, error) {
	info, err := s.core.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectStat{}, translateError(err, key, "stat")
	}
	return ObjectStat{
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
	}, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func translateError(err error, key, op string) error {
	if isNotFound(err) {
		return appErr.Wrapf(err, appErr.ObjectNotFound, "object %s not found", key)
	}
	return appErr.Wrapf(err, appErr.StorageError, "minio %s %s failed", op, key)
}
