// storage/minio.go
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads     int
	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	TotalDeletes  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// NewMinIOStore creates a new MinIO object store and makes sure the bucket exists.
func NewMinIOStore(ctx context.Context, config MinIOConfig) (*MinIOStore, error) {
	if config.MaxUploads <= 0 {
		config.MaxUploads = 4
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		logger:     zap.L().Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// Put uploads an object, retrying while the reader can be rewound.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := &putOptions{ContentType: "application/octet-stream"}
	for _, opt := range opts {
		opt.applyPut(options)
	}

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	}

	attempt := 0
	op := func() error {
		attempt++
		if rs, ok := reader.(io.ReadSeeker); ok {
			if attempt > 1 {
				if _, err := rs.Seek(0, io.SeekStart); err != nil {
					return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
				}
			}
		} else if attempt > 1 {
			return backoff.Permanent(fmt.Errorf("reader not seekable; not retrying"))
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			if code := getMinioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// PutFile uploads a file to storage
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	opts = append([]PutOption{WithContentType(DetectContentType(filePath))}, opts...)
	return s.Put(ctx, key, file, stat.Size(), opts...)
}

// Delete removes an object
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	s.metrics.TotalDeletes.Add(1)
	return nil
}

// Exists reports whether key is present in the bucket
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if getMinioStatusCode(err) == 404 {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return true, nil
}

// List returns every object under prefix
func (s *MinIOStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, &StorageError{Op: "list", Key: prefix, Err: obj.Err, StatusCode: getMinioStatusCode(obj.Err)}
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
			ContentType:  obj.ContentType,
		})
	}
	return objects, nil
}

// GeneratePresignedURL generates a pre-signed URL for downloading
func (s *MinIOStore) GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", &StorageError{Op: "generate_url", Key: key, Err: err}
	}
	return u.String(), nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

func (s *MinIOStore) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  s.metrics.TotalUploads.Load(),
		"total_deletes":  s.metrics.TotalDeletes.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}

// DetectContentType maps a file extension to its MIME type
func DetectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
