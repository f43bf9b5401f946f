// storage/storage.go
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectStore is the evidence archive: segments and clips pushed off the
// device for safekeeping and sharing.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	HealthCheck(ctx context.Context) error
}

// ObjectInfo contains information about a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
}

// PutOption configures Put operations
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) {
	if opts.Metadata == nil {
		opts.Metadata = make(map[string]string, len(o))
	}
	for k, v := range o {
		opts.Metadata[k] = v
	}
}

func WithContentType(contentType string) PutOption {
	return contentTypeOption(contentType)
}

func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == 403
}
