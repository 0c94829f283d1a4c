package storage

import (
	"context"
	"io"
	"time"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/util"
)

// New builds the configured backend wrapped in the transient-retry layer.
func New(cfg config.StorageConfig) (Storage, error) {
	var backend Storage
	switch cfg.Type {
	case "local", "":
		backend = NewLocal(cfg.Local.Path)
	case "aws":
		s3, err := NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		backend = s3
	default:
		return nil, errs.New(errs.ConfigInvalid, "storage.new", "unsupported storage_type %q", cfg.Type)
	}
	return withRetry(backend), nil
}

const (
	retryAttempts = 5
	retryBase     = time.Second
	retryCap      = 30 * time.Second
)

// retrying re-runs transient failures with exponential backoff. Reads of an
// already-open stream are not retried; only the call setting it up is.
type retrying struct {
	inner Storage
}

func withRetry(inner Storage) Storage {
	return &retrying{inner: inner}
}

func (r *retrying) retry(ctx context.Context, fn func() error) error {
	return util.RetryBackoff(ctx, retryAttempts, retryBase, retryCap, errs.IsTransient, fn)
}

func (r *retrying) Put(ctx context.Context, key string, reader io.Reader, size int64) error {
	// The reader is consumable only once, so Put gets a single attempt.
	return r.inner.Put(ctx, key, reader, size)
}

func (r *retrying) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.retry(ctx, func() error {
		var err error
		rc, err = r.inner.Get(ctx, key)
		return err
	})
	return rc, err
}

func (r *retrying) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := r.retry(ctx, func() error {
		var err error
		info, err = r.inner.Stat(ctx, key)
		return err
	})
	return info, err
}

func (r *retrying) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := r.retry(ctx, func() error {
		var err error
		infos, err = r.inner.List(ctx, prefix)
		return err
	})
	return infos, err
}

func (r *retrying) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *retrying) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.retry(ctx, func() error {
		var err error
		ok, err = r.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}
