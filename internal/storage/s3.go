package storage

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
)

// S3 stores blobs in an S3-compatible bucket through multipart uploads; the
// final object only appears after upload completion, and an aborted context
// aborts the multipart upload server-side.
type S3 struct {
	Client *minio.Client
	Bucket string
}

func NewS3(cfg config.S3Store) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		BucketLookup: func() minio.BucketLookupType {
			if cfg.ForcePathStyle {
				return minio.BucketLookupPath
			}
			return minio.BucketLookupDNS
		}(),
	})
	if err != nil {
		return nil, errs.Wrap(errs.StorageUnavailable, "storage.s3.new", err)
	}
	return &S3{Client: client, Bucket: cfg.Bucket}, nil
}

func (s *S3) Put(ctx context.Context, key string, reader io.Reader, size int64) error {
	_, err := s.Client.PutObject(ctx, s.Bucket, key, reader, size, minio.PutObjectOptions{
		UserMetadata: map[string]string{"backy-backup": "true"},
	})
	return mapS3Error("storage.s3.put", err)
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapS3Error("storage.s3.get", err)
	}
	// GetObject is lazy; surface missing keys now rather than on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapS3Error("storage.s3.get", err)
	}
	return obj, nil
}

func (s *S3) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapS3Error("storage.s3.stat", err)
	}
	return ObjectInfo{Key: key, Size: stat.Size, Modified: stat.LastModified, ETag: stat.ETag}, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	ch := s.Client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	infos := []ObjectInfo{}
	for obj := range ch {
		if obj.Err != nil {
			return nil, mapS3Error("storage.s3.list", obj.Err)
		}
		infos = append(infos, ObjectInfo{Key: obj.Key, Size: obj.Size, Modified: obj.LastModified, ETag: obj.ETag})
	}
	return infos, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	return mapS3Error("storage.s3.delete", s.Client.RemoveObject(ctx, s.Bucket, key, minio.RemoveObjectOptions{}))
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, mapS3Error("storage.s3.exists", err)
	}
	return true, nil
}

func mapS3Error(op string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return errs.Wrap(errs.StorageNotFound, op, err)
	case "AccessDenied":
		return errs.Wrap(errs.PermissionDenied, op, err)
	}
	return errs.Wrap(errs.StorageUnavailable, op, err)
}
